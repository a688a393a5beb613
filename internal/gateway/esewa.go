package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coinledger/internal/model"
)

// EsewaAdapter drives payments through eSewa's redirect checkout. eSewa
// pushes an unauthenticated callback, so Verify confirms every payment
// against the transaction verification endpoint before trusting it.
type EsewaAdapter struct {
	baseURL      string
	merchantCode string
	client       *http.Client
	retryMax     time.Duration
}

// NewEsewaAdapter creates an eSewa adapter. The API key doubles as the
// merchant code in eSewa's scheme.
func NewEsewaAdapter(baseURL, merchantCode string, retryMax time.Duration) *EsewaAdapter {
	return &EsewaAdapter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		merchantCode: merchantCode,
		client:       &http.Client{Timeout: 15 * time.Second},
		retryMax:     retryMax,
	}
}

// Name returns the provider name used in configuration and intents.
func (a *EsewaAdapter) Name() string { return "esewa" }

// Initiate builds the checkout redirect URL. eSewa has no server-side
// initiate call; the intent ID travels as the product ID and comes back on
// the callback.
func (a *EsewaAdapter) Initiate(_ context.Context, intent *model.PaymentIntent) (*InitiateResult, error) {
	amount := centsToDecimal(intent.RequestedAmount)

	q := url.Values{}
	q.Set("amt", amount)
	q.Set("txAmt", "0")
	q.Set("psc", "0")
	q.Set("pdc", "0")
	q.Set("tAmt", amount)
	q.Set("scd", a.merchantCode)
	q.Set("pid", intent.ID)

	return &InitiateResult{
		ProviderRef: intent.ID,
		RedirectURL: a.baseURL + "/epay/main?" + q.Encode(),
	}, nil
}

// Verify confirms the callback against eSewa's transaction record endpoint.
func (a *EsewaAdapter) Verify(ctx context.Context, payload []byte, _ http.Header) (*VerificationResult, error) {
	var cb struct {
		ProductID string `json:"pid"`
		RefID     string `json:"refId"`
		Amount    string `json:"amt"`
	}
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: decoding callback: %v", ErrProviderRejected, err)
	}
	if cb.RefID == "" || cb.ProductID == "" {
		return nil, fmt.Errorf("%w: callback missing refId or pid", ErrProviderRejected)
	}

	form := url.Values{}
	form.Set("amt", cb.Amount)
	form.Set("scd", a.merchantCode)
	form.Set("rid", cb.RefID)
	form.Set("pid", cb.ProductID)

	body, err := postWithRetry(ctx, a.client, a.retryMax, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/epay/transrec", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	cents, err := decimalToCents(cb.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrProviderRejected, cb.Amount)
	}

	result := &VerificationResult{
		Amount:       cents,
		Currency:     "NPR",
		OrderRef:     cb.ProductID,
		ProviderTxID: cb.RefID,
	}
	// The verification endpoint answers with an XML-ish body containing
	// Success or Failure.
	if strings.Contains(strings.ToLower(string(body)), "success") {
		result.IsValid = true
	} else {
		result.Reason = "transaction not confirmed by esewa"
	}
	return result, nil
}
