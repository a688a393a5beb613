package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coinledger/internal/model"
)

// PayPalAdapter drives payments through PayPal's Orders API. PayPal amounts
// are decimal strings in major units; the adapter converts to and from cents.
type PayPalAdapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	retryMax      time.Duration
}

// NewPayPalAdapter creates a PayPal adapter.
func NewPayPalAdapter(baseURL, apiKey, webhookSecret string, retryMax time.Duration) *PayPalAdapter {
	return &PayPalAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 15 * time.Second},
		retryMax:      retryMax,
	}
}

// Name returns the provider name used in configuration and intents.
func (a *PayPalAdapter) Name() string { return "paypal" }

// Initiate opens a PayPal order and returns its approval link.
func (a *PayPalAdapter) Initiate(ctx context.Context, intent *model.PaymentIntent) (*InitiateResult, error) {
	order := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": intent.ID,
				"amount": map[string]string{
					"currency_code": strings.ToUpper(intent.Currency),
					"value":         centsToDecimal(intent.RequestedAmount),
				},
			},
		},
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	body, err := postWithRetry(ctx, a.client, a.retryMax, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/checkout/orders", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID    string `json:"id"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding order response: %v", ErrProviderError, err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: order response missing id", ErrProviderRejected)
	}

	result := &InitiateResult{ProviderRef: resp.ID}
	for _, link := range resp.Links {
		if link.Rel == "approve" {
			result.RedirectURL = link.Href
		}
	}
	return result, nil
}

// Verify checks the transmission signature and normalizes the event payload.
func (a *PayPalAdapter) Verify(_ context.Context, payload []byte, header http.Header) (*VerificationResult, error) {
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header.Get("Paypal-Transmission-Sig"))) {
		return nil, ErrInvalidSignature
	}

	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decoding webhook: %v", ErrProviderRejected, err)
	}

	cents, err := decimalToCents(event.Resource.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrProviderRejected, event.Resource.Amount.Value)
	}

	result := &VerificationResult{
		Amount:       cents,
		Currency:     strings.ToUpper(event.Resource.Amount.CurrencyCode),
		OrderRef:     event.Resource.SupplementaryData.RelatedIDs.OrderID,
		ProviderTxID: event.Resource.ID,
	}
	if result.OrderRef == "" {
		result.OrderRef = event.Resource.ID
	}
	if event.EventType == "PAYMENT.CAPTURE.COMPLETED" && event.Resource.Status == "COMPLETED" {
		result.IsValid = true
	} else {
		result.Reason = fmt.Sprintf("event %s with status %s", event.EventType, event.Resource.Status)
	}
	return result, nil
}

func centsToDecimal(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

func decimalToCents(value string) (int64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f * 100)), nil
}
