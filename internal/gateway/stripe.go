package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinledger/internal/model"
)

// StripeAdapter drives card payments through Stripe's PaymentIntent API.
type StripeAdapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	retryMax      time.Duration
}

// NewStripeAdapter creates a Stripe adapter.
func NewStripeAdapter(baseURL, apiKey, webhookSecret string, retryMax time.Duration) *StripeAdapter {
	return &StripeAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 15 * time.Second},
		retryMax:      retryMax,
	}
}

// Name returns the provider name used in configuration and intents.
func (a *StripeAdapter) Name() string { return "stripe" }

// Initiate opens a Stripe PaymentIntent and returns its client secret.
func (a *StripeAdapter) Initiate(ctx context.Context, intent *model.PaymentIntent) (*InitiateResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(intent.RequestedAmount, 10))
	form.Set("currency", strings.ToLower(intent.Currency))
	form.Set("metadata[intent_id]", intent.ID)

	body, err := postWithRetry(ctx, a.client, a.retryMax, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding initiate response: %v", ErrProviderError, err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: initiate response missing id", ErrProviderRejected)
	}

	return &InitiateResult{ProviderRef: resp.ID, ClientSecret: resp.ClientSecret}, nil
}

// Verify checks the webhook signature and normalizes the event payload.
func (a *StripeAdapter) Verify(_ context.Context, payload []byte, header http.Header) (*VerificationResult, error) {
	if !a.validSignature(payload, header.Get("Stripe-Signature")) {
		return nil, ErrInvalidSignature
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
				Status   string `json:"status"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decoding webhook: %v", ErrProviderRejected, err)
	}

	obj := event.Data.Object
	result := &VerificationResult{
		Amount:       obj.Amount,
		Currency:     strings.ToUpper(obj.Currency),
		OrderRef:     obj.ID,
		ProviderTxID: obj.ID,
	}
	if event.Type == "payment_intent.succeeded" && obj.Status == "succeeded" {
		result.IsValid = true
	} else {
		result.Reason = fmt.Sprintf("event %s with status %s", event.Type, obj.Status)
	}
	return result, nil
}

// validSignature checks the v1 HMAC in the Stripe-Signature header.
func (a *StripeAdapter) validSignature(payload []byte, sigHeader string) bool {
	var provided string
	for _, part := range strings.Split(sigHeader, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "v1="); ok {
			provided = v
		}
	}
	if provided == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
