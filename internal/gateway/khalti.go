package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coinledger/internal/model"
)

// KhaltiAdapter drives payments through Khalti's ePayment API. Khalti
// amounts are in paisa, which map one-to-one onto cents.
type KhaltiAdapter struct {
	baseURL   string
	secretKey string
	returnURL string
	client    *http.Client
	retryMax  time.Duration
}

// NewKhaltiAdapter creates a Khalti adapter.
func NewKhaltiAdapter(baseURL, secretKey, returnURL string, retryMax time.Duration) *KhaltiAdapter {
	return &KhaltiAdapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		returnURL: returnURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		retryMax:  retryMax,
	}
}

// Name returns the provider name used in configuration and intents.
func (a *KhaltiAdapter) Name() string { return "khalti" }

// Initiate opens a Khalti payment and returns its hosted payment URL.
func (a *KhaltiAdapter) Initiate(ctx context.Context, intent *model.PaymentIntent) (*InitiateResult, error) {
	payload, err := json.Marshal(map[string]any{
		"return_url":          a.returnURL,
		"website_url":         a.returnURL,
		"amount":              intent.RequestedAmount,
		"purchase_order_id":   intent.ID,
		"purchase_order_name": "coin topup",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode initiate payload: %w", err)
	}

	body, err := postWithRetry(ctx, a.client, a.retryMax, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v2/epayment/initiate/", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Key "+a.secretKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Pidx       string `json:"pidx"`
		PaymentURL string `json:"payment_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding initiate response: %v", ErrProviderError, err)
	}
	if resp.Pidx == "" {
		return nil, fmt.Errorf("%w: initiate response missing pidx", ErrProviderRejected)
	}

	return &InitiateResult{ProviderRef: resp.Pidx, RedirectURL: resp.PaymentURL}, nil
}

// Verify confirms the callback's pidx against Khalti's lookup endpoint
// rather than trusting the pushed status.
func (a *KhaltiAdapter) Verify(ctx context.Context, payload []byte, _ http.Header) (*VerificationResult, error) {
	var cb struct {
		Pidx string `json:"pidx"`
	}
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: decoding callback: %v", ErrProviderRejected, err)
	}
	if cb.Pidx == "" {
		return nil, fmt.Errorf("%w: callback missing pidx", ErrProviderRejected)
	}

	lookup, err := json.Marshal(map[string]string{"pidx": cb.Pidx})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lookup payload: %w", err)
	}

	body, err := postWithRetry(ctx, a.client, a.retryMax, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v2/epayment/lookup/", bytes.NewReader(lookup))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Key "+a.secretKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Pidx          string `json:"pidx"`
		Status        string `json:"status"`
		TotalAmount   int64  `json:"total_amount"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding lookup response: %v", ErrProviderError, err)
	}

	result := &VerificationResult{
		Amount:       resp.TotalAmount,
		Currency:     "NPR",
		OrderRef:     resp.Pidx,
		ProviderTxID: resp.TransactionID,
	}
	if result.ProviderTxID == "" {
		result.ProviderTxID = resp.Pidx
	}
	if resp.Status == "Completed" {
		result.IsValid = true
	} else {
		result.Reason = fmt.Sprintf("lookup status %s", resp.Status)
	}
	return result, nil
}
