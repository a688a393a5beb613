// Package gateway defines the payment provider adapter interface and its
// implementations. The orchestrator only ever sees the normalized interface;
// provider-specific wire formats stay inside each adapter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"coinledger/internal/model"
)

// Gateway errors.
var (
	// ErrProviderError is transient: the provider was unreachable or
	// answered 5xx after bounded retries.
	ErrProviderError = errors.New("provider error")
	// ErrProviderRejected is terminal: the provider refused the request.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrInvalidSignature is returned for callbacks that fail verification.
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrUnknownProvider is returned for an unconfigured provider name.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// InitiateResult is what a provider hands back when a payment is opened.
// Exactly one of RedirectURL or ClientSecret is set depending on the
// provider's checkout model.
type InitiateResult struct {
	ProviderRef  string
	RedirectURL  string
	ClientSecret string
}

// VerificationResult is the normalized outcome of a provider callback.
// Amount is in cents regardless of the provider's native unit. OrderRef
// matches the provider reference stored at initiate time; ProviderTxID is
// the provider's settlement ID, which keys the idempotent credit (the two
// differ for providers like eSewa).
type VerificationResult struct {
	IsValid      bool
	Amount       int64
	Currency     string
	OrderRef     string
	ProviderTxID string
	Reason       string
}

// Adapter is the capability one payment provider exposes. Implementations
// must be safe for concurrent use.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, intent *model.PaymentIntent) (*InitiateResult, error)
	Verify(ctx context.Context, payload []byte, header http.Header) (*VerificationResult, error)
}

// Registry selects adapters by configured provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// postWithRetry issues a request with bounded exponential backoff. Network
// failures and 5xx responses retry; 4xx responses are terminal. The response
// body is fully read and returned.
func postWithRetry(ctx context.Context, client *http.Client, maxElapsed time.Duration, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProviderError, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrProviderError, err)
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrProviderError, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, body))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
