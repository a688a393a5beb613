// Package limits enforces per-transaction and rolling-window spend caps.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinledger/internal/model"
)

// ErrLimitExceeded is returned when a request violates a spend cap. The
// wrapped message names which cap fired.
var ErrLimitExceeded = errors.New("limit exceeded")

// SpendReader supplies rolling-window spend totals from the ledger. The
// window is computed from the ledger on every validation rather than kept as
// a materialized aggregate, so it can never drift from the source of truth.
type SpendReader interface {
	SpendSince(ctx context.Context, userID int64, types []string, since time.Time) (int64, error)
}

// TierLookup reports a user's verification status. Backed by the external
// KYC service in production; tests and single-node deployments use a static
// config-driven implementation.
type TierLookup interface {
	IsVerified(userID int64) bool
}

// Config holds spend cap values in cents.
type Config struct {
	PerTransactionMax int64
	DailyMax          int64
	UnverifiedMax     int64
	Window            time.Duration
}

// Policy validates payment requests against spend caps and KYC tier.
type Policy struct {
	cfg    Config
	spends SpendReader
	tiers  TierLookup
	now    func() time.Time
}

// NewPolicy creates a Policy. The clock is injectable for tests.
func NewPolicy(cfg Config, spends SpendReader, tiers TierLookup, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{cfg: cfg, spends: spends, tiers: tiers, now: now}
}

// Validate checks a spend request. KYC gating is absolute: an unverified user
// over the unverified ceiling is rejected no matter what any other signal
// says about the request.
func (p *Policy) Validate(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrLimitExceeded)
	}

	if !p.tiers.IsVerified(userID) && amount > p.cfg.UnverifiedMax {
		return fmt.Errorf("%w: unverified accounts are capped at %d", ErrLimitExceeded, p.cfg.UnverifiedMax)
	}

	if amount > p.cfg.PerTransactionMax {
		return fmt.Errorf("%w: per-transaction cap is %d", ErrLimitExceeded, p.cfg.PerTransactionMax)
	}

	since := p.now().Add(-p.cfg.Window)
	spent, err := p.spends.SpendSince(ctx, userID, model.SpendTypes(), since)
	if err != nil {
		return fmt.Errorf("failed to compute spend window: %w", err)
	}
	if spent+amount > p.cfg.DailyMax {
		return fmt.Errorf("%w: rolling window cap is %d, already spent %d", ErrLimitExceeded, p.cfg.DailyMax, spent)
	}

	return nil
}

// StaticTiers is a TierLookup backed by a fixed verified-ID list.
type StaticTiers struct {
	verified map[int64]bool
}

// NewStaticTiers builds a StaticTiers from a verified-ID list.
func NewStaticTiers(ids []int64) *StaticTiers {
	verified := make(map[int64]bool, len(ids))
	for _, id := range ids {
		verified[id] = true
	}
	return &StaticTiers{verified: verified}
}

// IsVerified reports whether the user is in the verified list.
func (s *StaticTiers) IsVerified(userID int64) bool {
	return s.verified[userID]
}
