// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/model"
	"coinledger/internal/notify"
	"coinledger/internal/pkg/lock"
	"coinledger/internal/repository"
)

// Service-level errors.
var (
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrUnknownUser            = errors.New("unknown user")
)

// walletStore is the slice of WalletRepository the wallet service uses.
type walletStore interface {
	GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error)
	Get(ctx context.Context, userID int64) (*model.Wallet, error)
	Credit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error)
	Debit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error)
	SetFrozen(ctx context.Context, userID int64, frozen bool) error
}

// ledgerReader is the slice of TransactionRepository the wallet service uses.
type ledgerReader interface {
	GetByUser(ctx context.Context, userID int64, from, to time.Time, limit int) ([]*model.Transaction, error)
	SumSettled(ctx context.Context, userID int64) (int64, error)
	ActiveUsersSince(ctx context.Context, since time.Time) ([]int64, error)
}

// Balance is the user-facing balance view.
type Balance struct {
	Balance   int64 `json:"balance"`
	Locked    int64 `json:"locked"`
	Available int64 `json:"available"`
}

// WalletService owns wallet reads, direct credits/debits, and the
// reconciliation invariant.
type WalletService struct {
	wallets  walletStore
	ledger   ledgerReader
	locks    *lock.WalletLock
	notifier notify.Notifier
}

// NewWalletService creates a new WalletService instance.
func NewWalletService(wallets walletStore, ledger ledgerReader, locks *lock.WalletLock, notifier notify.Notifier) *WalletService {
	return &WalletService{wallets: wallets, ledger: ledger, locks: locks, notifier: notifier}
}

// Credit adds coins to a user's wallet and notifies the user. Always
// succeeds for a valid user; the wallet is created lazily.
func (s *WalletService) Credit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, error) {
	w, _, err := s.wallets.Credit(ctx, userID, amount, txType, meta)
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
	return w, nil
}

// Debit removes coins from a user's wallet. The underlying store performs
// the balance check and decrement as one atomic operation, so concurrent
// debits can never overdraw the wallet.
func (s *WalletService) Debit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, error) {
	w, _, err := s.wallets.Debit(ctx, userID, amount, txType, meta)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
	return w, nil
}

// GetBalance returns the user's balance view, creating the wallet on first
// access.
func (s *WalletService) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	w, err := s.wallets.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{Balance: w.Balance, Locked: w.Locked, Available: w.Available()}, nil
}

// GetHistory returns the user's ledger entries within the range.
func (s *WalletService) GetHistory(ctx context.Context, userID int64, from, to time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.GetByUser(ctx, userID, from, to, limit)
}

// Reconcile recomputes the user's balance from settled ledger entries and
// compares it against the live wallet. A divergence freezes the wallet
// against further debits and raises an operator alarm; it is never surfaced
// as a user-facing error by callers.
func (s *WalletService) Reconcile(ctx context.Context, userID int64) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	// Locked coins still belong to the user; pending reservations have no
	// settled ledger entry yet, so the settled sum must equal the total.
	w, sum, err := s.snapshot(ctx, userID)
	if err != nil {
		return err
	}
	if sum == w.Total() {
		return nil
	}

	// The wallet row and the ledger sum are two separate reads, so a credit
	// committing between them looks like a divergence. A real mismatch
	// persists across a second snapshot; a racing mutation does not.
	w, sum, err = s.snapshot(ctx, userID)
	if err != nil {
		return err
	}
	if sum == w.Total() {
		return nil
	}

	log.Error().
		Int64("user_id", userID).
		Int64("wallet_total", w.Total()).
		Int64("ledger_sum", sum).
		Msg("ALARM: wallet diverged from ledger, freezing debits")

	if err := s.wallets.SetFrozen(ctx, userID, true); err != nil {
		return fmt.Errorf("failed to freeze diverged wallet: %w", err)
	}
	return fmt.Errorf("%w: wallet %d total %d, ledger sum %d", ErrReconciliationMismatch, userID, w.Total(), sum)
}

// snapshot reads the wallet row and its settled ledger sum.
func (s *WalletService) snapshot(ctx context.Context, userID int64) (*model.Wallet, int64, error) {
	w, err := s.wallets.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, 0, ErrUnknownUser
		}
		return nil, 0, err
	}
	sum, err := s.ledger.SumSettled(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return w, sum, nil
}

// ReconcileActive sweeps every wallet with ledger activity after the cutoff.
// Mismatches are already alarmed and frozen inside Reconcile; the sweep
// keeps going so one bad wallet doesn't hide another.
func (s *WalletService) ReconcileActive(ctx context.Context, since time.Time) error {
	users, err := s.ledger.ActiveUsersSince(ctx, since)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := s.Reconcile(ctx, userID); err != nil && !errors.Is(err, ErrReconciliationMismatch) {
			return err
		}
	}
	return nil
}
