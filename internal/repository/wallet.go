// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinledger/internal/model"
)

// Common errors for repository operations.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletFrozen        = errors.New("wallet frozen")
	ErrInsufficientLocked  = errors.New("insufficient locked funds")
)

const walletColumns = "user_id, balance, locked, frozen, created_at, updated_at"

// WalletRepository handles wallet persistence. Every balance mutation appends
// a ledger row in the same database transaction, so the wallet and its
// history can never commit separately.
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new WalletRepository instance.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	err := row.Scan(&w.UserID, &w.Balance, &w.Locked, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOrCreate retrieves a wallet, creating an empty one if it doesn't exist.
// Wallets are created lazily on first access and never deleted.
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	const insert = `
		INSERT INTO wallets (user_id, balance, locked, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insert, userID); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return r.Get(ctx, userID)
}

// Get retrieves a wallet by user ID.
// Returns ErrWalletNotFound if the wallet does not exist.
func (r *WalletRepository) Get(ctx context.Context, userID int64) (*model.Wallet, error) {
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// Credit adds coins to a wallet and appends the completed ledger entry in one
// database transaction. The wallet is created if it doesn't exist yet.
func (r *WalletRepository) Credit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error) {
	return r.credit(ctx, userID, amount, txType, nil, meta)
}

// CreditIdempotent credits a wallet and stamps the ledger entry with the
// settlement's idempotency key. A partial unique index on the key makes a
// double-credit for the same settlement fail at the database even if the
// idempotency guard is bypassed.
func (r *WalletRepository) CreditIdempotent(ctx context.Context, userID, amount int64, txType, idemKey string, meta map[string]string) (*model.Wallet, *model.Transaction, error) {
	return r.credit(ctx, userID, amount, txType, &idemKey, meta)
}

func (r *WalletRepository) credit(ctx context.Context, userID, amount int64, txType string, idemKey *string, meta map[string]string) (*model.Wallet, *model.Transaction, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO wallets (user_id, balance, locked, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = wallets.balance + $2, updated_at = NOW()
		RETURNING ` + walletColumns

	w, err := scanWallet(tx.QueryRow(ctx, upsert, userID, amount))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	entry, err := appendEntry(ctx, tx, userID, txType, amount, model.TxStatusCompleted, idemKey, meta)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit credit: %w", err)
	}
	return w, entry, nil
}

// Debit removes coins from a wallet and appends the ledger entry in one
// database transaction. The balance check and decrement are a single
// conditional UPDATE executed server-side, so two concurrent debits whose
// sum exceeds the balance can never both succeed.
func (r *WalletRepository) Debit(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND NOT frozen AND balance >= $2
		RETURNING ` + walletColumns

	w, err := scanWallet(tx.QueryRow(ctx, update, userID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, r.debitFailure(ctx, userID)
		}
		return nil, nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	entry, err := appendEntry(ctx, tx, userID, txType, -amount, model.TxStatusCompleted, nil, meta)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit debit: %w", err)
	}
	return w, entry, nil
}

// debitFailure distinguishes why a conditional debit matched no rows.
func (r *WalletRepository) debitFailure(ctx context.Context, userID int64) error {
	w, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if w.Frozen {
		return ErrWalletFrozen
	}
	return ErrInsufficientBalance
}

// Reserve moves coins from the spendable balance into the locked bucket,
// recording a pending ledger entry. Used to hold funds while a withdrawal
// awaits provider confirmation.
func (r *WalletRepository) Reserve(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE wallets
		SET balance = balance - $2, locked = locked + $2, updated_at = NOW()
		WHERE user_id = $1 AND NOT frozen AND balance >= $2
		RETURNING ` + walletColumns

	w, err := scanWallet(tx.QueryRow(ctx, update, userID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, r.debitFailure(ctx, userID)
		}
		return nil, nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	entry, err := appendEntry(ctx, tx, userID, txType, -amount, model.TxStatusPending, nil, meta)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit reserve: %w", err)
	}
	return w, entry, nil
}

// Release returns reserved coins to the spendable balance and marks the
// pending ledger entry failed. Used when a withdrawal is rejected or expires.
func (r *WalletRepository) Release(ctx context.Context, userID, amount int64, entryID string) (*model.Wallet, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE wallets
		SET balance = balance + $2, locked = locked - $2, updated_at = NOW()
		WHERE user_id = $1 AND locked >= $2
		RETURNING ` + walletColumns

	w, err := scanWallet(tx.QueryRow(ctx, update, userID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientLocked
		}
		return nil, fmt.Errorf("failed to release funds: %w", err)
	}

	const mark = `UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3`
	if _, err := tx.Exec(ctx, mark, entryID, model.TxStatusFailed, model.TxStatusPending); err != nil {
		return nil, fmt.Errorf("failed to mark entry failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return w, nil
}

// Settle burns reserved coins after provider confirmation and completes the
// pending ledger entry.
func (r *WalletRepository) Settle(ctx context.Context, userID, amount int64, entryID string) (*model.Wallet, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE wallets
		SET locked = locked - $2, updated_at = NOW()
		WHERE user_id = $1 AND locked >= $2
		RETURNING ` + walletColumns

	w, err := scanWallet(tx.QueryRow(ctx, update, userID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientLocked
		}
		return nil, fmt.Errorf("failed to settle funds: %w", err)
	}

	const mark = `UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3`
	if _, err := tx.Exec(ctx, mark, entryID, model.TxStatusCompleted, model.TxStatusPending); err != nil {
		return nil, fmt.Errorf("failed to complete entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settle: %w", err)
	}
	return w, nil
}

// SetFrozen freezes or unfreezes a wallet. Frozen wallets reject all debits;
// credits still land so users never lose incoming funds.
func (r *WalletRepository) SetFrozen(ctx context.Context, userID int64, frozen bool) error {
	const query = `UPDATE wallets SET frozen = $2, updated_at = NOW() WHERE user_id = $1`

	result, err := r.pool.Exec(ctx, query, userID, frozen)
	if err != nil {
		return fmt.Errorf("failed to set frozen: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}
