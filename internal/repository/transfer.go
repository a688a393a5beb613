package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"coinledger/internal/model"
)

// TransferLegs describes the amounts of a split transfer. The two credit
// legs must sum to the debit leg.
type TransferLegs struct {
	SenderID      int64
	ReceiverID    int64
	PlatformID    int64
	Total         int64
	ReceiverShare int64
	PlatformShare int64
}

// TransferSplit moves coins from the sender to the receiver and platform in
// one database transaction: all three legs commit or none do. Wallet rows
// are locked in ascending user ID order so two transfers touching the same
// pair in opposite directions cannot deadlock.
func (r *WalletRepository) TransferSplit(ctx context.Context, legs TransferLegs, meta map[string]string) (*model.Wallet, *model.Transaction, *model.Transaction, error) {
	if legs.Total <= 0 || legs.ReceiverShare < 0 || legs.PlatformShare < 0 {
		return nil, nil, nil, fmt.Errorf("invalid transfer legs: %+v", legs)
	}
	if legs.ReceiverShare+legs.PlatformShare != legs.Total {
		return nil, nil, nil, fmt.Errorf("transfer legs do not sum: %d + %d != %d", legs.ReceiverShare, legs.PlatformShare, legs.Total)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := orderedIDs(legs.SenderID, legs.ReceiverID, legs.PlatformID)

	// Create missing wallets and take the row locks, both in ascending
	// order.
	const ensure = `
		INSERT INTO wallets (user_id, balance, locked, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	for _, id := range ids {
		if _, err := tx.Exec(ctx, ensure, id); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to ensure wallet %d: %w", id, err)
		}
	}

	const lockRows = `SELECT user_id FROM wallets WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`
	rows, err := tx.Query(ctx, lockRows, ids)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to lock wallets: %w", err)
	}
	rows.Close()

	// Debit leg: conditional update, same primitive as WalletRepository.Debit.
	const debit = `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND NOT frozen AND balance >= $2
		RETURNING ` + walletColumns

	sender, err := scanWallet(tx.QueryRow(ctx, debit, legs.SenderID, legs.Total))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil, r.transferFailure(ctx, tx, legs.SenderID)
		}
		return nil, nil, nil, fmt.Errorf("failed to debit sender: %w", err)
	}

	const credit = `UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1`
	if _, err := tx.Exec(ctx, credit, legs.ReceiverID, legs.ReceiverShare); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to credit receiver: %w", err)
	}
	if legs.PlatformShare > 0 {
		if _, err := tx.Exec(ctx, credit, legs.PlatformID, legs.PlatformShare); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to credit platform: %w", err)
		}
	}

	senderEntry, err := appendEntry(ctx, tx, legs.SenderID, model.TxTypeGiftSend, -legs.Total, model.TxStatusCompleted, nil, meta)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to append sender entry: %w", err)
	}
	receiverEntry, err := appendEntry(ctx, tx, legs.ReceiverID, model.TxTypeGiftReceive, legs.ReceiverShare, model.TxStatusCompleted, nil, meta)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to append receiver entry: %w", err)
	}
	if legs.PlatformShare > 0 {
		if _, err := appendEntry(ctx, tx, legs.PlatformID, model.TxTypeFee, legs.PlatformShare, model.TxStatusCompleted, nil, meta); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to append platform entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	return sender, senderEntry, receiverEntry, nil
}

// transferFailure distinguishes why the sender debit matched no rows.
func (r *WalletRepository) transferFailure(ctx context.Context, tx pgx.Tx, senderID int64) error {
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	w, err := scanWallet(tx.QueryRow(ctx, query, senderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWalletNotFound
		}
		return fmt.Errorf("failed to inspect sender wallet: %w", err)
	}
	if w.Frozen {
		return ErrWalletFrozen
	}
	return ErrInsufficientBalance
}

// orderedIDs returns the distinct IDs in ascending order.
func orderedIDs(ids ...int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
