package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey is returned when an idempotency key was already claimed.
// The caller should fetch and return the stored result instead of
// re-executing side effects.
var ErrDuplicateKey = errors.New("idempotency key already used")

// ErrResultPending is returned when a key is claimed but the original
// request has not stored its result yet.
var ErrResultPending = errors.New("idempotent result not ready")

// DeriveKey builds a deterministic idempotency key for clients that don't
// supply one.
func DeriveKey(userID, amount int64, currency, method, nonce string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%s|%s|%s", userID, amount, currency, method, nonce))
	return hex.EncodeToString(h[:])
}

// IdempotencyRepository stores key -> result mappings so retried requests
// return the original outcome instead of re-executing side effects.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepository creates a new IdempotencyRepository instance.
func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

// Claim registers a key for the given user. If the key is new, Claim returns
// nil and the caller proceeds with side effects. If the key was seen before,
// Claim returns ErrDuplicateKey and unmarshals the stored result into prior
// (when one was stored); a claimed key with no result yet yields
// ErrResultPending so callers can tell an in-flight twin from a finished one.
func (r *IdempotencyRepository) Claim(ctx context.Context, key string, userID int64, prior any) error {
	const insert = `
		INSERT INTO idempotency_keys (key, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, insert, key, userID)
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	const query = `SELECT result FROM idempotency_keys WHERE key = $1`
	var stored []byte
	if err := r.pool.QueryRow(ctx, query, key).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Key swept between insert and read; treat as fresh next retry.
			return ErrResultPending
		}
		return fmt.Errorf("failed to load idempotent result: %w", err)
	}
	if stored == nil {
		return ErrResultPending
	}
	if prior != nil {
		if err := json.Unmarshal(stored, prior); err != nil {
			return fmt.Errorf("failed to decode idempotent result: %w", err)
		}
	}
	return ErrDuplicateKey
}

// StoreResult records the outcome for a claimed key.
func (r *IdempotencyRepository) StoreResult(ctx context.Context, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode idempotent result: %w", err)
	}

	const update = `UPDATE idempotency_keys SET result = $2 WHERE key = $1`
	tag, err := r.pool.Exec(ctx, update, key, payload)
	if err != nil {
		return fmt.Errorf("failed to store idempotent result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %q vanished before result store", key)
	}
	return nil
}

// ReleaseKey removes a claimed key whose operation failed before producing a
// result, so the client's retry is not stuck behind a dead claim.
func (r *IdempotencyRepository) ReleaseKey(ctx context.Context, key string) error {
	const del = `DELETE FROM idempotency_keys WHERE key = $1 AND result IS NULL`
	if _, err := r.pool.Exec(ctx, del, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Sweep deletes keys older than the cutoff. Retention must outlive payment
// intent expiry so late provider callbacks are still recognized.
func (r *IdempotencyRepository) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	const del = `DELETE FROM idempotency_keys WHERE created_at < $1`

	result, err := r.pool.Exec(ctx, del, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return result.RowsAffected(), nil
}
