package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"coinledger/internal/model"
)

// ErrTransactionNotFound is returned when a ledger entry does not exist.
var ErrTransactionNotFound = errors.New("transaction not found")

const txColumns = "id, user_id, type, amount, status, idempotency_key, tx_hash, metadata, created_at"

var entropyMu sync.Mutex
var entropy = ulid.Monotonic(rand.Reader, 0)

// newEntryID generates a sortable unique ledger entry ID.
func newEntryID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// entryHash computes the integrity hash stored with each ledger entry.
func entryHash(id string, userID, amount int64, txType string, createdAt time.Time) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%s|%d", id, userID, amount, txType, createdAt.UnixNano()))
	return hex.EncodeToString(h[:])
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so ledger appends
// can join a caller's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// appendEntry inserts one ledger row. Callers that mutate a balance must pass
// their open pgx.Tx so the entry commits atomically with the mutation.
func appendEntry(ctx context.Context, q querier, userID int64, txType string, amount int64, status string, idemKey *string, meta map[string]string) (*model.Transaction, error) {
	now := time.Now().UTC()
	id := newEntryID(now)
	hash := entryHash(id, userID, amount, txType, now)
	if meta == nil {
		meta = map[string]string{}
	}

	const insert = `
		INSERT INTO transactions (id, user_id, type, amount, status, idempotency_key, tx_hash, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + txColumns

	return scanTransaction(q.QueryRow(ctx, insert, id, userID, txType, amount, status, idemKey, hash, meta, now))
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.IdempotencyKey, &t.TxHash, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionRepository handles the append-only ledger. Rows are never
// updated after reaching a terminal status; refunds add compensating rows.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Record appends a standalone ledger entry outside any wallet mutation.
func (r *TransactionRepository) Record(ctx context.Context, userID int64, txType string, amount int64, status string, idemKey *string, meta map[string]string) (*model.Transaction, error) {
	entry, err := appendEntry(ctx, r.pool, userID, txType, amount, status, idemKey, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return entry, nil
}

// GetByID retrieves a single ledger entry.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// GetByUser retrieves a user's ledger entries within [from, to), newest first.
// Zero time bounds are treated as unbounded.
func (r *TransactionRepository) GetByUser(ctx context.Context, userID int64, from, to time.Time, limit int) ([]*model.Transaction, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var entries []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		entries = append(entries, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return entries, nil
}

// SumSettled recomputes a user's balance from settled ledger entries. This is
// the reconciliation source of truth. A refunded original still settled once;
// its reversal lives in the compensating refund row, so both are counted.
func (r *TransactionRepository) SumSettled(ctx context.Context, userID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1 AND status IN ('completed', 'refunded')
	`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// SpendSince returns the total amount a user spent on the given transaction
// types since the cutoff. Used for rolling-window spend limits.
func (r *TransactionRepository) SpendSince(ctx context.Context, userID int64, types []string, since time.Time) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(-amount), 0)
		FROM transactions
		WHERE user_id = $1
		  AND type = ANY($2)
		  AND status IN ('pending', 'completed')
		  AND amount < 0
		  AND created_at >= $3
	`

	var spent int64
	if err := r.pool.QueryRow(ctx, query, userID, types, since).Scan(&spent); err != nil {
		return 0, fmt.Errorf("failed to compute spend window: %w", err)
	}
	return spent, nil
}

// CountSince returns how many entries of the given types a user created since
// the cutoff. Used for transaction velocity scoring.
func (r *TransactionRepository) CountSince(ctx context.Context, userID int64, types []string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = $1 AND type = ANY($2) AND created_at >= $3
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, types, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// AvgAmountSince returns the average absolute amount of a user's completed
// entries of the given types since the cutoff. Returns 0 with no history.
func (r *TransactionRepository) AvgAmountSince(ctx context.Context, userID int64, types []string, since time.Time) (int64, error) {
	const query = `
		SELECT COALESCE(AVG(ABS(amount)), 0)::BIGINT
		FROM transactions
		WHERE user_id = $1 AND type = ANY($2) AND status = 'completed' AND created_at >= $3
	`

	var avg int64
	if err := r.pool.QueryRow(ctx, query, userID, types, since).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to compute average amount: %w", err)
	}
	return avg, nil
}

// CommonCountry returns the most frequent country recorded on a user's
// completed payment entries since the cutoff, or "" with no history. Feeds
// the geolocation-inconsistency fraud signal.
func (r *TransactionRepository) CommonCountry(ctx context.Context, userID int64, since time.Time) (string, error) {
	const query = `
		SELECT metadata->>'country'
		FROM transactions
		WHERE user_id = $1
		  AND status = 'completed'
		  AND metadata ? 'country'
		  AND created_at >= $2
		GROUP BY metadata->>'country'
		ORDER BY COUNT(*) DESC
		LIMIT 1
	`

	var country string
	err := r.pool.QueryRow(ctx, query, userID, since).Scan(&country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find common country: %w", err)
	}
	return country, nil
}

// ActiveUsersSince returns the users with any ledger activity after the
// cutoff. Feeds the background reconciliation sweep.
func (r *TransactionRepository) ActiveUsersSince(ctx context.Context, since time.Time) ([]int64, error) {
	const query = `SELECT DISTINCT user_id FROM transactions WHERE created_at >= $1`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active users: %w", err)
	}
	return users, nil
}

// Refund appends a compensating entry for a completed transaction and marks
// the original refunded, without editing the original's amount or hash.
func (r *TransactionRepository) Refund(ctx context.Context, originalID string, meta map[string]string) (*model.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	const fetch = `SELECT ` + txColumns + ` FROM transactions WHERE id = $1 AND status = 'completed' FOR UPDATE`
	original, err := scanTransaction(tx.QueryRow(ctx, fetch, originalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load original transaction: %w", err)
	}

	if meta == nil {
		meta = map[string]string{}
	}
	meta["refunds"] = original.ID

	compensating, err := appendEntry(ctx, tx, original.UserID, model.TxTypeRefund, -original.Amount, model.TxStatusCompleted, nil, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to append refund entry: %w", err)
	}

	const mark = `UPDATE transactions SET status = 'refunded' WHERE id = $1`
	if _, err := tx.Exec(ctx, mark, originalID); err != nil {
		return nil, fmt.Errorf("failed to mark original refunded: %w", err)
	}

	const adjust = `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1 AND (balance + $2) >= 0
	`
	result, err := tx.Exec(ctx, adjust, original.UserID, -original.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust wallet for refund: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrInsufficientBalance
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	return compensating, nil
}
