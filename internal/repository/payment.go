package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinledger/internal/model"
)

// Payment repository errors.
var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrIntentTerminal = errors.New("payment intent already in terminal state")
)

const intentColumns = "id, user_id, kind, requested_amount, currency, provider, provider_ref, status, risk_score, risk_action, risk_reasons, redirect_url, reserve_tx_id, created_at, expires_at"

// PaymentRepository handles payment intent persistence.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository instance.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var p model.PaymentIntent
	err := row.Scan(
		&p.ID, &p.UserID, &p.Kind, &p.RequestedAmount, &p.Currency, &p.Provider,
		&p.ProviderRef, &p.Status, &p.RiskScore, &p.RiskAction, &p.RiskReasons,
		&p.RedirectURL, &p.ReserveTxID, &p.CreatedAt, &p.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create persists a new payment intent.
func (r *PaymentRepository) Create(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	now := time.Now().UTC()
	intent.ID = newEntryID(now)
	intent.CreatedAt = now

	const insert = `
		INSERT INTO payment_intents (id, user_id, kind, requested_amount, currency, provider, provider_ref, status, risk_score, risk_action, risk_reasons, redirect_url, reserve_tx_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + intentColumns

	p, err := scanIntent(r.pool.QueryRow(ctx, insert,
		intent.ID, intent.UserID, intent.Kind, intent.RequestedAmount, intent.Currency,
		intent.Provider, intent.ProviderRef, intent.Status, intent.RiskScore,
		intent.RiskAction, intent.RiskReasons, intent.RedirectURL, intent.ReserveTxID,
		intent.CreatedAt, intent.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return p, nil
}

// GetByID retrieves a payment intent.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*model.PaymentIntent, error) {
	const query = `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`

	p, err := scanIntent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return p, nil
}

// GetByProviderRef retrieves a payment intent by its provider reference.
func (r *PaymentRepository) GetByProviderRef(ctx context.Context, provider, ref string) (*model.PaymentIntent, error) {
	const query = `SELECT ` + intentColumns + ` FROM payment_intents WHERE provider = $1 AND provider_ref = $2`

	p, err := scanIntent(r.pool.QueryRow(ctx, query, provider, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to get payment intent by ref: %w", err)
	}
	return p, nil
}

// UpdateStatus transitions an intent to a new status. Terminal intents are
// never transitioned again; a late update returns ErrIntentTerminal.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id, status string) (*model.PaymentIntent, error) {
	const update = `
		UPDATE payment_intents
		SET status = $2
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'refunded', 'blocked')
		RETURNING ` + intentColumns

	p, err := scanIntent(r.pool.QueryRow(ctx, update, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrIntentTerminal
		}
		return nil, fmt.Errorf("failed to update intent status: %w", err)
	}
	return p, nil
}

// SetProviderRef stores the provider's reference and redirect URL after a
// successful initiate call.
func (r *PaymentRepository) SetProviderRef(ctx context.Context, id, ref, redirectURL string) error {
	const update = `UPDATE payment_intents SET provider_ref = $2, redirect_url = $3 WHERE id = $1`

	result, err := r.pool.Exec(ctx, update, id, ref, redirectURL)
	if err != nil {
		return fmt.Errorf("failed to set provider ref: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// ExpirePending transitions all pending intents past their expiry to failed
// and returns them so the caller can release any local reservations.
func (r *PaymentRepository) ExpirePending(ctx context.Context, now time.Time) ([]*model.PaymentIntent, error) {
	const update = `
		UPDATE payment_intents
		SET status = 'failed'
		WHERE status IN ('accepted', 'pending') AND expires_at < $1
		RETURNING ` + intentColumns

	rows, err := r.pool.Query(ctx, update, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire intents: %w", err)
	}
	defer rows.Close()

	var expired []*model.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired intent: %w", err)
		}
		expired = append(expired, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired intents: %w", err)
	}
	return expired, nil
}

// DeleteArchived removes terminal intents past the retention window. Bounds
// table growth; the ledger keeps the durable record.
func (r *PaymentRepository) DeleteArchived(ctx context.Context, olderThan time.Time) (int64, error) {
	const del = `
		DELETE FROM payment_intents
		WHERE status IN ('completed', 'failed', 'refunded', 'blocked') AND created_at < $1
	`

	result, err := r.pool.Exec(ctx, del, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived intents: %w", err)
	}
	return result.RowsAffected(), nil
}
