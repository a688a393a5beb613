// Package model defines the data models for the coin ledger service.
package model

import "time"

// Wallet represents a user's coin balance.
// Balance is the spendable amount; Locked holds coins reserved by pending
// withdrawals. A frozen wallet rejects all debits until an operator clears it.
type Wallet struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	Locked    int64     `db:"locked" json:"locked"`
	Frozen    bool      `db:"frozen" json:"frozen"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the spendable balance.
func (w *Wallet) Available() int64 {
	return w.Balance
}

// Total returns spendable plus locked coins.
func (w *Wallet) Total() int64 {
	return w.Balance + w.Locked
}

// Transaction is one append-only ledger entry. Amount is signed: credits are
// positive, debits negative. Completed rows are immutable; a refund creates a
// compensating row rather than editing history.
type Transaction struct {
	ID             string            `db:"id" json:"id"`
	UserID         int64             `db:"user_id" json:"user_id"`
	Type           string            `db:"type" json:"type"`
	Amount         int64             `db:"amount" json:"amount"`
	Status         string            `db:"status" json:"status"`
	IdempotencyKey *string           `db:"idempotency_key" json:"idempotency_key,omitempty"`
	TxHash         string            `db:"tx_hash" json:"tx_hash"`
	Metadata       map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}

// Transaction types for categorizing balance changes.
const (
	TxTypePurchase    = "purchase"     // Coins bought through a payment provider
	TxTypeGiftSend    = "gift_send"    // Gift sender debit
	TxTypeGiftReceive = "gift_receive" // Gift receiver credit
	TxTypeReward      = "reward"       // Platform reward credit
	TxTypeWithdraw    = "withdraw"     // Coins withdrawn out of the platform
	TxTypeFee         = "fee"          // Platform fee share
	TxTypeRefund      = "refund"       // Compensating entry for a refund
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusRefunded  = "refunded"
)

// SpendTypes returns the transaction types that count towards spend limits.
func SpendTypes() []string {
	return []string{TxTypePurchase, TxTypeGiftSend, TxTypeWithdraw}
}

// PaymentIntent tracks one external payment through its lifecycle.
// Kind distinguishes coin top-ups from withdrawals; ReserveTxID links a
// withdrawal to the pending ledger entry holding its reserved coins.
type PaymentIntent struct {
	ID              string    `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	Kind            string    `db:"kind" json:"kind"`
	RequestedAmount int64     `db:"requested_amount" json:"requested_amount"`
	Currency        string    `db:"currency" json:"currency"`
	Provider        string    `db:"provider" json:"provider"`
	ProviderRef     string    `db:"provider_ref" json:"provider_ref,omitempty"`
	Status          string    `db:"status" json:"status"`
	RiskScore       int       `db:"risk_score" json:"risk_score"`
	RiskAction      string    `db:"risk_action" json:"risk_action"`
	RiskReasons     []string  `db:"risk_reasons" json:"risk_reasons,omitempty"`
	RedirectURL     string    `db:"redirect_url" json:"redirect_url,omitempty"`
	ReserveTxID     *string   `db:"reserve_tx_id" json:"reserve_tx_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
}

// PaymentIntent kinds.
const (
	IntentKindTopup    = "topup"
	IntentKindWithdraw = "withdraw"
)

// PaymentIntent statuses.
const (
	IntentStatusCreated   = "created"
	IntentStatusAccepted  = "accepted"
	IntentStatusBlocked   = "blocked"
	IntentStatusPending   = "pending"
	IntentStatusCompleted = "completed"
	IntentStatusFailed    = "failed"
	IntentStatusRefunded  = "refunded"
)

// Terminal reports whether the intent can no longer change state.
func (p *PaymentIntent) Terminal() bool {
	switch p.Status {
	case IntentStatusCompleted, IntentStatusFailed, IntentStatusRefunded, IntentStatusBlocked:
		return true
	}
	return false
}

// TransferResult describes a completed gift transfer, including how the total
// cost was split between the receiver and the platform.
type TransferResult struct {
	SenderID      int64  `json:"sender_id"`
	ReceiverID    int64  `json:"receiver_id"`
	GiftCode      string `json:"gift_code"`
	UnitCost      int64  `json:"unit_cost"`
	Multiplier    int64  `json:"multiplier"`
	TotalCost     int64  `json:"total_cost"`
	ReceiverShare int64  `json:"receiver_share"`
	PlatformShare int64  `json:"platform_share"`
	SenderBalance int64  `json:"sender_balance"`
	SenderTxID    string `json:"sender_tx_id"`
	ReceiverTxID  string `json:"receiver_tx_id"`
}
