package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/fraud"
	"coinledger/internal/gateway"
	"coinledger/internal/model"
	"coinledger/internal/notify"
	"coinledger/internal/repository"
)

// Payment orchestration errors.
var (
	ErrFraudBlocked        = errors.New("payment blocked by fraud policy")
	ErrFraudReviewRequired = errors.New("payment requires additional verification")
	ErrRequestInFlight     = errors.New("identical request still in flight")
	ErrStaleCallback       = errors.New("callback for expired or settled intent")
	ErrAmountMismatch      = errors.New("callback amount does not match intent")
)

// paymentWalletStore is the slice of WalletRepository the orchestrator uses.
type paymentWalletStore interface {
	CreditIdempotent(ctx context.Context, userID, amount int64, txType, idemKey string, meta map[string]string) (*model.Wallet, *model.Transaction, error)
	Reserve(ctx context.Context, userID, amount int64, txType string, meta map[string]string) (*model.Wallet, *model.Transaction, error)
	Release(ctx context.Context, userID, amount int64, entryID string) (*model.Wallet, error)
	Settle(ctx context.Context, userID, amount int64, entryID string) (*model.Wallet, error)
}

// intentStore is the slice of PaymentRepository the orchestrator uses.
type intentStore interface {
	Create(ctx context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error)
	GetByProviderRef(ctx context.Context, provider, ref string) (*model.PaymentIntent, error)
	UpdateStatus(ctx context.Context, id, status string) (*model.PaymentIntent, error)
	SetProviderRef(ctx context.Context, id, ref, redirectURL string) error
	ExpirePending(ctx context.Context, now time.Time) ([]*model.PaymentIntent, error)
}

// idempotencyStore deduplicates retried requests and replayed callbacks.
type idempotencyStore interface {
	Claim(ctx context.Context, key string, userID int64, prior any) error
	StoreResult(ctx context.Context, key string, result any) error
	ReleaseKey(ctx context.Context, key string) error
}

// historyReader assembles the fraud history snapshot from the ledger.
type historyReader interface {
	CountSince(ctx context.Context, userID int64, types []string, since time.Time) (int, error)
	AvgAmountSince(ctx context.Context, userID int64, types []string, since time.Time) (int64, error)
	CommonCountry(ctx context.Context, userID int64, since time.Time) (string, error)
}

// limitsChecker validates spend caps and KYC tier.
type limitsChecker interface {
	Validate(ctx context.Context, userID, amount int64) error
}

// riskScorer evaluates a request against a history snapshot.
type riskScorer interface {
	Score(req fraud.Request, hist fraud.History, now time.Time) fraud.Assessment
}

// adapterRegistry selects the gateway adapter for a provider name.
type adapterRegistry interface {
	Get(name string) (gateway.Adapter, error)
}

// PaymentConfig holds orchestration policy.
type PaymentConfig struct {
	IntentTTL      time.Duration
	CoinsPerCent   int64
	VelocityWindow time.Duration
	HistoryWindow  time.Duration
}

// InitiateRequest is an inbound payment or withdrawal request.
type InitiateRequest struct {
	UserID         int64
	Amount         int64 // cents
	Currency       string
	Method         string // provider name
	Description    string
	Country        string
	IdempotencyKey string
	Nonce          string
}

// PaymentService is the provider-agnostic payment state machine. It composes
// the limits policy, the fraud detector, the idempotency guard, and the
// wallet store; it never branches on provider identity.
type PaymentService struct {
	wallets  paymentWalletStore
	intents  intentStore
	idem     idempotencyStore
	history  historyReader
	limits   limitsChecker
	detector riskScorer
	gateways adapterRegistry
	notifier notify.Notifier
	cfg      PaymentConfig
	now      func() time.Time
}

// NewPaymentService creates a new PaymentService. The clock is injectable
// for tests.
func NewPaymentService(
	wallets paymentWalletStore,
	intents intentStore,
	idem idempotencyStore,
	history historyReader,
	limits limitsChecker,
	detector riskScorer,
	gateways adapterRegistry,
	notifier notify.Notifier,
	cfg PaymentConfig,
	now func() time.Time,
) *PaymentService {
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		wallets:  wallets,
		intents:  intents,
		idem:     idem,
		history:  history,
		limits:   limits,
		detector: detector,
		gateways: gateways,
		notifier: notifier,
		cfg:      cfg,
		now:      now,
	}
}

// InitiatePayment starts a coin top-up. Repeating the call with the same
// idempotency key returns the original intent without re-executing side
// effects.
func (s *PaymentService) InitiatePayment(ctx context.Context, req InitiateRequest) (*model.PaymentIntent, error) {
	return s.initiate(ctx, req, model.IntentKindTopup)
}

// InitiateWithdrawal starts a coin withdrawal. The coins move into the
// wallet's locked bucket until the provider confirms the payout.
func (s *PaymentService) InitiateWithdrawal(ctx context.Context, req InitiateRequest) (*model.PaymentIntent, error) {
	return s.initiate(ctx, req, model.IntentKindWithdraw)
}

func (s *PaymentService) initiate(ctx context.Context, req InitiateRequest, kind string) (*model.PaymentIntent, error) {
	adapter, err := s.gateways.Get(req.Method)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = repository.DeriveKey(req.UserID, req.Amount, req.Currency, req.Method, req.Nonce)
	}

	var prior model.PaymentIntent
	switch err := s.idem.Claim(ctx, key, req.UserID, &prior); {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateKey):
		log.Info().Str("key", key).Str("intent_id", prior.ID).Msg("Idempotent replay, returning prior intent")
		return &prior, nil
	case errors.Is(err, repository.ErrResultPending):
		return nil, ErrRequestInFlight
	default:
		return nil, err
	}

	if err := s.limits.Validate(ctx, req.UserID, req.Amount); err != nil {
		s.releaseKey(ctx, key)
		return nil, err
	}

	assessment, err := s.assess(ctx, req)
	if err != nil {
		s.releaseKey(ctx, key)
		return nil, err
	}

	intent := &model.PaymentIntent{
		UserID:          req.UserID,
		Kind:            kind,
		RequestedAmount: req.Amount,
		Currency:        req.Currency,
		Provider:        req.Method,
		Status:          model.IntentStatusCreated,
		RiskScore:       assessment.RiskScore,
		RiskAction:      assessment.Action,
		RiskReasons:     assessment.Reasons,
		ExpiresAt:       s.now().Add(s.cfg.IntentTTL),
	}

	switch assessment.Action {
	case fraud.ActionBlock:
		intent.Status = model.IntentStatusBlocked
		stored, err := s.intents.Create(ctx, intent)
		if err != nil {
			s.releaseKey(ctx, key)
			return nil, err
		}
		if err := s.idem.StoreResult(ctx, key, stored); err != nil {
			return nil, err
		}
		log.Warn().Int64("user_id", req.UserID).Int("risk_score", assessment.RiskScore).
			Strs("reasons", assessment.Reasons).Msg("Payment blocked by fraud policy")
		return stored, ErrFraudBlocked

	case fraud.ActionReview:
		// Settlement is withheld until extra verification clears the
		// intent; no provider call is made yet.
		intent.Status = model.IntentStatusAccepted
		stored, err := s.intents.Create(ctx, intent)
		if err != nil {
			s.releaseKey(ctx, key)
			return nil, err
		}
		if err := s.idem.StoreResult(ctx, key, stored); err != nil {
			return nil, err
		}
		return stored, ErrFraudReviewRequired
	}

	intent.Status = model.IntentStatusAccepted

	var reserveEntry *model.Transaction
	if kind == model.IntentKindWithdraw {
		coins := req.Amount * s.cfg.CoinsPerCent
		_, entry, err := s.wallets.Reserve(ctx, req.UserID, coins, model.TxTypeWithdraw, map[string]string{
			"provider": req.Method,
			"currency": req.Currency,
		})
		if err != nil {
			s.releaseKey(ctx, key)
			return nil, err
		}
		reserveEntry = entry
		intent.ReserveTxID = &entry.ID
	}

	stored, err := s.intents.Create(ctx, intent)
	if err != nil {
		s.rollbackReserve(ctx, req.UserID, req.Amount, reserveEntry)
		s.releaseKey(ctx, key)
		return nil, err
	}

	// The provider call runs with no wallet lock held.
	initiated, err := adapter.Initiate(ctx, stored)
	if err != nil {
		if _, uerr := s.intents.UpdateStatus(ctx, stored.ID, model.IntentStatusFailed); uerr != nil {
			log.Error().Err(uerr).Str("intent_id", stored.ID).Msg("Failed to fail intent after provider error")
		}
		s.rollbackReserve(ctx, req.UserID, req.Amount, reserveEntry)
		s.releaseKey(ctx, key)
		return nil, err
	}

	if err := s.intents.SetProviderRef(ctx, stored.ID, initiated.ProviderRef, initiated.RedirectURL); err != nil {
		return nil, err
	}
	stored, err = s.intents.UpdateStatus(ctx, stored.ID, model.IntentStatusPending)
	if err != nil {
		return nil, err
	}
	stored.ProviderRef = initiated.ProviderRef
	stored.RedirectURL = initiated.RedirectURL

	if err := s.idem.StoreResult(ctx, key, stored); err != nil {
		return nil, err
	}

	log.Info().Str("intent_id", stored.ID).Int64("user_id", req.UserID).
		Str("provider", req.Method).Int64("amount", req.Amount).Str("kind", kind).
		Msg("Payment intent pending at provider")
	return stored, nil
}

// assess builds the history snapshot and scores the request. The snapshot
// may be slightly stale; the wallet mutation stays strongly consistent.
func (s *PaymentService) assess(ctx context.Context, req InitiateRequest) (fraud.Assessment, error) {
	now := s.now()
	payTypes := []string{model.TxTypePurchase, model.TxTypeWithdraw}

	velocity, err := s.history.CountSince(ctx, req.UserID, payTypes, now.Add(-s.cfg.VelocityWindow))
	if err != nil {
		return fraud.Assessment{}, err
	}
	avg, err := s.history.AvgAmountSince(ctx, req.UserID, payTypes, now.Add(-s.cfg.HistoryWindow))
	if err != nil {
		return fraud.Assessment{}, err
	}
	country, err := s.history.CommonCountry(ctx, req.UserID, now.Add(-s.cfg.HistoryWindow))
	if err != nil {
		return fraud.Assessment{}, err
	}

	return s.detector.Score(fraud.Request{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		Description: req.Description,
		Country:     req.Country,
	}, fraud.History{
		VelocityCount: velocity,
		AvgAmount:     avg,
		UsualCountry:  country,
	}, now), nil
}

// HandleProviderCallback verifies a provider webhook and settles the intent.
// The credit is keyed by the provider transaction ID through the idempotency
// guard, so a replayed webhook credits the wallet exactly once and the
// second delivery returns the cached result.
func (s *PaymentService) HandleProviderCallback(ctx context.Context, provider string, payload []byte, header http.Header) (*gateway.VerificationResult, error) {
	adapter, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	result, err := adapter.Verify(ctx, payload, header)
	if err != nil {
		return nil, err
	}

	intent, err := s.intents.GetByProviderRef(ctx, provider, result.OrderRef)
	if err != nil {
		return nil, err
	}

	key := "cb:" + provider + ":" + result.ProviderTxID
	var prior gateway.VerificationResult
	switch err := s.idem.Claim(ctx, key, intent.UserID, &prior); {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateKey):
		log.Info().Str("provider_tx_id", result.ProviderTxID).Msg("Replayed webhook, returning cached result")
		return &prior, nil
	case errors.Is(err, repository.ErrResultPending):
		return nil, ErrRequestInFlight
	default:
		return nil, err
	}

	if intent.Terminal() {
		// A callback after expiry is never silently applied; it is logged
		// for explicit refund reconciliation by an operator.
		s.releaseKey(ctx, key)
		log.Warn().Str("intent_id", intent.ID).Str("status", intent.Status).
			Str("provider_tx_id", result.ProviderTxID).
			Msg("Late provider callback for terminal intent, needs refund reconciliation")
		return nil, fmt.Errorf("%w: intent %s is %s", ErrStaleCallback, intent.ID, intent.Status)
	}

	if !result.IsValid {
		if _, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentStatusFailed); err != nil {
			return nil, err
		}
		if intent.Kind == model.IntentKindWithdraw && intent.ReserveTxID != nil {
			coins := intent.RequestedAmount * s.cfg.CoinsPerCent
			if w, err := s.wallets.Release(ctx, intent.UserID, coins, *intent.ReserveTxID); err != nil {
				return nil, err
			} else {
				s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
			}
		}
		if err := s.idem.StoreResult(ctx, key, result); err != nil {
			return nil, err
		}
		log.Info().Str("intent_id", intent.ID).Str("reason", result.Reason).Msg("Provider reported payment failure")
		return result, nil
	}

	if result.Amount != intent.RequestedAmount {
		s.releaseKey(ctx, key)
		log.Error().Str("intent_id", intent.ID).
			Int64("expected", intent.RequestedAmount).Int64("got", result.Amount).
			Msg("Callback amount mismatch, rejecting")
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, intent.RequestedAmount, result.Amount)
	}

	coins := result.Amount * s.cfg.CoinsPerCent
	meta := map[string]string{
		"provider":       provider,
		"provider_tx_id": result.ProviderTxID,
		"intent_id":      intent.ID,
		"amount_cents":   strconv.FormatInt(result.Amount, 10),
		"currency":       result.Currency,
	}

	if intent.Kind == model.IntentKindWithdraw {
		if intent.ReserveTxID == nil {
			return nil, fmt.Errorf("withdraw intent %s has no reservation", intent.ID)
		}
		w, err := s.wallets.Settle(ctx, intent.UserID, coins, *intent.ReserveTxID)
		if err != nil {
			s.releaseKey(ctx, key)
			return nil, err
		}
		s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
	} else {
		// The ledger entry carries the callback key, so the partial unique
		// index rejects a second credit for the same settlement.
		w, _, err := s.wallets.CreditIdempotent(ctx, intent.UserID, coins, model.TxTypePurchase, key, meta)
		if err != nil {
			s.releaseKey(ctx, key)
			return nil, err
		}
		s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
	}

	if _, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentStatusCompleted); err != nil {
		return nil, err
	}
	if err := s.idem.StoreResult(ctx, key, result); err != nil {
		return nil, err
	}

	log.Info().Str("intent_id", intent.ID).Int64("user_id", intent.UserID).
		Int64("coins", coins).Str("provider_tx_id", result.ProviderTxID).
		Msg("Payment settled")
	return result, nil
}

// ExpirePending fails intents past their expiry window and reverses any
// local reservation they held.
func (s *PaymentService) ExpirePending(ctx context.Context) error {
	expired, err := s.intents.ExpirePending(ctx, s.now())
	if err != nil {
		return err
	}
	for _, intent := range expired {
		log.Info().Str("intent_id", intent.ID).Int64("user_id", intent.UserID).Msg("Payment intent expired")
		if intent.Kind == model.IntentKindWithdraw && intent.ReserveTxID != nil {
			coins := intent.RequestedAmount * s.cfg.CoinsPerCent
			w, err := s.wallets.Release(ctx, intent.UserID, coins, *intent.ReserveTxID)
			if err != nil {
				log.Error().Err(err).Str("intent_id", intent.ID).Msg("Failed to release expired reservation")
				continue
			}
			s.notifier.NotifyBalance(w.UserID, w.Balance, w.Locked)
		}
	}
	return nil
}

// rollbackReserve reverses a withdrawal reservation after a failed initiate.
func (s *PaymentService) rollbackReserve(ctx context.Context, userID, amountCents int64, entry *model.Transaction) {
	if entry == nil {
		return
	}
	coins := amountCents * s.cfg.CoinsPerCent
	if _, err := s.wallets.Release(ctx, userID, coins, entry.ID); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Str("entry_id", entry.ID).
			Msg("Failed to release reservation after provider error")
	}
}

func (s *PaymentService) releaseKey(ctx context.Context, key string) {
	if err := s.idem.ReleaseKey(ctx, key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to release idempotency key")
	}
}
