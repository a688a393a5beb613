package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinledger/internal/fraud"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/service"
)

// PaymentHandler serves payment initiation and provider callbacks.
type PaymentHandler struct {
	payments *service.PaymentService
	intents  *repository.PaymentRepository
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(payments *service.PaymentService, intents *repository.PaymentRepository) *PaymentHandler {
	return &PaymentHandler{payments: payments, intents: intents}
}

type initiateRequest struct {
	UserID      int64  `json:"user_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Description string `json:"description"`
	Country     string `json:"country"`
	Nonce       string `json:"nonce"`
}

// initiateStatus maps an intent's outcome to its response code. A replayed
// request returns the stored intent with no error, so the code is derived
// from the intent state rather than the error: retries of a blocked or
// review-held request observe the same outcome as the original call.
func initiateStatus(intent *model.PaymentIntent) int {
	switch {
	case intent.Status == model.IntentStatusBlocked:
		return http.StatusForbidden
	case intent.Status == model.IntentStatusAccepted && intent.RiskAction == fraud.ActionReview:
		return http.StatusAccepted
	default:
		return http.StatusCreated
	}
}

func (h *PaymentHandler) initiate(w http.ResponseWriter, r *http.Request, start func(*http.Request, service.InitiateRequest) (*model.PaymentIntent, error)) {
	var req initiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive"})
		return
	}

	intent, err := start(r, service.InitiateRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.Method,
		Description:    req.Description,
		Country:        req.Country,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Nonce:          req.Nonce,
	})
	if err != nil {
		// Blocked and review outcomes still carry the intent so the client
		// can show its state; other errors carry no body beyond the message.
		if errors.Is(err, service.ErrFraudBlocked) || errors.Is(err, service.ErrFraudReviewRequired) {
			respondJSON(w, initiateStatus(intent), intent)
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, initiateStatus(intent), intent)
}

// Initiate handles POST /payments. The optional Idempotency-Key header makes
// retries safe; without it a key is derived from the request fields.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, func(r *http.Request, req service.InitiateRequest) (*model.PaymentIntent, error) {
		return h.payments.InitiatePayment(r.Context(), req)
	})
}

// Withdraw handles POST /withdrawals.
func (h *PaymentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, func(r *http.Request, req service.InitiateRequest) (*model.PaymentIntent, error) {
		return h.payments.InitiateWithdrawal(r.Context(), req)
	})
}

// GetIntent handles GET /payments/{intentID}.
func (h *PaymentHandler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.intents.GetByID(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, intent)
}

// Callback handles POST /payments/callback/{provider}. Providers retry
// webhooks aggressively; replays return the cached verification result and
// never credit twice.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read callback body"})
		return
	}

	result, err := h.payments.HandleProviderCallback(r.Context(), provider, payload, r.Header)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
