package handler

import (
	"net/http"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/service"
)

// WalletHandler serves wallet reads and direct credit/debit operations.
// Direct mutations are for platform-internal flows (rewards, moderation);
// purchases go through the payment endpoints.
type WalletHandler struct {
	wallets *service.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(wallets *service.WalletService) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

type mutateRequest struct {
	Amount int64             `json:"amount"`
	Type   string            `json:"type"`
	Meta   map[string]string `json:"meta"`
}

// Credit handles POST /wallets/{userID}/credit.
func (h *WalletHandler) Credit(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}

	var req mutateRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive"})
		return
	}
	if req.Type == "" {
		req.Type = model.TxTypeReward
	}

	wallet, err := h.wallets.Credit(r.Context(), userID, req.Amount, req.Type, req.Meta)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wallet)
}

// Debit handles POST /wallets/{userID}/debit.
func (h *WalletHandler) Debit(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}

	var req mutateRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive"})
		return
	}
	if req.Type == "" {
		req.Type = model.TxTypePurchase
	}

	wallet, err := h.wallets.Debit(r.Context(), userID, req.Amount, req.Type, req.Meta)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wallet)
}

// Balance handles GET /wallets/{userID}/balance.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}

	balance, err := h.wallets.GetBalance(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// History handles GET /wallets/{userID}/transactions?from=&to=&limit=.
// Bounds are RFC 3339 timestamps; a missing from means the epoch and a
// missing to means now.
func (h *WalletHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}

	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from timestamp"})
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to timestamp"})
			return
		}
	}
	limit := queryInt(r, "limit")

	entries, err := h.wallets.GetHistory(r.Context(), userID, from, to, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []*model.Transaction{}
	}
	respondJSON(w, http.StatusOK, entries)
}
