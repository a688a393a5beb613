package handler

import (
	"net/http"

	"coinledger/internal/gift"
	"coinledger/internal/service"
)

// GiftHandler serves the gift catalog and gift transfers.
type GiftHandler struct {
	transfers *service.TransferService
	catalog   gift.Catalog
}

// NewGiftHandler creates a new GiftHandler.
func NewGiftHandler(transfers *service.TransferService, catalog gift.Catalog) *GiftHandler {
	return &GiftHandler{transfers: transfers, catalog: catalog}
}

type sendGiftRequest struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	GiftCode   string `json:"gift_code"`
	Multiplier int64  `json:"multiplier"`
}

// Send handles POST /gifts/send.
func (h *GiftHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendGiftRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Multiplier == 0 {
		req.Multiplier = 1
	}

	result, err := h.transfers.Transfer(r.Context(), req.SenderID, req.ReceiverID, req.GiftCode, req.Multiplier)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Catalog handles GET /gifts.
func (h *GiftHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.catalog.All())
}
