// Package handler exposes the HTTP API. Handlers decode requests, call the
// services, and map domain errors onto HTTP status codes; no business logic
// lives here.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"coinledger/internal/gateway"
	"coinledger/internal/gift"
	"coinledger/internal/limits"
	"coinledger/internal/repository"
	"coinledger/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondError maps domain errors to HTTP status codes. Unknown errors are
// logged with detail and surfaced as opaque 500s.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrInsufficientLocked):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrWalletFrozen):
		status = http.StatusLocked
	case errors.Is(err, limits.ErrLimitExceeded),
		errors.Is(err, service.ErrFraudBlocked):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrFraudReviewRequired):
		status = http.StatusAccepted
	case errors.Is(err, service.ErrRequestInFlight):
		status = http.StatusConflict
	case errors.Is(err, service.ErrSelfGift),
		errors.Is(err, service.ErrInvalidMultiplier),
		errors.Is(err, gift.ErrUnknownGift),
		errors.Is(err, gateway.ErrUnknownProvider):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownUser),
		errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrIntentNotFound),
		errors.Is(err, repository.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrStaleCallback),
		errors.Is(err, service.ErrAmountMismatch),
		errors.Is(err, gateway.ErrProviderRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrProviderError):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Unhandled request error")
		respondJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// userIDParam parses the userID path parameter.
func userIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
}

// queryInt parses an optional integer query parameter, returning 0 when
// absent or malformed.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
