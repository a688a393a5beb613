// Package router wires the HTTP routes.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"coinledger/internal/handler"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Wallet  *handler.WalletHandler
	Gift    *handler.GiftHandler
	Payment *handler.PaymentHandler
	WS      *handler.WSHandler
	DB      handler.Pinger
}

// New builds the chi router with the API routes and standard middleware.
func New(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handler.Health(h.DB))
	r.Get("/ws", h.WS.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/wallets/{userID}", func(r chi.Router) {
			r.Get("/balance", h.Wallet.Balance)
			r.Get("/transactions", h.Wallet.History)
			r.Post("/credit", h.Wallet.Credit)
			r.Post("/debit", h.Wallet.Debit)
		})

		r.Get("/gifts", h.Gift.Catalog)
		r.Post("/gifts/send", h.Gift.Send)

		r.Post("/payments", h.Payment.Initiate)
		r.Get("/payments/{intentID}", h.Payment.GetIntent)
		r.Post("/payments/callback/{provider}", h.Payment.Callback)
		r.Post("/withdrawals", h.Payment.Withdraw)
	})

	return r
}

// requestLogger logs each request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}
