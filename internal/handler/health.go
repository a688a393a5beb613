package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the health probe dependency, satisfied by the database pool.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Health handles GET /healthz.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
