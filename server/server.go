// Package server exposes the HTTP operational surface: health, status, and
// Prometheus metrics. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mammothb/q-bot/store"
	"github.com/mammothb/q-bot/telemetry"
	"github.com/mammothb/q-bot/watch"
)

type Handlers struct {
	db    *sql.DB
	store *store.Store
}

// NewMux returns the HTTP handler with all routes.
func NewMux(db *sql.DB, st *store.Store) http.Handler {
	h := &Handlers{db: db, store: st}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/status", h.HandleStatus)
	return withCorrelation(mux)
}

// withCorrelation tags every request context with a correlation id.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Guilds     int                  `json:"guilds"`
	Watches    map[string]int       `json:"watches"`
	LastCycles map[string]time.Time `json:"last_cycles"`
}

// HandleStatus reports guild/watch counts and the completion time of each
// provider's last check cycle.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := statusResponse{
		Watches:    make(map[string]int),
		LastCycles: make(map[string]time.Time),
	}
	var err error
	if res.Guilds, err = h.store.CountGuilds(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	for _, p := range []string{watch.ProviderTwitch, watch.ProviderYouTube} {
		n, err := h.store.CountWatches(ctx, p)
		if err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		res.Watches[p] = n
		if t, err := h.store.LastCycle(ctx, p); err == nil && !t.IsZero() {
			res.LastCycles[p] = t
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Warn("failed to encode status", slog.Any("err", err))
	}
}

// Start runs the HTTP server until ctx is cancelled.
func Start(ctx context.Context, db *sql.DB, st *store.Store, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(db, st),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
