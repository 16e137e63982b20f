// Package ops is the processor's operational HTTP surface: health,
// Prometheus metrics and queue depth stats. The user-facing enqueue API
// lives in the dashboard, not here.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the slice of the data layer the ops surface reads.
type Store interface {
	Ping(ctx context.Context) error
	JobStatusCounts(ctx context.Context) (map[string]int64, error)
}

// Cache is the slice of the cache layer the ops surface reads.
type Cache interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the ops router.
func NewRouter(s Store, c Cache) http.Handler {
	r := chi.NewRouter()

	r.Use(logger)
	r.Use(recovery)

	r.Get("/healthz", healthHandler(s, c))
	r.Get("/stats", statsHandler(s))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// healthHandler checks database and cache connectivity.
func healthHandler(s Store, c Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		status := http.StatusOK
		if checks["database"] != "ok" || checks["cache"] != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"status":   statusWord(status),
			"services": checks,
		})
	}
}

// statsHandler reports queue depth by job status.
func statsHandler(s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.JobStatusCounts(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "stats unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": counts})
	}
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
