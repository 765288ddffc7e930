package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func Router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	max := mustIntEnv("VALUATIOND_HTTP_MAX_INFLIGHT", 64)
	r.Use(withConcurrencyLimit(max))

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/marketdata/snapshots", h.PutMarketSnapshot)
		r.Get("/marketdata/snapshots/{snapshot_id}", h.GetMarketSnapshot)

		r.Post("/position-snapshots", h.PutPositionSnapshot)
		r.Get("/position-snapshots/{position_snapshot_id}", h.GetPositionSnapshot)

		r.Post("/runs", h.SubmitRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{run_id}", h.GetRun)
		r.Post("/runs/{run_id}:cancel", h.CancelRun)
		r.Get("/runs/{run_id}/tasks", h.ListTasks)
	})

	return r
}

func mustIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// withConcurrencyLimit bounds in-flight requests with a semaphore,
// failing fast instead of queueing unboundedly when the pool is saturated.
func withConcurrencyLimit(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"server busy"}`))
			}
		})
	}
}
