// Package router assembles the chi router: the client-facing proxy surface
// at /v1, the JWT-protected admin/usage surface, and the unauthenticated
// health/metrics endpoints.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/metergate/gateway/adminapi"
	"github.com/metergate/gateway/config"
	gwmw "github.com/metergate/gateway/middleware"
	"github.com/metergate/gateway/observability"
	"github.com/metergate/gateway/proxy"
	"github.com/metergate/gateway/store"
)

// New returns a configured chi Router with the full middleware chain and
// every route mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, db *store.DB, pipeline *proxy.Pipeline, admin *adminapi.API, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORS([]string{"*"}))
	r.Use(gwmw.SecurityHeaders)
	r.Use(gwmw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if metrics != nil {
		r.Handle("/metrics", observability.Handler())
	}

	// Client-facing proxy surface: every Anthropic Messages API path.
	r.Handle("/v1/*", http.HandlerFunc(pipeline.ServeHTTP))

	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", admin.Login)

		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAuth)

			r.Post("/api-keys", admin.CreateAPIKey)
			r.Get("/api-keys", admin.ListAPIKeys)
			r.Put("/api-keys/{id}", admin.UpdateAPIKey)
			r.Delete("/api-keys/{id}", admin.DeactivateAPIKey)
			r.Delete("/api-keys/{id}/hard", admin.HardDeleteAPIKey)
			r.Post("/api-keys/{id}/regenerate", admin.RegenerateAPIKey)
			r.Get("/api-keys/{id}/rate-limit-status", admin.RateLimitStatus)
			r.Get("/api-keys/{id}/cost-limit-status", admin.CostLimitStatus)
			r.Get("/api-keys/{id}/daily-quota-status", admin.DailyQuotaStatus)

			r.Get("/model-swap-config", admin.GetModelSwapConfig)
			r.Put("/model-swap-config", admin.PutModelSwapConfig)

			r.Post("/backends", admin.CreateBackend)
			r.Get("/backends", admin.ListBackends)
			r.Put("/backends/{id}", admin.UpdateBackend)
			r.Delete("/backends/{id}", admin.DeleteBackend)
			r.Post("/backends/{id}/activate", admin.ActivateBackend)
		})
	})

	r.Route("/usage", func(r chi.Router) {
		r.Use(admin.RequireAuth)

		r.Get("/summary", admin.UsageSummary)
		r.Get("/chart", admin.UsageChart)
		r.Get("/records/{key_id}", admin.UsageRecords)
		r.Get("/chart/{key_id}", admin.UsageChartForKey)
		r.Post("/aggregate", admin.AggregateUsage)
	})

	return r
}

// mwMaxBodySize limits the request body size, matching C11's MaxBodyBytes.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":{"type":"invalid_request","message":"request body too large"}}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", r.Header.Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
