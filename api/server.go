/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed as X-Request-ID
  2. Recoverer:  Panic recovery (JSON 500 instead of crash)
  3. Logger:     One zap line per request; request logger put in context
  4. Metrics:    Duration and count by route pattern (when enabled)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/v1/envelopes/*     Envelopes, read views, reserve, usage
  /api/v1/reservations/*  Confirm, release
  /api/v1/references/*    Bulk release
  /api/v1/programs/*      Program rollups
  /api/v1/maintenance/*   Manual sweep
  /healthz                Store reachability
  /metrics                Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/budget-ledger/internal/logger"
	"github.com/warp/budget-ledger/internal/metrics"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics, when set, instruments requests and serves /metrics.
	Metrics *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(jsonRecoverer(h.logger))
	r.Use(requestLogger(h.logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware())
	}
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Envelope routes
		r.Route("/envelopes", func(r chi.Router) {
			r.Get("/", h.ListEnvelopes)
			r.Post("/", h.CreateEnvelope)
			r.Get("/{id}", h.GetEnvelope)
			r.Patch("/{id}", h.UpdateEnvelope)
			r.Post("/{id}/close", h.CloseEnvelope)

			r.Get("/{id}/availability", h.CheckAvailability)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/usage-summary", h.GetUsageSummary)
			r.Get("/{id}/status", h.GetStatus)

			r.Get("/{id}/reservations", h.ListActiveReservations)
			r.Post("/{id}/reservations", h.Reserve)
			r.Get("/{id}/usage", h.ListUsage)
			r.Post("/{id}/usage", h.ApplyUsage)
		})

		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/confirm", h.ConfirmReservation)
			r.Post("/{id}/release", h.ReleaseReservation)
		})

		r.Post("/references/{ref}/release", h.ReleaseByReference)
		r.Get("/programs/{ref}/usage-summary", h.GetProgramSummary)
		r.Post("/maintenance/sweep", h.Sweep)
	})

	return r
}

// jsonRecoverer returns a JSON 500 instead of chi's plain text stacktrace.
func jsonRecoverer(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					log.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Stack("stacktrace"),
					)
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{
						Code:    "internal_error",
						Message: "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger emits one log line per request and propagates X-Request-ID.
func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := middleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := log.With(zap.String("request_id", requestID))
			ctx := logger.ContextWithLogger(r.Context(), reqLogger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
