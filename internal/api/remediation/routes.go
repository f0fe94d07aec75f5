package remediation

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// RegisterRoutes registers all remediation API routes
func RegisterRoutes(router *mux.Router, handler *Handler, gatherer prometheus.Gatherer) {
	router.HandleFunc("/healthz", handler.Health).Methods("GET")
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/api/v1/tenants/{tenant}/remediations").Subrouter()

	api.HandleFunc("", handler.Apply).Methods("POST")
	api.HandleFunc("", handler.ListJobs).Methods("GET")
	api.HandleFunc("/approval-requests", handler.RequestApproval).Methods("POST")
	api.HandleFunc("/{id}", handler.GetJob).Methods("GET")
	api.HandleFunc("/{id}/approve", handler.Approve).Methods("POST")
	api.HandleFunc("/{id}/rollback", handler.Rollback).Methods("POST")

	api.Use(TracingMiddleware())
	api.Use(LoggingMiddleware(handler.logger))
	api.Use(RecoveryMiddleware(handler.logger))
}

// NewRouter builds a router with every route registered.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	RegisterRoutes(router, handler, gatherer)
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(l zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("tenant_id", mux.Vars(r)["tenant"]).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// RecoveryMiddleware recovers from panics
func RecoveryMiddleware(l zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					l.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("handler panicked")
					WriteErrorResponse(w, http.StatusInternalServerError, "Internal server error", "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// TracingMiddleware continues the caller's W3C trace context and records a
// server span per request, named after the matched route template.
func TracingMiddleware() mux.MiddlewareFunc {
	tracer := otel.Tracer("github.com/catherinevee/remediator/api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			name := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					name = tpl
				}
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("tenant.id", mux.Vars(r)["tenant"]),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}
