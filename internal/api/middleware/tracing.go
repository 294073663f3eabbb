// Package middleware provides HTTP middleware for distributed tracing.
package middleware

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/tracing"
)

const TraceIDHeader = "X-Trace-ID"

// Tracing wraps handlers with OpenTelemetry instrumentation and adds an
// X-Trace-ID response header. Trace context propagates in through the
// traceparent header and out through the origin fetcher's transport, so one
// trace covers interception, strategy, and origin round trip.
func Tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
				w.Header().Set(TraceIDHeader, traceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		}),
		"http.request",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}
