// Package middleware provides HTTP middleware for request ID, structured
// logging, panic recovery, and Prometheus metrics.
package middleware

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/logger"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

const ResponseRequestIDHeader = "X-Request-ID"

var requestLogOut = os.Stderr

// RequestID adds a unique request ID to the context and response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(ResponseRequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, reqID)
		w.Header().Set(ResponseRequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestMeta carries per-request annotations from the interception handler
// back up to the logging middleware. StructuredLog seeds a pointer into the
// context; the handler fills it in while serving.
type RequestMeta struct {
	Class  string
	Source string
}

type metaKeyType struct{}

var metaKey metaKeyType

// MetaFromContext returns the annotation holder seeded by StructuredLog, or
// nil outside the middleware chain.
func MetaFromContext(ctx context.Context) *RequestMeta {
	meta, _ := ctx.Value(metaKey).(*RequestMeta)
	return meta
}

// responseWriter captures status code for logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards streaming writes so the pass-through proxy can emit origin
// bytes as they arrive.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection over for protocol upgrades. Both the
// coordinator endpoint and upgrade pass-throughs need it; a hijacked
// exchange logs as 101 because its headers never go through WriteHeader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// StructuredLog logs each request as a single JSON line (request_id, method,
// path, class, source, status, duration) and feeds the duration histogram.
func StructuredLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := logger.FromContext(r.Context())
		meta := new(RequestMeta)
		ctx := context.WithValue(r.Context(), metaKey, meta)
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start)
		errMsg := ""
		if rw.status >= 400 {
			errMsg = http.StatusText(rw.status)
		}
		logger.RequestLog(requestLogOut, reqID, r.Method, r.URL.Path, meta.Class, meta.Source, rw.status, duration, errMsg)

		// Prometheus: class keeps the label space small; raw paths on the
		// interception route would explode cardinality.
		classLabel := meta.Class
		if classLabel == "" {
			classLabel = "control"
		}
		metrics.RequestDurationSeconds.WithLabelValues(classLabel).Observe(duration.Seconds())
	})
}

// Recovery turns handler panics into 500 responses instead of dropped
// connections.
func Recovery(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic while handling request",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
