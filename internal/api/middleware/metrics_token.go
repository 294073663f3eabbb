package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// MetricsToken guards the metrics endpoint with an optional bearer token.
// An empty configured token leaves metrics open, the default for Prometheus
// scraping inside a trusted network.
func MetricsToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := extractBearer(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required for metrics endpoint"}`))
		})
	}
}

func extractBearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
