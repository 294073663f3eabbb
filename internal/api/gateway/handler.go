// Package gateway is the engine's HTTP surface: the interception route that
// fronts the origin plus the control endpoints pages and operators use.
//
// Interception only ever answers GET traffic through the cache strategies.
// Everything the classifier excludes, and every request that arrives before
// a version has activated its partitions, goes to the origin or fails in a
// way pages can distinguish from origin errors.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/api/middleware"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/classify"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/fetch"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/lifecycle"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/logger"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// proxySource labels pass-through traffic in the request counter.
const proxySource = "PROXY"

// Handler serves intercepted traffic and the engine control endpoints.
type Handler struct {
	runtime *lifecycle.Runtime
	store   *partition.Store
	proxy   *httputil.ReverseProxy
	log     *slog.Logger
}

// NewHandler creates the gateway over the given runtime and origin.
func NewHandler(rt *lifecycle.Runtime, store *partition.Store, originURL string, log *slog.Logger) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	origin, err := url.Parse(originURL)
	if err != nil || !origin.IsAbs() {
		return nil, fmt.Errorf("gateway: origin url %q is not absolute", originURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.Transport = fetch.Transport()
	// Excluded traffic includes long-lived payment and admin flows; flush
	// as bytes arrive instead of buffering.
	proxy.FlushInterval = -1
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("gateway: pass-through failed", "path", r.URL.Path, "error", err)
		respondErrorWithCode(w, http.StatusBadGateway,
			models.ErrCodeOriginUnreachable, "origin did not answer",
			logger.FromContext(r.Context()))
	}

	return &Handler{
		runtime: rt,
		store:   store,
		proxy:   proxy,
		log:     log,
	}, nil
}

// SetupRoutes mounts the control endpoints and the interception catch-all.
// The engine subrouter must be registered before the catch-all so control
// paths never reach the origin.
func SetupRoutes(router *mux.Router, h *Handler, ws http.HandlerFunc, metricsToken string) {
	engine := router.PathPrefix("/engine").Subrouter()
	engine.Use(middleware.SecureHeaders)
	engine.HandleFunc("/healthz/live", h.Liveness).Methods("GET")
	engine.HandleFunc("/healthz/ready", h.Readiness).Methods("GET")
	engine.HandleFunc("/version", h.Version).Methods("GET")
	engine.Handle("/metrics", middleware.MetricsToken(metricsToken)(promhttp.Handler())).Methods("GET")
	engine.HandleFunc("/ws", ws).Methods("GET")

	// Everything else is origin traffic.
	router.PathPrefix("/").HandlerFunc(h.Intercept)
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether the engine can answer intercepted traffic: the
// partition store responds and some version has activated.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	if err := h.store.Ping(r.Context()); err != nil {
		respondErrorWithCode(w, http.StatusServiceUnavailable,
			models.ErrCodeInternalError, "partition store unavailable", reqID)
		return
	}
	ctrl := h.runtime.Active()
	if ctrl == nil {
		respondErrorWithCode(w, http.StatusServiceUnavailable,
			models.ErrCodeInternalError, "no active engine version", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"version": ctrl.Version(),
	})
}

type versionInfo struct {
	Active  string `json:"active"`
	State   string `json:"state,omitempty"`
	Waiting string `json:"waiting,omitempty"`
}

// Version reports the active and waiting engine versions.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	info := versionInfo{Waiting: h.runtime.WaitingVersion()}
	if ctrl := h.runtime.Active(); ctrl != nil {
		info.Active = ctrl.Version()
		info.State = string(ctrl.State())
	}
	respondJSON(w, http.StatusOK, info)
}

// Intercept is the catch-all route: classify, dispatch to the active
// version's strategies, or pass excluded traffic through untouched.
func (h *Handler) Intercept(w http.ResponseWriter, r *http.Request) {
	ctrl := h.runtime.Active()
	if ctrl == nil {
		respondErrorWithCode(w, http.StatusServiceUnavailable,
			models.ErrCodeInternalError, "engine has no active version yet",
			logger.FromContext(r.Context()))
		return
	}

	class := ctrl.Classify(r)
	meta := middleware.MetaFromContext(r.Context())
	if meta != nil {
		meta.Class = string(class)
	}

	if class == classify.Excluded {
		metrics.RequestsTotal.WithLabelValues(string(class), proxySource).Inc()
		h.proxy.ServeHTTP(w, r)
		return
	}

	res := ctrl.Serve(r.Context(), class, r)
	if meta != nil {
		meta.Source = string(res.Source)
	}
	metrics.RequestsTotal.WithLabelValues(string(class), string(res.Source)).Inc()
	writeCached(w, res.Response)
}

func writeCached(w http.ResponseWriter, resp *models.CachedResponse) {
	header := w.Header()
	for k, vals := range resp.Header {
		header.Del(k)
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
