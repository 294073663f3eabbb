package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/config"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/lifecycle"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
)

var gatewayPages = map[string]string{
	"/":                    "<html>home</html>",
	"/offline/":            "<html>offline</html>",
	"/static/css/base.css": "body{margin:0}",
	"/static/js/extra.js":  "console.log('pos')",
	"/api/products/":       `{"products":[]}`,
}

func gatewayOrigin(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		if r.Method == http.MethodPost && r.URL.Path == "/cart/add" {
			body, _ := io.ReadAll(r.Body)
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "s3cr3t"})
			w.WriteHeader(http.StatusCreated)
			w.Write(body)
			return
		}
		body, ok := gatewayPages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gatewayConfig(version, originURL string) *config.Config {
	return &config.Config{
		Version:          version,
		OriginURL:        originURL,
		PrecacheManifest: []string{"/", "/offline/", "/static/css/base.css"},
		OfflinePath:      "/offline/",
		StaticPrefixes:   []string{"/static/"},
		StaticPaths:      []string{"/offline/"},
		StaticExtensions: []string{"css", "js"},
		APIPrefixes:      []string{"/api/"},
		ExcludePrefixes:  []string{"/cart/", "/admin"},
		APITTLSec:        3600,
	}
}

func gatewayFixture(t *testing.T, requests *atomic.Int32) (*Handler, *lifecycle.Runtime, *httptest.Server) {
	t.Helper()
	origin := gatewayOrigin(t, requests)
	store, err := partition.Open(filepath.Join(t.TempDir(), "engine.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := lifecycle.NewRuntime(store, nil)
	h, err := NewHandler(rt, store, origin.URL, nil)
	require.NoError(t, err)
	return h, rt, origin
}

func testRouter(t *testing.T, h *Handler, metricsToken string) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	SetupRoutes(router, h, func(w http.ResponseWriter, r *http.Request) {}, metricsToken)
	return router
}

func TestNewHandlerRejectsRelativeOrigin(t *testing.T) {
	store, err := partition.Open(filepath.Join(t.TempDir(), "engine.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = NewHandler(lifecycle.NewRuntime(store, nil), store, "127.0.0.1:8000", nil)
	require.Error(t, err)
}

func TestInterceptBeforeActivation(t *testing.T) {
	h, _, _ := gatewayFixture(t, nil)

	rec := httptest.NewRecorder()
	h.Intercept(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var apiErr models.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, models.ErrCodeInternalError, apiErr.Code)
}

func TestInterceptStaticMissThenHit(t *testing.T) {
	var requests atomic.Int32
	h, rt, origin := gatewayFixture(t, &requests)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))

	// Not in the manifest, so the first request goes to the origin.
	base := requests.Load()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/js/extra.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "console.log('pos')", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/js/extra.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "console.log('pos')", rec.Body.String())

	assert.Equal(t, base+1, requests.Load(), "second request must not reach the origin")
}

func TestInterceptPrewarmedShellServedOffline(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))
	origin.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "<html>home</html>", rec.Body.String())
}

func TestInterceptNavigationFallsBackOffline(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))
	origin.Close()

	// Never cached, origin gone: the offline document answers.
	req := httptest.NewRequest(http.MethodGet, "/sales/today/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FALLBACK", rec.Header().Get("X-Cache"))
	assert.Equal(t, "<html>offline</html>", rec.Body.String())
}

func TestInterceptExcludedPassThrough(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))

	req := httptest.NewRequest(http.MethodPost, "/cart/add", strings.NewReader("qty=2"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "qty=2", rec.Body.String())
	// Session state travels untouched on the pass-through path.
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "sessionid=s3cr3t")
	assert.Empty(t, rec.Header().Get("X-Cache"))
}

func TestInterceptExcludedNeverCached(t *testing.T) {
	var requests atomic.Int32
	origin := gatewayOrigin(t, &requests)
	store, err := partition.Open(filepath.Join(t.TempDir(), "engine.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := lifecycle.NewRuntime(store, nil)
	h, err := NewHandler(rt, store, origin.URL, nil)
	require.NoError(t, err)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))
	base := requests.Load()

	// Excluded surfaces hit the origin on every repetition, whatever the
	// method, and leave no trace in any partition.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cart/view", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cart/add", strings.NewReader("qty=1")))
		require.Equal(t, http.StatusCreated, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/products/", nil)
		req.Header.Set("Authorization", "Bearer till-7")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.EqualValues(t, base+9, requests.Load(), "every excluded request reaches the origin")

	for _, part := range partition.Set("v1") {
		keys, err := store.Keys(part)
		require.NoError(t, err)
		for _, key := range keys {
			assert.NotContains(t, key, "/cart/", "partition %s", part)
			assert.NotEqual(t, "/api/products/", key,
				"credentialed request must not be cached, partition %s", part)
		}
	}
}

func TestInterceptPassThroughBadGateway(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))
	origin.Close()

	req := httptest.NewRequest(http.MethodPost, "/cart/add", strings.NewReader("qty=2"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var apiErr models.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, models.ErrCodeOriginUnreachable, apiErr.Code)
}

func TestLivenessAlwaysUp(t *testing.T) {
	h, _, _ := gatewayFixture(t, nil)
	router := testRouter(t, h, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/healthz/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessTracksActivation(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/healthz/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/healthz/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"v1"`)
}

func TestVersionEndpoint(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info versionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "v1", info.Active)
	assert.Equal(t, string(models.StateActive), info.State)
	assert.Empty(t, info.Waiting)
}

func TestMetricsEndpointExposed(t *testing.T) {
	h, _, _ := gatewayFixture(t, nil)
	router := testRouter(t, h, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ireti_engine_pages_connected")
}

func TestMetricsEndpointTokenGuard(t *testing.T) {
	h, _, _ := gatewayFixture(t, nil)
	router := testRouter(t, h, "scrape-secret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engine/metrics", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/engine/metrics", nil)
	req.Header.Set("Authorization", "Bearer scrape-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownEnginePathFallsThrough(t *testing.T) {
	h, rt, origin := gatewayFixture(t, nil)
	router := testRouter(t, h, "")
	require.NoError(t, rt.Stage(context.Background(), gatewayConfig("v1", origin.URL)))

	// Not a control route: it is intercepted like any other page path. The
	// origin 404s, so the ladder lands on the offline document.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engineering", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FALLBACK", rec.Header().Get("X-Cache"))
}
