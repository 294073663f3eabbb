package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsRelativeOrigin(t *testing.T) {
	_, err := New("127.0.0.1:8000")
	assert.Error(t, err)
}

func TestDoReplaysPathAndQuery(t *testing.T) {
	var gotURI, gotAccept, gotConn string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		gotAccept = r.Header.Get("Accept")
		gotConn = r.Header.Get("Keep-Alive")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "csrftoken=abc")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer origin.Close()

	f, err := New(origin.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/products/?code=123", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Keep-Alive", "timeout=5")

	resp, err := f.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/api/products/?code=123", gotURI)
	assert.Equal(t, "application/json", gotAccept)
	assert.Empty(t, gotConn, "hop-by-hop request headers must not reach the origin")

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "csrftoken=abc", resp.Header.Get("Set-Cookie"),
		"cookies still flow to the page on network responses")
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.False(t, resp.StoredAt.IsZero())
}

func TestDoForwardsHostHeader(t *testing.T) {
	var gotForwardedHost string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
	}))
	defer origin.Close()

	f, err := New(origin.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://pos.local/register/", nil)
	_, err = f.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "pos.local", gotForwardedHost)
}

func TestGet(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/offline/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<html>offline</html>"))
	}))
	defer origin.Close()

	f, err := New(origin.URL)
	require.NoError(t, err)

	resp, err := f.Get(context.Background(), "/offline/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("<html>offline</html>"), resp.Body)

	resp, err = f.Get(context.Background(), "/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status, "non-2xx is a response, not an error")
}

func TestDoOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f, err := New(origin.URL)
	require.NoError(t, err)
	origin.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = f.Do(context.Background(), req)
	assert.Error(t, err)
}

func TestDoHonorsContext(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer origin.Close()

	f, err := New(origin.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Do(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}
