package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/classify"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
)

func apiPartition() string { return partition.Qualify(partition.API, testVersion) }

func TestSWRFreshHitSkipsNetwork(t *testing.T) {
	var requests atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL)
	seed(t, store, apiPartition(), "/api/products/", `{"v":1}`, 5*time.Minute)

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/products/", nil))
	require.Equal(t, SourceHit, res.Source)
	require.Equal(t, []byte(`{"v":1}`), res.Response.Body)
	assert.EqualValues(t, 0, requests.Load(), "fresh entries never touch the origin")
}

func TestSWRStaleServesThenRevalidates(t *testing.T) {
	var requests atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"v":2}`))
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL)
	seed(t, store, apiPartition(), "/api/products/", `{"v":1}`, 2*time.Hour)

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/products/", nil))
	require.Equal(t, SourceStale, res.Source, "stale entry is served without waiting")
	require.Equal(t, []byte(`{"v":1}`), res.Response.Body)
	require.Equal(t, "STALE", res.Response.Header.Get("X-Cache"))

	require.Eventually(t, func() bool {
		got, err := store.Get(apiPartition(), "/api/products/")
		return err == nil && string(got.Body) == `{"v":2}`
	}, 3*time.Second, 10*time.Millisecond, "background revalidation updates the partition")
	assert.EqualValues(t, 1, requests.Load(), "one stale serve issues exactly one fetch")
}

func TestSWRConcurrentStaleSingleFlight(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.Write([]byte(`{"v":2}`))
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL)
	seed(t, store, apiPartition(), "/api/stock/", `{"v":1}`, 2*time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/stock/", nil))
			assert.Equal(t, SourceStale, res.Source)
		}()
	}
	wg.Wait()

	// While the first refresh is parked on the origin, the other callers
	// must join it rather than open their own.
	require.Eventually(t, func() bool { return requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return requests.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		got, err := store.Get(apiPartition(), "/api/stock/")
		return err == nil && string(got.Body) == `{"v":2}`
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSWRMissFetchesAndStores(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL)

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/products/?code=123", nil))
	require.Equal(t, SourceMiss, res.Source)
	require.Equal(t, []byte(`{"items":[]}`), res.Response.Body)

	got, err := store.Get(apiPartition(), "/api/products/?code=123")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"items":[]}`), got.Body)
}

func TestSWRMissOriginDownStructuredError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	e, _ := testEngine(t, origin.URL)
	origin.Close()

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/products/", nil))
	require.Equal(t, SourceSynth, res.Source)
	require.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	require.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))

	var apiErr models.APIError
	require.NoError(t, json.Unmarshal(res.Response.Body, &apiErr))
	assert.Equal(t, models.ErrCodeOriginUnreachable, apiErr.Code)
	assert.NotEmpty(t, apiErr.Message)
}

func TestSWRNonSuccessPassesThroughUnstored(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such product", http.StatusNotFound)
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL)

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/products/?code=999", nil))
	require.Equal(t, SourceMiss, res.Source)
	require.Equal(t, http.StatusNotFound, res.Response.Status)

	_, err := store.Get(apiPartition(), "/api/products/?code=999")
	assert.ErrorIs(t, err, partition.ErrNotFound)
}

func TestSWRRevalidationThrottled(t *testing.T) {
	var requests atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"v":2}`))
	}))
	defer origin.Close()

	e, store := testEngine(t, origin.URL, func(o *Options) {
		o.RevalidateRate = 0.001 // effectively one token, never refilled in test time
		o.RevalidateBurst = 1
	})
	seed(t, store, apiPartition(), "/api/a/", `{"v":1}`, 2*time.Hour)
	seed(t, store, apiPartition(), "/api/b/", `{"v":1}`, 2*time.Hour)

	res := e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/a/", nil))
	require.Equal(t, SourceStale, res.Source)
	require.Eventually(t, func() bool { return requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Token bucket is empty now; the second stale serve skips revalidation.
	res = e.Serve(context.Background(), classify.API, httptest.NewRequest(http.MethodGet, "/api/b/", nil))
	require.Equal(t, SourceStale, res.Source, "the caller still gets the stale entry")
	assert.Never(t, func() bool { return requests.Load() > 1 }, 300*time.Millisecond, 20*time.Millisecond)
}
