// Package strategy implements the three serving policies the engine applies
// to intercepted requests: cache-first for the static asset tree,
// stale-while-revalidate for read-only data endpoints, and network-first
// with offline fallback for navigations and uncategorized traffic.
//
// Strategies never surface an error to the gateway. Every path down-ladders
// until something can be served: cache, then network, then the pre-cached
// fallback document, then a synthetic unavailability response.
package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/classify"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/fetch"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
)

// Source tells where the served response came from. The value is stamped
// into the X-Cache header and used as the metric source label.
type Source string

const (
	// SourceHit is an entry served straight from a partition.
	SourceHit Source = "HIT"
	// SourceMiss is a network response after the cache came up empty
	// (or was never consulted, for network-first traffic).
	SourceMiss Source = "MISS"
	// SourceStale is a cache entry past its TTL, served while a
	// background revalidation runs.
	SourceStale Source = "STALE"
	// SourceFallback is the pre-cached offline document.
	SourceFallback Source = "FALLBACK"
	// SourceSynth is a response the engine made up because nothing
	// better existed.
	SourceSynth Source = "SYNTH"
)

// Result pairs the response to serve with its provenance.
type Result struct {
	Response *models.CachedResponse
	Source   Source
	// Partition is the partition the response was read from, empty for
	// network and synthetic responses.
	Partition string
}

// Engine dispatches requests to the strategy their class selects, against
// one version's partition set. A new engine is built per controller; it
// holds no state beyond in-flight revalidation bookkeeping.
type Engine struct {
	store   *partition.Store
	fetcher *fetch.Fetcher
	log     *slog.Logger

	shellName  string
	staticName string
	apiName    string

	apiTTL      time.Duration
	offlinePath string

	revalidations singleflight.Group
	limiter       *rate.Limiter // nil means unlimited
}

// Options configures an Engine.
type Options struct {
	Store   *partition.Store
	Fetcher *fetch.Fetcher
	Version string

	// APITTL is the freshness window for api partition entries.
	APITTL time.Duration
	// OfflinePath is the static partition key of the fallback document.
	OfflinePath string

	// RevalidateRate caps background revalidations per second.
	// Zero disables the cap.
	RevalidateRate  float64
	RevalidateBurst int

	Logger *slog.Logger
}

// New builds the strategy engine for the given version's partitions.
func New(o Options) *Engine {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if o.RevalidateRate > 0 {
		burst := o.RevalidateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(o.RevalidateRate), burst)
	}
	return &Engine{
		store:       o.Store,
		fetcher:     o.Fetcher,
		log:         log,
		shellName:   partition.Qualify(partition.AppShell, o.Version),
		staticName:  partition.Qualify(partition.Static, o.Version),
		apiName:     partition.Qualify(partition.API, o.Version),
		apiTTL:      o.APITTL,
		offlinePath: o.OfflinePath,
		limiter:     limiter,
	}
}

// Serve answers the request with the strategy its class selects. The
// returned result always carries a servable response.
func (e *Engine) Serve(ctx context.Context, class classify.Class, r *http.Request) *Result {
	key := r.URL.RequestURI()
	switch class {
	case classify.Static:
		return e.cacheFirst(ctx, r, key)
	case classify.API:
		return e.staleWhileRevalidate(ctx, r, key)
	default:
		return e.networkFirst(ctx, r, key)
	}
}

// stamp annotates the outgoing response with provenance. Cache-served
// entries additionally carry their age in seconds.
func stamp(res *Result) *Result {
	if res.Response.Header == nil {
		res.Response.Header = http.Header{}
	}
	res.Response.Header.Set("X-Cache", string(res.Source))
	switch res.Source {
	case SourceHit, SourceStale, SourceFallback:
		res.Response.Header.Set("Age", strconv.Itoa(int(res.Response.Age().Seconds())))
	}
	return res
}

// syntheticUnavailable is the bottom rung of the ladder for document and
// asset traffic.
func syntheticUnavailable() *models.CachedResponse {
	return &models.CachedResponse{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body:     []byte("Service Unavailable"),
		StoredAt: time.Now().UTC(),
	}
}

// syntheticAPIError is the bottom rung for api traffic: a JSON envelope a
// data-consuming page can distinguish from an empty result.
func syntheticAPIError(code, message string) *models.CachedResponse {
	body, _ := json.Marshal(models.APIError{
		Error:   message,
		Code:    code,
		Message: message,
	})
	return &models.CachedResponse{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"no-store"},
		},
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}
