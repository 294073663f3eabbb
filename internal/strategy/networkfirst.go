package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// networkFirst serves navigations and uncategorized traffic. A successful
// origin response goes straight through and is never stored, so pages are
// always rendered from live HTML when the origin is up. A transport error
// or non-success status falls down the ladder: an exact pre-warmed match
// in any current partition, then the offline fallback document, then a
// synthetic unavailability response.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request, key string) *Result {
	resp, err := e.fetcher.Do(ctx, r)
	if err == nil && resp.OK() {
		return stamp(&Result{Response: resp, Source: SourceMiss})
	}
	if err != nil {
		e.log.Info("strategy: network-first fetch failed", "key", key, "error", err)
	} else {
		e.log.Info("strategy: network-first got non-success status", "key", key, "status", resp.Status)
	}

	cached, from, err := e.store.GetAny(key, e.shellName, e.staticName, e.apiName)
	if err == nil {
		metrics.CacheHitsTotal.WithLabelValues(from).Inc()
		return stamp(&Result{Response: cached, Source: SourceHit, Partition: from})
	}
	if !errors.Is(err, partition.ErrNotFound) {
		e.log.Warn("strategy: exact-match lookup failed", "key", key, "error", err)
	}

	fallback, err := e.store.Get(e.staticName, e.offlinePath)
	if err == nil {
		metrics.FallbacksServedTotal.Inc()
		return stamp(&Result{Response: fallback, Source: SourceFallback, Partition: e.staticName})
	}
	if !errors.Is(err, partition.ErrNotFound) {
		e.log.Warn("strategy: fallback lookup failed", "key", key, "error", err)
	}
	// Missing fallback after a completed install is a configuration error,
	// so the body says which rather than a bare 503.
	e.log.Error("strategy: offline fallback document missing", "path", e.offlinePath)
	return stamp(&Result{
		Response: syntheticAPIError(models.ErrCodeNoFallback, "offline fallback document not cached"),
		Source:   SourceSynth,
	})
}
