package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// cacheFirst serves the static asset tree. A cached entry wins outright
// with no freshness check, since assets are version-qualified by the
// partition name itself. Misses go to the network and 2xx responses are
// stored for next time. There is no fallback document for assets.
func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, key string) *Result {
	cached, err := e.store.Get(e.staticName, key)
	if err == nil {
		metrics.CacheHitsTotal.WithLabelValues(e.staticName).Inc()
		return stamp(&Result{Response: cached, Source: SourceHit, Partition: e.staticName})
	}
	if !errors.Is(err, partition.ErrNotFound) {
		e.log.Warn("strategy: static lookup failed, treating as miss", "key", key, "error", err)
	}
	metrics.CacheMissesTotal.WithLabelValues(e.staticName).Inc()

	resp, err := e.fetcher.Do(ctx, r)
	if err != nil {
		e.log.Warn("strategy: static fetch failed", "key", key, "error", err)
		return stamp(&Result{Response: syntheticUnavailable(), Source: SourceSynth})
	}
	if resp.OK() {
		if err := e.store.Put(e.staticName, key, resp); err != nil {
			e.log.Warn("strategy: static store failed, serving anyway", "key", key, "error", err)
		}
	}
	return stamp(&Result{Response: resp, Source: SourceMiss})
}
