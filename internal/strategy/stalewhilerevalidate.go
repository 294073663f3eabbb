package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/fetch"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// staleWhileRevalidate serves read-only data endpoints. Fresh entries are
// returned without touching the network. Stale entries are returned
// immediately too, with a detached revalidation refreshing the partition
// for the next caller. Only a cold miss makes the caller wait for the
// origin.
func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, key string) *Result {
	cached, err := e.store.Get(e.apiName, key)
	if err == nil {
		metrics.CacheHitsTotal.WithLabelValues(e.apiName).Inc()
		if cached.Fresh(e.apiTTL) {
			return stamp(&Result{Response: cached, Source: SourceHit, Partition: e.apiName})
		}
		e.revalidate(key)
		return stamp(&Result{Response: cached, Source: SourceStale, Partition: e.apiName})
	}
	if !errors.Is(err, partition.ErrNotFound) {
		e.log.Warn("strategy: api lookup failed, treating as miss", "key", key, "error", err)
	}
	metrics.CacheMissesTotal.WithLabelValues(e.apiName).Inc()

	resp, err := e.fetcher.Do(ctx, r)
	if err != nil {
		e.log.Warn("strategy: api fetch failed with no cached copy", "key", key, "error", err)
		return stamp(&Result{
			Response: syntheticAPIError(models.ErrCodeOriginUnreachable, "origin unreachable and no cached copy"),
			Source:   SourceSynth,
		})
	}
	if resp.OK() {
		if err := e.store.Put(e.apiName, key, resp); err != nil {
			e.log.Warn("strategy: api store failed, serving anyway", "key", key, "error", err)
		}
	}
	return stamp(&Result{Response: resp, Source: SourceMiss})
}

// revalidate refreshes one api entry in the background. The caller never
// waits on it and never sees its outcome. Concurrent stale hits for the
// same key collapse into a single origin fetch.
func (e *Engine) revalidate(key string) {
	if e.limiter != nil && !e.limiter.Allow() {
		metrics.RevalidationsTotal.WithLabelValues("throttled").Inc()
		e.log.Debug("strategy: revalidation throttled", "key", key)
		return
	}
	go func() {
		e.revalidations.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), fetch.DefaultTimeout)
			defer cancel()

			resp, err := e.fetcher.Get(ctx, key)
			if err != nil {
				metrics.RevalidationsTotal.WithLabelValues("error").Inc()
				e.log.Warn("strategy: revalidation fetch failed", "key", key, "error", err)
				return nil, nil
			}
			if !resp.OK() {
				metrics.RevalidationsTotal.WithLabelValues("rejected").Inc()
				e.log.Warn("strategy: revalidation got non-success status", "key", key, "status", resp.Status)
				return nil, nil
			}
			if err := e.store.Put(e.apiName, key, resp); err != nil {
				metrics.RevalidationsTotal.WithLabelValues("error").Inc()
				e.log.Warn("strategy: revalidation store failed", "key", key, "error", err)
				return nil, nil
			}
			metrics.RevalidationsTotal.WithLabelValues("ok").Inc()
			e.log.Debug("strategy: revalidated", "key", key)
			return nil, nil
		})
	}()
}
