package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// ErrOriginUnavailable is returned without a round trip while the breaker
// is open. Strategies treat it like any other transport failure and move
// down their ladder.
var ErrOriginUnavailable = errors.New("fetch: origin unavailable, breaker open")

const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 10 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker trips after consecutive transport failures so that while the
// origin is down every request fails fast and falls back to cache, instead
// of each one waiting out the client timeout. Non-2xx statuses never trip
// it: an origin answering errors is still an origin answering.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration

	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker returns a closed breaker with default thresholds.
func NewBreaker() *Breaker {
	return &Breaker{
		failureThreshold: defaultFailureThreshold,
		openDuration:     defaultOpenDuration,
	}
}

// Allow reports whether a round trip may proceed. Open rejects with
// ErrOriginUnavailable until the reopen window passes, then a single probe
// is admitted; further callers keep failing fast until the probe reports.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) < b.openDuration {
			return ErrOriginUnavailable
		}
		b.setState(breakerHalfOpen)
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return ErrOriginUnavailable
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds back the outcome of a round trip Allow admitted. A success
// closes the breaker from any state. A canceled caller context is ignored:
// the page went away, which says nothing about the origin.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
	}
	if err == nil {
		b.failures = 0
		if b.state != breakerClosed {
			b.setState(breakerClosed)
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.state == breakerHalfOpen || (b.state == breakerClosed && b.failures >= b.failureThreshold) {
		b.setState(breakerOpen)
	}
}

func (b *Breaker) setState(next breakerState) {
	metrics.OriginBreakerTransitionsTotal.WithLabelValues(b.state.String(), next.String()).Inc()
	b.state = next
	metrics.OriginBreakerState.Set(float64(next))
}
