// Package fetch performs the engine's outbound requests against the origin
// and buffers responses into the form the partition store holds. Strategies
// depend on it for both request replay and install pre-warming.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
)

// DefaultTimeout bounds a single origin round trip including the body read.
// Inbound request contexts cancel earlier when the page goes away.
const DefaultTimeout = 30 * time.Second

// hopByHop headers belong to one connection and are stripped from both
// replayed requests and buffered responses.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher replays page requests against a single origin. A circuit breaker
// guards the round trips: once the origin stops answering, requests fail
// fast and strategies fall back to cache at once.
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	breaker *Breaker
}

// New returns a Fetcher for the given origin base URL.
func New(originURL string) (*Fetcher, error) {
	base, err := url.Parse(originURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse origin url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("fetch: origin url %q is not absolute", originURL)
	}
	return &Fetcher{
		base: base,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: Transport(),
		},
		breaker: NewBreaker(),
	}, nil
}

// Transport returns the pooled, trace-propagating RoundTripper used for
// origin traffic. The pass-through proxy shares it so excluded requests get
// the same connection reuse and spans as strategy fetches.
func Transport() http.RoundTripper {
	return otelhttp.NewTransport(&http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	})
}

// Do replays r against the origin, preserving path, query and end-to-end
// request headers, and buffers the full response. Only GET requests reach
// this path; mutating traffic is proxied elsewhere untouched.
func (f *Fetcher) Do(ctx context.Context, r *http.Request) (*models.CachedResponse, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(r.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build origin request: %w", err)
	}
	copyEndToEnd(out.Header, r.Header)
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		out.Header.Set("X-Forwarded-For", host)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	return f.roundTrip(out)
}

// Get fetches a bare origin URI with no page request behind it. Used by
// install pre-warming and background revalidation.
func (f *Fetcher) Get(ctx context.Context, uri string) (*models.CachedResponse, error) {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse uri %q: %w", uri, err)
	}
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(u), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build origin request: %w", err)
	}
	out.Header.Set("Accept", "*/*")

	return f.roundTrip(out)
}

// roundTrip performs one guarded exchange and reports its outcome to the
// breaker. A failed body read counts as a transport failure too.
func (f *Fetcher) roundTrip(out *http.Request) (*models.CachedResponse, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := f.client.Do(out)
	if err != nil {
		f.breaker.Record(err)
		return nil, fmt.Errorf("fetch: origin: %w", err)
	}
	buffered, err := buffer(resp)
	f.breaker.Record(err)
	if err != nil {
		return nil, err
	}
	return buffered, nil
}

func (f *Fetcher) resolve(u *url.URL) string {
	return f.base.ResolveReference(&url.URL{Path: u.Path, RawQuery: u.RawQuery}).String()
}

// buffer drains the response into a CachedResponse with sanitized headers
// and closes the body.
func buffer(resp *http.Response) (*models.CachedResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read origin body: %w", err)
	}
	h := resp.Header.Clone()
	stripHopByHop(h)
	// Stale lengths confuse clients once the body is re-served; the
	// gateway recomputes it from the buffered bytes.
	h.Del("Content-Length")
	return &models.CachedResponse{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func copyEndToEnd(dst, src http.Header) {
	tmp := src.Clone()
	stripHopByHop(tmp)
	for k, vv := range tmp {
		dst[k] = vv
	}
}

func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}
