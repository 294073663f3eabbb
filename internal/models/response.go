package models

import (
	"net/http"
	"time"
)

// CachedResponse is one stored entry of a cache partition: the reusable parts
// of an origin response plus the retrieval timestamp the engine adds at store
// time. Entries are replaced wholesale, never patched.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (r *CachedResponse) Age() time.Duration {
	return time.Since(r.StoredAt)
}

// Fresh reports whether the entry is within the given TTL. A non-positive TTL
// means entries never go stale.
func (r *CachedResponse) Fresh(ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return r.Age() <= ttl
}

// OK reports whether the response carries a 2xx status. Only OK responses are
// ever written into a partition.
func (r *CachedResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy so callers can mutate headers (Age, X-Cache)
// without touching the stored value.
func (r *CachedResponse) Clone() *CachedResponse {
	cp := &CachedResponse{
		Status:   r.Status,
		Header:   make(http.Header, len(r.Header)),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
	for k, v := range r.Header {
		cp.Header[k] = append([]string(nil), v...)
	}
	return cp
}
