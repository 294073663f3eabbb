// Package classify maps incoming requests to the caching class that decides
// which strategy and which partition serve them. Classification looks only at
// the method, the path and a couple of fetch-metadata headers, never at the
// body, so it can run before the request is dispatched anywhere.
package classify

import (
	"net/http"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/config"
)

// Class is the request category used for strategy selection and metric labels.
type Class string

const (
	// Static covers the immutable asset tree: stylesheets, scripts,
	// images, fonts, the manifest and the offline fallback document.
	Static Class = "static"
	// API covers read-only data endpoints served stale-while-revalidate.
	API Class = "api"
	// Navigation covers full-document loads.
	Navigation Class = "navigation"
	// Excluded traffic bypasses the engine entirely: authenticated or
	// mutating surfaces, and every non-GET request.
	Excluded Class = "excluded"
	// Other is plain pass-through with no caching.
	Other Class = "other"
)

// memoSize bounds the path memo. Retail deployments see a few hundred
// distinct paths, so collisions with eviction are rare.
const memoSize = 1024

// byPathUnknown marks paths whose class depends on request headers
// (navigation vs other) and therefore cannot be memoized.
const byPathUnknown = Class("")

// Classifier resolves request classes from configured allow-lists. The
// per-path verdict is memoized in an LRU since the lists never change for
// the lifetime of a controller.
type Classifier struct {
	staticPrefixes  []string
	staticPaths     map[string]struct{}
	staticExts      map[string]struct{}
	apiPrefixes     []string
	excludePrefixes []string

	memo *lru.Cache[string, Class]
}

// New builds a Classifier from the configured surface lists.
func New(cfg *config.Config) (*Classifier, error) {
	memo, err := lru.New[string, Class](memoSize)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		staticPrefixes:  append([]string(nil), cfg.StaticPrefixes...),
		staticPaths:     make(map[string]struct{}, len(cfg.StaticPaths)),
		staticExts:      make(map[string]struct{}, len(cfg.StaticExtensions)),
		apiPrefixes:     append([]string(nil), cfg.APIPrefixes...),
		excludePrefixes: append([]string(nil), cfg.ExcludePrefixes...),
		memo:            memo,
	}
	for _, p := range cfg.StaticPaths {
		c.staticPaths[p] = struct{}{}
	}
	for _, ext := range cfg.StaticExtensions {
		c.staticExts[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return c, nil
}

// Classify returns the class for the request.
//
// Precedence: exclusion beats everything (non-GET, credentialed requests,
// authenticated path prefixes), then static, then api (static wins the
// tie when a path matches both), then navigation, then other.
func (c *Classifier) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return Excluded
	}
	if r.Header.Get("Authorization") != "" {
		return Excluded
	}

	if class := c.byPath(r.URL.Path); class != byPathUnknown {
		return class
	}
	if isNavigation(r) {
		return Navigation
	}
	return Other
}

// byPath resolves the part of the verdict that depends on the path alone.
func (c *Classifier) byPath(p string) Class {
	if class, ok := c.memo.Get(p); ok {
		return class
	}

	class := byPathUnknown
	switch {
	case hasAnyPrefix(p, c.excludePrefixes):
		class = Excluded
	case c.isStatic(p):
		class = Static
	case hasAnyPrefix(p, c.apiPrefixes):
		class = API
	}
	c.memo.Add(p, class)
	return class
}

func (c *Classifier) isStatic(p string) bool {
	if hasAnyPrefix(p, c.staticPrefixes) {
		return true
	}
	if _, ok := c.staticPaths[p]; ok {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return false
	}
	_, ok := c.staticExts[ext]
	return ok
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a full-document load. Browsers
// send Sec-Fetch-Mode on same-origin requests; the Accept sniff covers
// clients that do not.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
