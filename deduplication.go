package esi

import (
	"context"
	"hash/fnv"
	"net/http"
	"sort"
	"strconv"

	"github.com/ambiyansyah-risyal/esi/internal/singleflight"
)

// RequestCache merges concurrent fetches of the same key into one call to
// the underlying Fetcher. Calls are forgotten the moment they settle, so it
// never serves stale content; a fetch that starts after another finished goes
// to the network again.
type RequestCache struct {
	fetcher Fetcher
	enabled bool
	keyFunc DedupKeyFunc
	group   singleflight.Group[*Response]
	metrics *MetricsCollector
}

// NewRequestCache wraps fetcher. With enabled false every Get goes straight to
// the fetcher. A nil keyFunc keys calls by URL alone.
func NewRequestCache(fetcher Fetcher, enabled bool, keyFunc DedupKeyFunc, metrics *MetricsCollector) *RequestCache {
	if keyFunc == nil {
		keyFunc = DefaultDedupKeyFunc
	}
	return &RequestCache{
		fetcher: fetcher,
		enabled: enabled,
		keyFunc: keyFunc,
		metrics: metrics,
	}
}

// Get fetches url, joining an identical in-flight fetch when there is one.
// Joined callers share the owner's result, error included. A caller whose ctx
// ends while waiting gets ctx.Err() and the owner carries on.
func (rc *RequestCache) Get(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
	if !rc.enabled {
		return rc.fetcher.Get(ctx, url, opts)
	}

	executed := false
	resp, err, _ := rc.group.Do(ctx, rc.keyFunc(url, opts), func() (*Response, error) {
		executed = true
		return rc.fetcher.Get(ctx, url, opts)
	})
	if !executed && ctx.Err() == nil {
		rc.metrics.RecordDeduplicationHit()
	}
	return resp, err
}

// InFlight returns the number of distinct fetches currently outstanding.
func (rc *RequestCache) InFlight() int {
	return rc.group.InFlight()
}

// DefaultDedupKeyFunc keys fetches by URL. Concurrent fetches of one URL with
// different headers are merged under it.
func DefaultDedupKeyFunc(url string, _ FetchOptions) string {
	return url
}

// HeaderAwareDedupKeyFunc keys fetches by URL plus the named request headers,
// for fragments that vary on them. With no names every header counts.
func HeaderAwareDedupKeyFunc(names ...string) DedupKeyFunc {
	canonical := make([]string, len(names))
	for i, name := range names {
		canonical[i] = http.CanonicalHeaderKey(name)
	}
	if len(canonical) == 0 {
		canonical = nil
	}
	return func(url string, opts FetchOptions) string {
		return url + "#" + headerFingerprint(opts.Headers, canonical)
	}
}

// headerFingerprint hashes the given headers, or all of h when names is nil,
// independently of map order.
func headerFingerprint(h http.Header, names []string) string {
	if names == nil {
		names = make([]string, 0, len(h))
		for name := range h {
			names = append(names, name)
		}
	} else {
		names = append([]string(nil), names...)
	}
	sort.Strings(names)

	hash := fnv.New64a()
	for _, name := range names {
		_, _ = hash.Write([]byte(name))
		_, _ = hash.Write([]byte{0})
		values := h[name]
		if values == nil {
			values = h.Values(name)
		}
		for _, v := range values {
			_, _ = hash.Write([]byte(v))
			_, _ = hash.Write([]byte{0})
		}
		_, _ = hash.Write([]byte{1})
	}
	return strconv.FormatUint(hash.Sum64(), 16)
}
