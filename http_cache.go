package esi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives is the subset of Cache-Control that affects fragment caching.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
	Public  bool
	MaxAge  *time.Duration
	SMaxAge *time.Duration
}

func parseCacheControl(header string) CacheDirectives {
	var d CacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		name, value, hasValue := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !hasValue {
			switch name {
			case "no-store":
				d.NoStore = true
			case "no-cache":
				d.NoCache = true
			case "private":
				d.Private = true
			case "public":
				d.Public = true
			}
			continue
		}

		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			continue
		}
		age := time.Duration(seconds) * time.Second
		switch name {
		case "max-age":
			d.MaxAge = &age
		case "s-maxage":
			d.SMaxAge = &age
		}
	}
	return d
}

func parseExpires(header string) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cacheTTLFor decides how long a fragment response may be reused. The
// response headers win over fallback: no-store, no-cache and private forbid
// caching; s-maxage beats max-age, which beats Expires.
func cacheTTLFor(header http.Header, fallback time.Duration, now time.Time) (time.Duration, bool) {
	d := parseCacheControl(header.Get("Cache-Control"))
	if d.NoStore || d.NoCache || d.Private {
		return 0, false
	}

	var ttl time.Duration
	switch {
	case d.SMaxAge != nil:
		ttl = *d.SMaxAge
	case d.MaxAge != nil:
		ttl = *d.MaxAge
	default:
		if expires, ok := parseExpires(header.Get("Expires")); ok {
			ttl = expires.Sub(now)
		} else {
			ttl = fallback
		}
	}

	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}
