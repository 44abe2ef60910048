package esi

import (
	"net/url"
	"strings"
)

// ResolveURL turns the src of a directive into a fully-qualified URL.
//
// A src that carries a scheme is returned unchanged and a protocol-relative
// src ("//host/path") takes the scheme of baseURL. Anything else is joined to
// baseURL with exactly one slash between them. With an empty baseURL the
// result is a bare path, which fails at fetch time.
func ResolveURL(rawSrc, baseURL string) string {
	if hasScheme(rawSrc) {
		return rawSrc
	}
	if strings.HasPrefix(rawSrc, "//") {
		if base, err := url.Parse(baseURL); err == nil && base.Scheme != "" {
			return base.Scheme + ":" + rawSrc
		}
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(rawSrc, "/")
}

func hasScheme(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != ""
}
