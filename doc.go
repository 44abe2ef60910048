// Package esi assembles HTML pages from Edge Side Includes fragments.
//
// A Processor finds every <esi:include src="..."> directive in a document,
// fetches the referenced fragments concurrently and splices each one in
// place of its directive. Fragments may themselves contain includes; those
// are resolved in further passes up to a configurable depth, after which
// leftover directives are removed.
//
//   - Double-quoted, single-quoted and unquoted src attributes
//   - Explicit (</esi:include>) and self-closing (/>) directives
//   - Relative sources joined to a base URL
//   - Concurrent identical fetches merged into one request
//   - Failed fragments replaced by an error handler's output, never failing the page
//
// The default Fetcher is a Client that issues one GET per fragment and
// decodes compressed bodies. Retries, per-host circuit breaking, rate limiting,
// a response cache and Prometheus metrics are opt-in. Middleware wraps an
// http.Handler so a reverse proxy or template server can assemble pages on
// the way out.
//
// Typical usage:
//
//	p, err := esi.New(
//	    esi.WithBaseURL("http://fragments.internal"),
//	    esi.WithMaxDepth(2),
//	    esi.WithClientOptions(esi.WithTimeout(500*time.Millisecond)),
//	)
//	if err != nil {
//	    return err
//	}
//	page, err := p.Process(ctx, markup, esi.WithHeaderMap(map[string]string{"Accept-Language": "en"}))
package esi
