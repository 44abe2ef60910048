package esi

import (
	"io"
	"net/http"
	"sync"
)

// DefaultMaxDepth is the number of nested include levels fetched before
// deeper directives are dropped.
const DefaultMaxDepth = 3

var defaultMetrics = sync.OnceValue(NewMetricsCollector)

// WithBaseURL sets the URL relative include sources are joined to.
func WithBaseURL(baseURL string) Option {
	return func(p *Processor) {
		p.baseURL = baseURL
	}
}

// WithMaxDepth sets how many nested include levels are fetched. Zero fetches
// top-level includes only.
func WithMaxDepth(depth int) Option {
	return func(p *Processor) {
		p.maxDepth = depth
	}
}

// WithOnError sets the replacement producer for failed includes. nil restores
// DefaultErrorHandler.
func WithOnError(handler ErrorHandler) Option {
	return func(p *Processor) {
		p.onError = handler
	}
}

// WithFetcher replaces the default Client. nil restores it.
func WithFetcher(fetcher Fetcher) Option {
	return func(p *Processor) {
		p.fetcher = fetcher
	}
}

// WithClientOptions configures the default Client. Ignored when WithFetcher
// supplies a fetcher.
func WithClientOptions(options ...ClientOption) Option {
	return func(p *Processor) {
		p.clientOptions = append(p.clientOptions, options...)
	}
}

// WithCache toggles merging of concurrent identical fetches. Enabled by default.
func WithCache(enabled bool) Option {
	return func(p *Processor) {
		p.cacheEnabled = enabled
	}
}

// WithDedupKeyFunc changes how fetches are matched for merging.
func WithDedupKeyFunc(fn DedupKeyFunc) Option {
	return func(p *Processor) {
		p.dedupKeyFunc = fn
	}
}

// WithLogOutput sends logs to w through a SinkLogger. WithLogger takes
// precedence.
func WithLogOutput(w io.Writer) Option {
	return func(p *Processor) {
		p.logOutput = w
	}
}

func WithLogger(logger Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithDebug enables debug-level log records.
func WithDebug() Option {
	return func(p *Processor) {
		p.debug = true
	}
}

// WithMaxConcurrency bounds the fetches running at once within one pass.
// Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(p *Processor) {
		p.maxConcurrency = n
	}
}

// WithMetrics records metrics on the default Prometheus registerer.
func WithMetrics() Option {
	return func(p *Processor) {
		p.metrics = defaultMetrics()
	}
}

func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(p *Processor) {
		p.metrics = collector
	}
}

// WithRequestIDGenerator sets the source of per-call request IDs used in logs
// and errors.
func WithRequestIDGenerator(gen func() string) Option {
	return func(p *Processor) {
		p.requestIDGen = gen
	}
}

// WithHeaders forwards headers with every fetch made by one Process call.
func WithHeaders(headers http.Header) ProcessOption {
	return func(o *processOptions) {
		if o.headers == nil {
			o.headers = make(http.Header, len(headers))
		}
		for name, values := range headers {
			key := http.CanonicalHeaderKey(name)
			o.headers[key] = append(o.headers[key], values...)
		}
	}
}

// WithHeaderMap is WithHeaders for single-valued headers.
func WithHeaderMap(headers map[string]string) ProcessOption {
	return func(o *processOptions) {
		if o.headers == nil {
			o.headers = make(http.Header, len(headers))
		}
		for name, value := range headers {
			o.headers.Set(name, value)
		}
	}
}
