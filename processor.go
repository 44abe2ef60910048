package esi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Processor assembles documents by replacing <esi:include> directives with
// the fragments they reference. A Processor is immutable after New and safe
// for concurrent use.
type Processor struct {
	baseURL        string
	maxDepth       int
	onError        ErrorHandler
	fetcher        Fetcher
	clientOptions  []ClientOption
	cacheEnabled   bool
	dedupKeyFunc   DedupKeyFunc
	logger         Logger
	logOutput      io.Writer
	debug          bool
	maxConcurrency int
	metrics        *MetricsCollector
	requestIDGen   func() string

	cache *RequestCache
}

// New builds a Processor. All configuration problems are reported together
// in one *Error of type ErrorTypeValidation.
func New(options ...Option) (*Processor, error) {
	p := &Processor{
		maxDepth:     DefaultMaxDepth,
		onError:      DefaultErrorHandler,
		cacheEnabled: true,
		dedupKeyFunc: DefaultDedupKeyFunc,
		requestIDGen: uuid.NewString,
	}
	for _, option := range options {
		option(p)
	}

	if p.onError == nil {
		p.onError = DefaultErrorHandler
	}
	if p.dedupKeyFunc == nil {
		p.dedupKeyFunc = DefaultDedupKeyFunc
	}
	if p.requestIDGen == nil {
		p.requestIDGen = uuid.NewString
	}
	if p.logger == nil {
		p.logger = p.sinkLogger()
	}
	if p.fetcher == nil {
		clientOptions := append([]ClientOption{WithClientLogger(p.logger), WithClientMetrics(p.metrics)}, p.clientOptions...)
		p.fetcher = NewClient(clientOptions...)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	p.cache = NewRequestCache(p.fetcher, p.cacheEnabled, p.dedupKeyFunc, p.metrics)
	return p, nil
}

func (p *Processor) sinkLogger() Logger {
	if p.logOutput == nil {
		return NopLogger{}
	}
	level := slog.LevelInfo
	if p.debug {
		level = slog.LevelDebug
	}
	return NewSinkLogger(p.logOutput, level)
}

func (p *Processor) validate() error {
	var problems []string
	if p.maxDepth < 0 {
		problems = append(problems, "maxDepth must be non-negative")
	}
	if p.maxConcurrency < 0 {
		problems = append(problems, "maxConcurrency must be non-negative")
	}
	if p.baseURL != "" {
		if u, err := url.Parse(p.baseURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("baseURL %q must be an absolute URL", p.baseURL))
		}
	}
	if c, ok := p.fetcher.(*Client); ok && !c.IsValid() {
		problems = append(problems, c.ValidationError().Error())
	}

	if len(problems) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "processor configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

// Logger returns the logger the processor writes to.
func (p *Processor) Logger() Logger {
	return p.logger
}

// Process replaces every include directive in markup with its fragment,
// repeating on the fragments' own directives until none remain or the depth
// limit is passed, at which point leftover directives are removed.
//
// Failed fetches never fail Process; the error handler's output takes their
// place. Process only fails when ctx is done before a pass starts.
func (p *Processor) Process(ctx context.Context, markup string, options ...ProcessOption) (string, error) {
	var po processOptions
	for _, option := range options {
		option(&po)
	}

	state := &processingState{requestID: p.requestIDGen()}
	ctx = ContextWithRequestID(ctx, state.requestID)
	fetchOpts := FetchOptions{Headers: po.headers}
	start := time.Now()
	passes := 0

	for HasIncludes(markup) {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("processing aborted", "request_id", state.requestID, "depth", state.depth, "error", err)
			return "", err
		}

		directives := FindIncludes(markup)
		passes++
		if state.depth > p.maxDepth {
			markup = p.drop(markup, directives, state)
			break
		}
		markup = p.substitute(ctx, markup, directives, fetchOpts, state)
		state.depth++
	}

	p.metrics.RecordProcess(passes, time.Since(start))
	p.metrics.RecordInclude(IncludeFetched, state.fetched)
	p.metrics.RecordInclude(IncludeFailed, state.failed)
	p.metrics.RecordInclude(IncludeDropped, state.dropped)
	p.logger.Debug("document processed",
		"request_id", state.requestID,
		"passes", passes,
		"fetched", state.fetched,
		"failed", state.failed,
		"dropped", state.dropped,
		"duration", time.Since(start),
	)
	return markup, nil
}

// substitute fetches every directive of one pass concurrently and splices
// each result into its own slot.
func (p *Processor) substitute(ctx context.Context, markup string, directives []Directive, opts FetchOptions, state *processingState) string {
	replacements := make([]string, len(directives))
	failed := make([]bool, len(directives))

	var g errgroup.Group
	if p.maxConcurrency > 0 {
		g.SetLimit(p.maxConcurrency)
	}
	for i, d := range directives {
		g.Go(func() error {
			replacements[i], failed[i] = p.include(ctx, d, opts, state)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed {
		if f {
			state.failed++
		} else {
			state.fetched++
		}
	}
	return splice(markup, directives, replacements)
}

// include resolves one directive. state is read-only here since includes of
// a pass run concurrently.
func (p *Processor) include(ctx context.Context, d Directive, opts FetchOptions, state *processingState) (string, bool) {
	src := ResolveURL(d.Src, p.baseURL)

	resp, err := p.cache.Get(ctx, src, opts)
	if err == nil && resp == nil {
		err = fmt.Errorf("fetcher returned no response for %s", src)
	}
	if err != nil {
		p.logger.Warn("include failed",
			"request_id", state.requestID,
			"src", src,
			"depth", state.depth,
			"error", err,
		)
		return p.onError(src, err), true
	}

	p.logger.Debug("include fetched", "request_id", state.requestID, "src", src, "depth", state.depth, "bytes", len(resp.Body))
	return resp.Body, false
}

// drop removes directives found beyond the depth limit.
func (p *Processor) drop(markup string, directives []Directive, state *processingState) string {
	state.dropped += len(directives)
	p.logger.Debug("depth limit reached, dropping includes",
		"request_id", state.requestID,
		"depth", state.depth,
		"count", len(directives),
	)
	return splice(markup, directives, make([]string, len(directives)))
}
