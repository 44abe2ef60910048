package esi

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"
)

// DefaultForwardHeaders are the inbound request headers passed on to
// fragment requests by Middleware.
var DefaultForwardHeaders = []string{"Cookie", "Authorization", "Accept-Language"}

// HandlerOption configures Middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	forwardHeaders []string
	contentTypes   map[string]bool
}

// WithForwardHeaders replaces the set of inbound headers forwarded to
// fragment requests.
func WithForwardHeaders(names ...string) HandlerOption {
	return func(c *handlerConfig) {
		c.forwardHeaders = append([]string(nil), names...)
	}
}

// WithContentTypes sets the media types that are assembled. text/html by
// default.
func WithContentTypes(mediaTypes ...string) HandlerOption {
	return func(c *handlerConfig) {
		c.contentTypes = make(map[string]bool, len(mediaTypes))
		for _, mt := range mediaTypes {
			c.contentTypes[mt] = true
		}
	}
}

// Middleware assembles pages produced by the wrapped handler. Successful
// uncompressed responses of an assembled content type are buffered and run
// through p; everything else, including HEAD requests, is passed through as
// is.
func Middleware(p *Processor, options ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{
		forwardHeaders: DefaultForwardHeaders,
		contentTypes:   map[string]bool{"text/html": true},
	}
	for _, option := range options {
		option(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// HEAD has no body to assemble; keep the handler's Content-Length.
			if r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			buf := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(buf, r)

			if !cfg.assembles(buf) {
				buf.flushTo(w, buf.body.Bytes())
				return
			}

			out, err := p.Process(r.Context(), buf.body.String(), WithHeaders(cfg.forwarded(r)))
			if err != nil {
				p.Logger().Warn("page assembly aborted", "path", r.URL.Path, "error", err)
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			buf.flushTo(w, []byte(out))
		})
	}
}

func (c *handlerConfig) assembles(buf *bufferedResponse) bool {
	if buf.status() != http.StatusOK || buf.header.Get("Content-Encoding") != "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(buf.header.Get("Content-Type"))
	return err == nil && c.contentTypes[mediaType]
}

func (c *handlerConfig) forwarded(r *http.Request) http.Header {
	h := make(http.Header)
	for _, name := range c.forwardHeaders {
		if values := r.Header.Values(name); len(values) > 0 {
			h[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return h
}

// bufferedResponse captures a downstream response so it can be rewritten.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter, body []byte) {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	code := b.status()
	if code == http.StatusNoContent || code == http.StatusNotModified || code < 200 {
		dst.Del("Content-Length")
		w.WriteHeader(code)
		return
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
