package esi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func fragmentServer(t *testing.T, body string) (string, *int64) {
	t.Helper()
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	})
	return server.URL, hits
}

func mustNew(t *testing.T, opts ...Option) *Processor {
	t.Helper()
	p, err := New(opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return p
}

func mustProcess(t *testing.T, p *Processor, markup string, opts ...ProcessOption) string {
	t.Helper()
	out, err := p.Process(context.Background(), markup, opts...)
	if err != nil {
		t.Fatalf("Process() returned error: %v", err)
	}
	return out
}

func staticFetcher(bodies map[string]string, calls *int64) Fetcher {
	return FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		body, ok := bodies[url]
		if !ok {
			return nil, NewStatusError(url, http.StatusNotFound)
		}
		return &Response{URL: url, StatusCode: http.StatusOK, Body: body}, nil
	})
}

func TestProcessWithoutDirectives(t *testing.T) {
	var calls int64
	p := mustNew(t, WithFetcher(staticFetcher(nil, &calls)))

	inputs := []string{
		"",
		"<section><div>plain</div></section>",
		"<esi:remove>not an include</esi:remove>",
		"<p>unterminated <esi:include src=\"/x\"",
	}
	for _, in := range inputs {
		if out := mustProcess(t, p, in); out != in {
			t.Errorf("Process(%q) = %q, want input unchanged", in, out)
		}
	}
	if calls != 0 {
		t.Errorf("Expected no fetches, got %d", calls)
	}
}

func TestProcessFetchesOneComponent(t *testing.T) {
	url, _ := fragmentServer(t, "<div>test</div>")
	p := mustNew(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "double quoted",
			input: `<section><esi:include src="` + url + `"></esi:include></section>`,
			want:  "<section><div>test</div></section>",
		},
		{
			name:  "single quoted",
			input: `<section><esi:include src='` + url + `'></esi:include></section>`,
			want:  "<section><div>test</div></section>",
		},
		{
			name:  "unquoted",
			input: `<section><esi:include src=` + url + `></esi:include></section>`,
			want:  "<section><div>test</div></section>",
		},
		{
			name:  "self closed",
			input: `<section><esi:include src="` + url + `"/></section>`,
			want:  "<section><div>test</div></section>",
		},
		{
			name:  "self closing tags in html",
			input: `<section><esi:include src="` + url + `"></esi:include><img src="some-image" /></section>`,
			want:  `<section><div>test</div><img src="some-image" /></section>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustProcess(t, p, tt.input); got != tt.want {
				t.Errorf("Process() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessRelativeComponents(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/header":
			_, _ = w.Write([]byte("<div>test header</div>"))
		case "/footer":
			_, _ = w.Write([]byte("<div>test footer</div>"))
		case "/closed":
			_, _ = w.Write([]byte("<section></section><div>something</div>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	p := mustNew(t, WithBaseURL(server.URL))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"leading slash", `<esi:include src="/header"></esi:include>`, "<div>test header</div>"},
		{"no leading slash", `<esi:include src="header"></esi:include>`, "<div>test header</div>"},
		{"multiple", `<esi:include src="/header"></esi:include><esi:include src="/footer"></esi:include>`, "<div>test header</div><div>test footer</div>"},
		{"immediately closed html tags", `<esi:include src="/closed"></esi:include>`, "<section></section><div>something</div>"},
		{"not found", `a<esi:include src="/missing"/>b`, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustProcess(t, p, tt.input); got != tt.want {
				t.Errorf("Process() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessBaseURLWithTrailingSlash(t *testing.T) {
	url, _ := fragmentServer(t, "ok")
	p := mustNew(t, WithBaseURL(url+"/"))

	if got := mustProcess(t, p, `<esi:include src="/x"/>`); got != "ok" {
		t.Errorf("Process() = %q, want ok", got)
	}
}

func TestProcessPreservesDocumentOrder(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		// Later fragments finish first.
		switch url {
		case "http://h/1":
			time.Sleep(30 * time.Millisecond)
		case "http://h/2":
			time.Sleep(15 * time.Millisecond)
		}
		return &Response{Body: "[" + strings.TrimPrefix(url, "http://h/") + "]"}, nil
	})
	p := mustNew(t, WithFetcher(fetcher), WithBaseURL("http://h"))

	got := mustProcess(t, p, `a<esi:include src="/1"/>b<esi:include src="/2"/>c<esi:include src="/3"/>d`)
	if got != "a[1]b[2]c[3]d" {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcessRecursive(t *testing.T) {
	var base string
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/first":
			_, _ = w.Write([]byte(`<esi:include src="` + base + `/second"></esi:include>`))
		case "/second":
			_, _ = w.Write([]byte(`<esi:include src="` + base + `/third"></esi:include>`))
		default:
			_, _ = w.Write([]byte("<div>test</div>"))
		}
	})
	base = server.URL
	p := mustNew(t)

	got := mustProcess(t, p, `<section><esi:include src="`+base+`/first"></esi:include></section>`)
	if got != "<section><div>test</div></section>" {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcessMaxDepth(t *testing.T) {
	var base string
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<esi:include src="` + base + `"></esi:include>`))
	})
	base = server.URL

	p := mustNew(t, WithMaxDepth(5), WithCache(false))
	got := mustProcess(t, p, `<section><esi:include src="`+base+`"></esi:include></section>`)

	if got != "<section></section>" {
		t.Errorf("Process() = %q, want <section></section>", got)
	}
	if n := atomic.LoadInt64(hits); n != 6 {
		t.Errorf("Expected maxDepth+1 fetch passes, got %d fetches", n)
	}
}

func TestProcessZeroDepth(t *testing.T) {
	var calls int64
	fetcher := staticFetcher(map[string]string{
		"http://h/outer": `<b><esi:include src="/inner"/></b>`,
		"http://h/inner": "never",
	}, &calls)
	p := mustNew(t, WithFetcher(fetcher), WithBaseURL("http://h"), WithMaxDepth(0))

	if got := mustProcess(t, p, `<esi:include src="/outer"/>`); got != "<b></b>" {
		t.Errorf("Process() = %q, want <b></b>", got)
	}
	if calls != 1 {
		t.Errorf("Expected only top-level fetches, got %d", calls)
	}
}

func TestProcessForwardsHeaders(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom-Header") != "" {
			_, _ = w.Write([]byte("<div>test</div>"))
			return
		}
		_, _ = w.Write([]byte("you should not get this"))
	})
	p := mustNew(t)

	got := mustProcess(t, p, `<section><esi:include src="`+server.URL+`"></esi:include></section>`,
		WithHeaderMap(map[string]string{"x-custom-header": "blah"}))
	if got != "<section><div>test</div></section>" {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcessForwardsHeadersToNestedFetches(t *testing.T) {
	var seen sync.Map
	fetcher := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		seen.Store(url, opts.Headers.Get("Cookie"))
		if url == "http://h/outer" {
			return &Response{Body: `<esi:include src="/inner"/>`}, nil
		}
		return &Response{Body: "x"}, nil
	})
	p := mustNew(t, WithFetcher(fetcher), WithBaseURL("http://h"))

	mustProcess(t, p, `<esi:include src="/outer"/>`, WithHeaders(http.Header{"Cookie": {"session=1"}}))

	for _, url := range []string{"http://h/outer", "http://h/inner"} {
		if v, _ := seen.Load(url); v != "session=1" {
			t.Errorf("Fetch of %s got Cookie %v", url, v)
		}
	}
}

func TestProcessErrorDegradesToEmpty(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p := mustNew(t, WithBaseURL(server.URL))

	if got := mustProcess(t, p, `<esi:include src="/error"></esi:include>`); got != "" {
		t.Errorf("Process() = %q, want empty", got)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Errorf("failing include reached the upstream %d times, want 1", got)
	}
}

func TestProcessOnError(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	var calls int64
	onError := func(src string, err error) string {
		atomic.AddInt64(&calls, 1)
		if src != server.URL+"/error" {
			t.Errorf("onError src = %q", src)
		}
		if err.Error() != "HTTP error: status code 500" {
			t.Errorf("onError err = %q", err.Error())
		}
		if StatusCode(err) != http.StatusInternalServerError {
			t.Errorf("onError status = %d", StatusCode(err))
		}
		return "<div>something went wrong</div>"
	}
	p := mustNew(t, WithBaseURL(server.URL), WithOnError(onError), WithClientOptions(fastRetries(0)))

	if got := mustProcess(t, p, `<esi:include src="/error"></esi:include>`); got != "<div>something went wrong</div>" {
		t.Errorf("Process() = %q", got)
	}
	if calls != 1 {
		t.Errorf("onError called %d times, want 1", calls)
	}
}

func TestProcessFailureDoesNotAffectSiblings(t *testing.T) {
	fetcher := staticFetcher(map[string]string{"http://h/ok": "fine"}, nil)
	p := mustNew(t, WithFetcher(fetcher), WithBaseURL("http://h"), WithOnError(func(src string, err error) string {
		return "(" + src + ")"
	}))

	got := mustProcess(t, p, `<esi:include src="/ok"/>|<esi:include src="/gone"/>|<esi:include src="/ok"/>`)
	if got != "fine|(http://h/gone)|fine" {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcessTimeout(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
			_, _ = w.Write([]byte("this should not happen"))
		case <-r.Context().Done():
		}
	})
	p := mustNew(t, WithBaseURL(server.URL), WithClientOptions(WithTimeout(100*time.Millisecond)))

	start := time.Now()
	if got := mustProcess(t, p, `<esi:include src="/header">`); got != "" {
		t.Errorf("Process() = %q, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("Process() took %v, want about one timeout", elapsed)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Errorf("timed out include reached the upstream %d times, want 1", got)
	}
}

func TestProcessNilResponseIsFailure(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		return nil, nil
	})
	var gotErr error
	p := mustNew(t, WithFetcher(fetcher), WithBaseURL("http://h"), WithOnError(func(src string, err error) string {
		gotErr = err
		return "fallback"
	}))

	if got := mustProcess(t, p, `<esi:include src="/x"/>`); got != "fallback" {
		t.Errorf("Process() = %q", got)
	}
	if gotErr == nil {
		t.Error("onError should receive an error for a nil response")
	}
}

func TestProcessDisableCache(t *testing.T) {
	var count int64
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&count, 1) == 1 {
			_, _ = w.Write([]byte("hello"))
			return
		}
		_, _ = w.Write([]byte("world"))
	})
	p := mustNew(t, WithBaseURL(server.URL), WithCache(false))

	html := `<esi:include src="/cacheme"></esi:include>`
	if got := mustProcess(t, p, html); got != "hello" {
		t.Errorf("first Process() = %q", got)
	}
	if got := mustProcess(t, p, html); got != "world" {
		t.Errorf("second Process() = %q", got)
	}
}

func TestProcessSequentialCallsAreNotCached(t *testing.T) {
	url, hits := fragmentServer(t, "x")
	p := mustNew(t)

	for i := 0; i < 2; i++ {
		mustProcess(t, p, `<esi:include src="`+url+`"/>`)
	}
	if n := atomic.LoadInt64(hits); n != 2 {
		t.Errorf("Settled fetches must not be reused, got %d requests", n)
	}
}

func TestProcessDeduplicatesConcurrentCalls(t *testing.T) {
	for _, tt := range []struct {
		name  string
		cache bool
		want  int64
	}{
		{"enabled", true, 1},
		{"disabled", false, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newBlockingFetcher()
			p := mustNew(t, WithFetcher(f), WithBaseURL("http://h"), WithCache(tt.cache))

			var wg sync.WaitGroup
			results := make([]string, 2)
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], _ = p.Process(context.Background(), `<esi:include src="/same"/>`)
				}()
				if i == 0 {
					<-f.started
				}
			}
			time.Sleep(50 * time.Millisecond)
			close(f.release)
			wg.Wait()

			if n := atomic.LoadInt64(&f.calls); n != tt.want {
				t.Errorf("Expected %d fetches, got %d", tt.want, n)
			}
			for i, r := range results {
				if r != "body:http://h/same" {
					t.Errorf("result %d = %q", i, r)
				}
			}
		})
	}
}

func TestProcessDeduplicatesWithinOnePass(t *testing.T) {
	var calls int64
	f := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return &Response{Body: "nav"}, nil
	})
	p := mustNew(t, WithFetcher(f), WithBaseURL("http://h"))

	got := mustProcess(t, p, `<esi:include src="/nav"/><esi:include src="/nav"/><esi:include src="nav"/>`)
	if got != "navnavnav" {
		t.Errorf("Process() = %q", got)
	}
	if calls != 1 {
		t.Errorf("Expected 1 fetch for identical sources, got %d", calls)
	}
}

func TestProcessMaxConcurrency(t *testing.T) {
	var current, peak int64
	f := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return &Response{Body: "."}, nil
	})
	p := mustNew(t, WithFetcher(f), WithBaseURL("http://h"), WithMaxConcurrency(2))

	var b strings.Builder
	for _, src := range []string{"a", "b", "c", "d", "e", "f"} {
		b.WriteString(`<esi:include src="/` + src + `"/>`)
	}
	if got := mustProcess(t, p, b.String()); got != "......" {
		t.Errorf("Process() = %q", got)
	}
	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, saw %d", peak)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	var calls int64
	p := mustNew(t, WithFetcher(staticFetcher(map[string]string{"http://h/x": "x"}, &calls)), WithBaseURL("http://h"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := p.Process(ctx, `<esi:include src="/x"/>`)
	if !errors.Is(err, context.Canceled) || out != "" {
		t.Errorf("Process() = %q, %v; want context.Canceled", out, err)
	}
	if calls != 0 {
		t.Errorf("No fetch should be issued after cancellation, got %d", calls)
	}

	out, err = p.Process(ctx, "<p>static</p>")
	if err != nil || out != "<p>static</p>" {
		t.Errorf("Documents without directives need no context, got %q, %v", out, err)
	}
}

func TestProcessRequestID(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	f := FetcherFunc(func(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
		seen = requestIDFromContext(ctx)
		return nil, errors.New("unreachable")
	})
	p := mustNew(t,
		WithFetcher(f),
		WithBaseURL("http://h"),
		WithLogOutput(&buf),
		WithRequestIDGenerator(func() string { return "req-7" }),
	)

	mustProcess(t, p, `<esi:include src="/x"/>`)

	if seen != "req-7" {
		t.Errorf("Fetcher saw request ID %q", seen)
	}
	if !strings.Contains(buf.String(), "request_id=req-7") || !strings.Contains(buf.String(), "include failed") {
		t.Errorf("Expected failed include to be logged with the request ID, got %q", buf.String())
	}
}

func TestProcessMetrics(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	var calls int64
	f := staticFetcher(map[string]string{
		"http://h/self": `<esi:include src="/self"/>`,
	}, &calls)
	p := mustNew(t, WithFetcher(f), WithBaseURL("http://h"), WithMaxDepth(1), WithMetricsCollector(collector))

	mustProcess(t, p, `<esi:include src="/self"/><esi:include src="/gone"/>`)

	if got := testutil.ToFloat64(collector.includesTotal.WithLabelValues(IncludeFetched)); got != 2 {
		t.Errorf("fetched includes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.includesTotal.WithLabelValues(IncludeFailed)); got != 1 {
		t.Errorf("failed includes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.includesTotal.WithLabelValues(IncludeDropped)); got != 1 {
		t.Errorf("dropped includes = %v, want 1", got)
	}
}

func TestLoggerWrite(t *testing.T) {
	var buf bytes.Buffer
	p := mustNew(t, WithLogOutput(&buf))

	p.Logger().(*SinkLogger).Write("test")
	if buf.String() != "test" {
		t.Errorf("log output = %q, want test", buf.String())
	}
}

func TestLoggerWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esi.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	defer f.Close()

	p := mustNew(t, WithLogOutput(f))
	p.Logger().(*SinkLogger).Write("0.123456")

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() returned error: %v", err)
	}
	if string(contents) != "0.123456" {
		t.Errorf("file contents = %q", contents)
	}
}
