package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/esi"
	"github.com/ambiyansyah-risyal/esi/internal/config"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listen      string
	upstream    string
	metricsPath string
	watch       bool
}

func newServeCommand(g *globalOptions) *cobra.Command {
	o := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an assembling reverse proxy",
		Long: `Proxies requests to the upstream origin and resolves the includes of every
HTML page it returns. Metrics are served on the metrics path.

With --config the file is watched and the processor is rebuilt whenever it
changes. Listen address and metrics path only take effect on restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, g, o)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.listen, "listen", ":8080", "address to listen on")
	flags.StringVar(&o.upstream, "upstream", "", "origin URL pages are fetched from")
	flags.StringVar(&o.metricsPath, "metrics-path", "/metrics", "path serving Prometheus metrics")
	flags.BoolVar(&o.watch, "watch", true, "reload the configuration file when it changes")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalOptions, o *serveOptions) error {
	load := func() (*config.Config, error) {
		cfg, err := g.loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Server.Listen = o.listen
		}
		if flags.Changed("upstream") {
			cfg.Server.Upstream = o.upstream
		}
		if flags.Changed("metrics-path") {
			cfg.Server.MetricsPath = o.metricsPath
		}
		return cfg, cfg.Validate()
	}

	cfg, err := load()
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := esi.NewMetricsCollectorWithRegistry(registry)

	s, err := newServer(cfg, load, logger, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if g.configPath != "" && o.watch {
		w, path, err := watchFile(g.configPath)
		if err != nil {
			return err
		}
		defer w.Close()
		go s.reloadOnChange(ctx, w, path)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", s)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("serving", "listen", cfg.Server.Listen, "upstream", cfg.Server.Upstream, "metrics", cfg.Server.MetricsPath)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// server assembles pages proxied from the upstream. Its configuration can be
// swapped while requests are in flight.
type server struct {
	current atomic.Pointer[assembly]
	load    func() (*config.Config, error)
	logger  esi.Logger
	metrics *esi.MetricsCollector
}

// assembly is one generation of the server's configuration.
type assembly struct {
	processor *esi.Processor
	handler   http.Handler
}

func newServer(cfg *config.Config, load func() (*config.Config, error), logger esi.Logger, metrics *esi.MetricsCollector) (*server, error) {
	s := &server{load: load, logger: logger, metrics: metrics}
	a, err := s.assemble(cfg)
	if err != nil {
		return nil, err
	}
	s.current.Store(a)
	return s, nil
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().handler.ServeHTTP(w, r)
}

func (s *server) assemble(cfg *config.Config) (*assembly, error) {
	if cfg.Server.Upstream == "" {
		return nil, errors.New("an upstream URL is required, set --upstream or server.upstream")
	}
	upstream, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}

	p, err := buildProcessor(cfg, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}

	proxy := s.newProxy(upstream)
	return &assembly{
		processor: p,
		handler:   esi.Middleware(p, esi.WithForwardHeaders(cfg.Server.ForwardHeaders...))(proxy),
	}, nil
}

func (s *server) newProxy(upstream *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		// Pages must arrive uncompressed to be assembled.
		r.Header.Del("Accept-Encoding")
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

// reload rebuilds the processor from the configuration source. On failure
// the running configuration stays in place.
func (s *server) reload() error {
	cfg, err := s.load()
	if err != nil {
		s.logger.Warn("config reload failed, keeping current configuration", "error", err)
		return err
	}
	a, err := s.assemble(cfg)
	if err != nil {
		s.logger.Warn("config reload failed, keeping current configuration", "error", err)
		return err
	}
	s.current.Store(a)
	s.logger.Info("configuration reloaded", "upstream", cfg.Server.Upstream, "base_url", cfg.BaseURL)
	return nil
}

// watchFile watches the directory of path, so that editors replacing the
// file are noticed too.
func watchFile(path string) (*fsnotify.Watcher, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, "", fmt.Errorf("failed to watch config: %w", err)
	}
	return w, abs, nil
}

func (s *server) reloadOnChange(ctx context.Context, w *fsnotify.Watcher, path string) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			_ = s.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}
