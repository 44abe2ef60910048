// Package config loads esi command configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/esi"
	"github.com/ambiyansyah-risyal/esi/internal/backoff"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Config is the complete esi command configuration.
type Config struct {
	// BaseURL is joined to relative include sources.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// MaxDepth is the number of nested include levels fetched.
	MaxDepth int `yaml:"max_depth" toml:"max_depth"`
	// Cache merges concurrent identical fetches.
	Cache bool `yaml:"cache" toml:"cache"`
	// MaxConcurrency bounds fetches per pass, 0 is unbounded.
	MaxConcurrency int `yaml:"max_concurrency" toml:"max_concurrency"`
	// Headers are sent with every fragment request.
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Debug   bool              `yaml:"debug" toml:"debug"`
	LogFile string            `yaml:"log_file" toml:"log_file"`

	Client ClientConfig `yaml:"client" toml:"client"`
	Server ServerConfig `yaml:"server" toml:"server"`
}

// ClientConfig configures the fragment HTTP client.
type ClientConfig struct {
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries        int      `yaml:"max_retries" toml:"max_retries"`
	BackoffStrategy   string   `yaml:"backoff_strategy" toml:"backoff_strategy"`
	InitialBackoff    Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	Jitter            float64  `yaml:"jitter" toml:"jitter"`
	// ResponseCacheTTL enables the response cache when positive.
	ResponseCacheTTL Duration `yaml:"response_cache_ttl" toml:"response_cache_ttl"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
	UserAgent        string   `yaml:"user_agent" toml:"user_agent"`

	RateLimit      RateLimitConfig      `yaml:"rate_limit" toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// RateLimitConfig enables per-host rate limiting when Requests is positive.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" toml:"requests"`
	Per      Duration `yaml:"per" toml:"per"`
}

// CircuitBreakerConfig enables per-host circuit breaking when
// FailureThreshold is positive.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" toml:"recovery_timeout"`
	SuccessThreshold int      `yaml:"success_threshold" toml:"success_threshold"`
}

// ServerConfig configures esi serve.
type ServerConfig struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	Upstream       string   `yaml:"upstream" toml:"upstream"`
	MetricsPath    string   `yaml:"metrics_path" toml:"metrics_path"`
	ForwardHeaders []string `yaml:"forward_headers" toml:"forward_headers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MaxDepth: esi.DefaultMaxDepth,
		Cache:    true,
		Client: ClientConfig{
			Timeout:           Duration(10 * time.Second),
			MaxRetries:        0,
			BackoffStrategy:   "exponential",
			InitialBackoff:    Duration(50 * time.Millisecond),
			MaxBackoff:        Duration(time.Second),
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			MaxBodyBytes:      esi.DefaultMaxBodyBytes,
			CircuitBreaker: CircuitBreakerConfig{
				RecoveryTimeout:  Duration(60 * time.Second),
				SuccessThreshold: 2,
			},
		},
		Server: ServerConfig{
			Listen:         ":8080",
			MetricsPath:    "/metrics",
			ForwardHeaders: append([]string(nil), esi.DefaultForwardHeaders...),
		},
	}
}

// Load reads a configuration file, choosing the syntax by extension, on top
// of Default.
func Load(path string) (*Config, error) {
	format, err := formatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func formatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url %q must be an absolute URL", c.BaseURL))
		}
	}
	if c.MaxDepth < 0 {
		errs = append(errs, errors.New("max_depth must be non-negative"))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, errors.New("max_concurrency must be non-negative"))
	}
	if c.Client.Timeout <= 0 {
		errs = append(errs, errors.New("client.timeout must be positive"))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, errors.New("client.max_retries must be non-negative"))
	}
	if _, err := backoff.ForName(c.Client.BackoffStrategy); err != nil {
		errs = append(errs, fmt.Errorf("client.backoff_strategy: %w", err))
	}
	if c.Client.ResponseCacheTTL < 0 {
		errs = append(errs, errors.New("client.response_cache_ttl must be non-negative"))
	}
	if c.Client.RateLimit.Requests > 0 && c.Client.RateLimit.Per <= 0 {
		errs = append(errs, errors.New("client.rate_limit.per must be positive when requests is set"))
	}
	if c.Server.Upstream != "" {
		if u, err := url.Parse(c.Server.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.upstream %q must be an absolute URL", c.Server.Upstream))
		}
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, errors.New("server.metrics_path must start with /"))
	}

	return errors.Join(errs...)
}

// Options converts the configuration into processor options. Logging is left
// to the caller since it owns the log file.
func (c *Config) Options() []esi.Option {
	opts := []esi.Option{
		esi.WithMaxDepth(c.MaxDepth),
		esi.WithCache(c.Cache),
		esi.WithMaxConcurrency(c.MaxConcurrency),
		esi.WithClientOptions(c.ClientOptions()...),
	}
	if c.BaseURL != "" {
		opts = append(opts, esi.WithBaseURL(c.BaseURL))
	}
	if c.Debug {
		opts = append(opts, esi.WithDebug())
	}
	return opts
}

// ClientOptions converts the client section into fragment client options.
func (c *Config) ClientOptions() []esi.ClientOption {
	cc := c.Client
	strategy, err := backoff.ForName(cc.BackoffStrategy)
	if err != nil {
		strategy = backoff.ExponentialJitter{}
	}

	opts := []esi.ClientOption{
		esi.WithTimeout(cc.Timeout.Duration()),
		esi.WithMaxRetries(cc.MaxRetries),
		esi.WithBackoff(cc.InitialBackoff.Duration(), cc.MaxBackoff.Duration(), cc.BackoffMultiplier, cc.Jitter),
		esi.WithBackoffStrategy(strategy),
		esi.WithMaxBodyBytes(cc.MaxBodyBytes),
	}
	if cc.UserAgent != "" {
		opts = append(opts, esi.WithUserAgent(cc.UserAgent))
	}
	if len(c.Headers) > 0 {
		headers := make(map[string][]string, len(c.Headers))
		for name, value := range c.Headers {
			headers[name] = []string{value}
		}
		opts = append(opts, esi.WithDefaultHeaders(headers))
	}
	if cc.ResponseCacheTTL > 0 {
		opts = append(opts, esi.WithResponseCache(cc.ResponseCacheTTL.Duration()))
	}
	if cc.RateLimit.Requests > 0 {
		opts = append(opts, esi.WithRateLimit(cc.RateLimit.Requests, cc.RateLimit.Per.Duration()))
	}
	if cc.CircuitBreaker.FailureThreshold > 0 {
		opts = append(opts, esi.WithCircuitBreaker(esi.CircuitBreakerConfig{
			FailureThreshold: cc.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cc.CircuitBreaker.RecoveryTimeout.Duration(),
			SuccessThreshold: cc.CircuitBreaker.SuccessThreshold,
		}))
	}
	return opts
}
