// Package config loads, validates, and normalises fixture refresher configuration.
//
// Values are layered: defaults, then YAML files, then environment variables.
// The CLI applies flag overrides on top of the loaded result.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theroutercompany/fixturerefresh/pkg/log"
)

const (
	defaultRoot         = "../data/mocks/"
	defaultBaseURL      = "https://data.getty.edu/"
	defaultHTTPTimeout  = 30 * time.Second
	defaultUserAgent    = "fixturerefresh/1"
	defaultConcurrency  = 1
	defaultRateBurst    = 1
	defaultLogLevel     = "info"
	defaultConfigEnvVar = "FIXTURE_CONFIG"
	envRoot             = "FIXTURE_ROOT"
	envBaseURL          = "FIXTURE_BASE_URL"
	envHTTPTimeout      = "FIXTURE_HTTP_TIMEOUT_MS"
	envUserAgent        = "FIXTURE_USER_AGENT"
	envConcurrency      = "FIXTURE_CONCURRENCY"
	envRateInterval     = "FIXTURE_RATE_INTERVAL_MS"
	envRateBurst        = "FIXTURE_RATE_BURST"
	envIndent           = "FIXTURE_INDENT"
	envDryRun           = "FIXTURE_DRY_RUN"
	envLogLevel         = "LOG_LEVEL"
	envMetricsTextfile  = "FIXTURE_METRICS_TEXTFILE"
)

// Config captures everything a refresh run needs.
type Config struct {
	Root        string          `yaml:"root"`
	BaseURL     string          `yaml:"baseURL"`
	HTTP        HTTPConfig      `yaml:"http"`
	Concurrency int             `yaml:"concurrency"`
	RateLimit   RateLimitConfig `yaml:"rateLimit"`
	Indent      string          `yaml:"indent"`
	DryRun      bool            `yaml:"dryRun"`
	Log         LogConfig       `yaml:"log"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// HTTPConfig configures the outbound client.
type HTTPConfig struct {
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"userAgent"`
}

// RateLimitConfig spaces upstream requests. A zero interval disables limiting.
type RateLimitConfig struct {
	Interval Duration `yaml:"interval"`
	Burst    int      `yaml:"burst"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig points at an optional node-exporter textfile.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Duration is a YAML-friendly wrapper over time.Duration supporting numeric millisecond inputs.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// UnmarshalYAML decodes scalar duration values from either Go duration strings or millisecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}

	txt := strings.TrimSpace(value.Value)
	if txt == "" {
		*d = Duration(0)
		return nil
	}
	if ms, err := strconv.Atoi(txt); err == nil {
		if ms < 0 {
			return fmt.Errorf("duration must be non-negative, got %d", ms)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(txt)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", txt, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be non-negative, got %s", parsed)
	}
	*d = Duration(parsed)
	return nil
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Root:    defaultRoot,
		BaseURL: defaultBaseURL,
		HTTP: HTTPConfig{
			Timeout:   DurationFrom(defaultHTTPTimeout),
			UserAgent: defaultUserAgent,
		},
		Concurrency: defaultConcurrency,
		RateLimit: RateLimitConfig{
			Burst: defaultRateBurst,
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	lookupEnv func(string) (string, bool)
	overrides []func(*Config)
}

// WithPath adds a YAML config path to attempt loading.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function (useful for tests).
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// WithOverride applies fn after environment overrides and before validation.
// The CLI uses it for flags.
func WithOverride(fn func(*Config)) Option {
	return func(o *loaderOptions) {
		if fn != nil {
			o.overrides = append(o.overrides, fn)
		}
	}
}

// Load builds a Config from defaults, YAML files, environment variables and
// overrides (in that order).
// Explicit paths must exist; the FIXTURE_CONFIG path is skipped when missing.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.lookupEnv == nil {
		options.lookupEnv = os.LookupEnv
	}

	cfg := Default()

	if envPath, ok := options.lookupEnv(defaultConfigEnvVar); ok && strings.TrimSpace(envPath) != "" {
		data, err := os.ReadFile(strings.TrimSpace(envPath))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", envPath, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %q: %w", envPath, err)
			}
		}
	}
	for _, path := range options.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}

	for _, override := range options.overrides {
		override(&cfg)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if val, ok := lookup(envRoot); ok && strings.TrimSpace(val) != "" {
		cfg.Root = strings.TrimSpace(val)
	}

	if val, ok := lookup(envBaseURL); ok && strings.TrimSpace(val) != "" {
		cfg.BaseURL = strings.TrimSpace(val)
	}

	if val, ok := lookup(envHTTPTimeout); ok && strings.TrimSpace(val) != "" {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envHTTPTimeout, err)
		}
		cfg.HTTP.Timeout = DurationFrom(timeout)
	}

	if val, ok := lookup(envUserAgent); ok && strings.TrimSpace(val) != "" {
		cfg.HTTP.UserAgent = strings.TrimSpace(val)
	}

	if val, ok := lookup(envConcurrency); ok && strings.TrimSpace(val) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s: %s", envConcurrency, val)
		}
		cfg.Concurrency = n
	}

	if val, ok := lookup(envRateInterval); ok && strings.TrimSpace(val) != "" {
		interval, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envRateInterval, err)
		}
		cfg.RateLimit.Interval = DurationFrom(interval)
	}

	if val, ok := lookup(envRateBurst); ok && strings.TrimSpace(val) != "" {
		burst, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || burst <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateBurst, val)
		}
		cfg.RateLimit.Burst = burst
	}

	if val, ok := lookup(envIndent); ok {
		cfg.Indent = val
	}

	if val, ok := lookup(envDryRun); ok && strings.TrimSpace(val) != "" {
		dryRun, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	if val, ok := lookup(envLogLevel); ok && strings.TrimSpace(val) != "" {
		cfg.Log.Level = strings.TrimSpace(val)
	}

	if val, ok := lookup(envMetricsTextfile); ok && strings.TrimSpace(val) != "" {
		cfg.Metrics.Textfile = strings.TrimSpace(val)
	}

	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() {
	if strings.TrimSpace(cfg.BaseURL) != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.HTTP.Timeout.AsDuration() <= 0 {
		cfg.HTTP.Timeout = DurationFrom(defaultHTTPTimeout)
	}
	if strings.TrimSpace(cfg.HTTP.UserAgent) == "" {
		cfg.HTTP.UserAgent = defaultUserAgent
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = defaultLogLevel
	}
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if strings.TrimSpace(cfg.Root) == "" {
		errs = append(errs, fmt.Errorf("root must not be empty"))
	}
	if cfg.BaseURL == "" {
		errs = append(errs, fmt.Errorf("baseURL must not be empty"))
	} else if u, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("baseURL invalid: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("baseURL must use http or https, got %q", u.Scheme))
	}
	if cfg.HTTP.Timeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive"))
	}
	if cfg.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive"))
	}
	if cfg.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.burst must be positive"))
	}
	if strings.TrimSpace(cfg.Indent) != "" {
		errs = append(errs, fmt.Errorf("indent must contain only whitespace"))
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func parsePositiveDurationMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
