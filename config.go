package getext

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/binaryscraping/getext/internal/backoff"
)

// EnvPrefix prefixes environment variables read by LoadConfig. Nested keys
// use underscores: GETEXT_RETRY_MAX=5 sets retry.max.
const EnvPrefix = "GETEXT_"

// Config is the file and environment representation of a client.
type Config struct {
	BaseURL     string            `koanf:"baseurl"`
	Timeout     time.Duration     `koanf:"timeout"`
	Headers     map[string]string `koanf:"headers"`
	RequestID   bool              `koanf:"requestid"`
	Deduplicate bool              `koanf:"deduplicate"`
	Metrics     bool              `koanf:"metrics"`

	Retry          RetryConfig     `koanf:"retry"`
	RateLimit      RateLimitConfig `koanf:"ratelimit"`
	CircuitBreaker CircuitConfig   `koanf:"circuitbreaker"`
	Log            LogConfig       `koanf:"log"`
}

// RetryConfig configures the RetryPolicy delegate and the client backoff.
type RetryConfig struct {
	Max            int           `koanf:"max"`
	InitialBackoff time.Duration `koanf:"initialbackoff"`
	MaxBackoff     time.Duration `koanf:"maxbackoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         float64       `koanf:"jitter"`
	Strategy       string        `koanf:"strategy"`
	Budget         BudgetConfig  `koanf:"budget"`
}

// BudgetConfig bounds retries across requests. Zero Count disables it.
type BudgetConfig struct {
	Count  int           `koanf:"count"`
	Window time.Duration `koanf:"window"`
}

// RateLimitConfig configures the RateLimiter delegate.
type RateLimitConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Tokens   int           `koanf:"tokens"`
	Refill   time.Duration `koanf:"refill"`
	PerHost  bool          `koanf:"perhost"`
	FailFast bool          `koanf:"failfast"`
}

// CircuitConfig configures the CircuitBreaker delegate.
type CircuitConfig struct {
	Enabled              bool `koanf:"enabled"`
	CircuitBreakerConfig `koanf:",squash"`
}

// LogConfig configures debug logging.
type LogConfig struct {
	Debug  bool   `koanf:"debug"`
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaultConfigMap() map[string]any {
	return map[string]any{
		"timeout":                         "30s",
		"requestid":                       false,
		"deduplicate":                     false,
		"metrics":                         false,
		"retry.max":                       3,
		"retry.initialbackoff":            "100ms",
		"retry.maxbackoff":                "10s",
		"retry.multiplier":                2.0,
		"retry.jitter":                    0.1,
		"retry.strategy":                  "exponential",
		"retry.budget.count":              0,
		"retry.budget.window":             "1m",
		"ratelimit.enabled":               false,
		"ratelimit.tokens":                10,
		"ratelimit.refill":                "100ms",
		"ratelimit.perhost":               false,
		"ratelimit.failfast":              false,
		"circuitbreaker.enabled":          false,
		"circuitbreaker.failurethreshold": 5,
		"circuitbreaker.recoverytimeout":  "60s",
		"circuitbreaker.successthreshold": 2,
		"log.debug":                       false,
		"log.level":                       "debug",
		"log.pretty":                      false,
	}
}

// LoadConfig reads configuration with priority, lowest first: built-in
// defaults, the YAML file at path (skipped when path is empty), then
// GETEXT_ environment variables.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("baseurl %q must be an absolute URL", cfg.BaseURL))
		}
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if cfg.Retry.Max < 0 {
		errs = append(errs, errors.New("retry.max must be non-negative"))
	}
	if _, err := backoff.Parse(cfg.Retry.Strategy); err != nil {
		errs = append(errs, err)
	}
	if cfg.Retry.Budget.Count > 0 && cfg.Retry.Budget.Window <= 0 {
		errs = append(errs, errors.New("retry.budget.window must be positive"))
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Tokens <= 0 {
		errs = append(errs, errors.New("ratelimit.tokens must be positive"))
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// Options converts cfg into client options. Delegates are added in a fixed
// order: request id, headers, rate limiter, circuit breaker, status
// validation, retry policy. The breaker precedes the status validator so it
// observes 5xx responses before validation rejects them.
func (cfg *Config) Options() []Option {
	opts := []Option{
		WithTimeout(cfg.Timeout),
		WithMaxRetries(cfg.Retry.Max),
		WithInitialBackoff(cfg.Retry.InitialBackoff),
		WithMaxBackoff(cfg.Retry.MaxBackoff),
		WithBackoffMultiplier(cfg.Retry.Multiplier),
		WithJitter(cfg.Retry.Jitter),
		WithBackoffStrategy(cfg.Retry.Strategy),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestID {
		opts = append(opts, WithDelegate(NewRequestIDDelegate()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, WithDelegate(NewHeaderDelegate(cfg.Headers)))
	}
	if cfg.RateLimit.Enabled {
		var rlOpts []RateLimiterOption
		if cfg.RateLimit.PerHost {
			rlOpts = append(rlOpts, PerKey(DefaultHostKeyFunc))
		}
		if cfg.RateLimit.FailFast {
			rlOpts = append(rlOpts, FailFast())
		}
		opts = append(opts, WithDelegate(NewRateLimiter(cfg.RateLimit.Tokens, cfg.RateLimit.Refill, rlOpts...)))
	}
	if cfg.CircuitBreaker.Enabled {
		opts = append(opts, WithCircuitBreaker(cfg.CircuitBreaker.CircuitBreakerConfig))
	}
	opts = append(opts, WithStatusValidation())
	if cfg.Retry.Max > 0 {
		var policyOpts []RetryPolicyOption
		if cfg.Retry.Budget.Count > 0 {
			policyOpts = append(policyOpts, WithRetryBudget(NewRetryBudget(cfg.Retry.Budget.Count, cfg.Retry.Budget.Window)))
		}
		opts = append(opts, WithDelegate(NewRetryPolicy(cfg.Retry.Max, policyOpts...)))
	}

	if cfg.Deduplicate {
		opts = append(opts, WithDeduplication())
	}
	if cfg.Metrics {
		opts = append(opts, WithMetrics())
	}
	if cfg.Log.Debug {
		opts = append(opts, WithDebug(), WithLogger(cfg.logger()))
	}

	return opts
}

func (cfg *Config) logger() Logger {
	if cfg.Log.Pretty {
		return NewWriterLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, cfg.Log.Level)
	}
	return NewWriterLogger(os.Stderr, cfg.Log.Level)
}

// NewFromConfig builds a client from cfg. opts are applied after the
// configuration and can override it.
func NewFromConfig(cfg *Config, opts ...Option) *Client {
	return New(append(cfg.Options(), opts...)...)
}
