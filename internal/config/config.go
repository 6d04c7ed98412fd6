// Package config loads and validates agent configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stevehiehn/testagent/internal/retry"
	"github.com/stevehiehn/testagent/internal/storage"
)

// Config holds all agent configuration.
type Config struct {
	// Logging.
	LogLevel  string // debug, info, warn or error
	LogFormat string // text or json

	// Event publication.
	EventSink        string // file://, http(s):// or postgres:// URL
	EventSinkToken   string // sent as a bearer token to http sinks
	EventSinkTimeout time.Duration
	Parallelism      int

	// Retry policy shared by event sends and artifact stores.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	RetryCeiling   time.Duration

	// Process supervision.
	KillGrace      time.Duration
	DrainGrace     time.Duration // output drain window after the command exits
	DefaultTimeout time.Duration // applied when a job declares none; 0 disables

	// Artifact storage.
	Storage string // file://<dir> or s3://<bucket>/<prefix>
	S3      storage.S3Config

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Verdict rules applied when a job declares none.
	VerdictRulesFile string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	policy := retry.DefaultPolicy()
	cfg := Config{
		LogLevel:         envStr("TESTAGENT_LOG_LEVEL", "info"),
		LogFormat:        envStr("TESTAGENT_LOG_FORMAT", "text"),
		EventSink:        envStr("TESTAGENT_EVENT_SINK", "file://.testagent/events.jsonl"),
		EventSinkToken:   envStr("TESTAGENT_EVENT_SINK_TOKEN", ""),
		EventSinkTimeout: durVar("TESTAGENT_EVENT_SINK_TIMEOUT", 10*time.Second),
		Parallelism:      intVar("TESTAGENT_PUBLISH_PARALLELISM", 4),
		RetryAttempts:    intVar("TESTAGENT_RETRY_ATTEMPTS", policy.MaxAttempts),
		RetryBaseDelay:   durVar("TESTAGENT_RETRY_BASE_DELAY", policy.BaseDelay),
		RetryMaxDelay:    durVar("TESTAGENT_RETRY_MAX_DELAY", policy.MaxDelay),
		RetryJitter:      floatVar("TESTAGENT_RETRY_JITTER", policy.Jitter),
		RetryCeiling:     durVar("TESTAGENT_RETRY_CEILING", policy.Ceiling),
		KillGrace:        durVar("TESTAGENT_KILL_GRACE", 5*time.Second),
		DrainGrace:       durVar("TESTAGENT_DRAIN_GRACE", 2*time.Second),
		DefaultTimeout:   durVar("TESTAGENT_DEFAULT_TIMEOUT", 0),
		Storage:          envStr("TESTAGENT_STORAGE", "file://.testagent"),
		S3: storage.S3Config{
			Endpoint:  envStr("TESTAGENT_S3_ENDPOINT", "localhost:9000"),
			AccessKey: envStr("TESTAGENT_S3_ACCESS_KEY", ""),
			SecretKey: envStr("TESTAGENT_S3_SECRET_KEY", ""),
			Region:    envStr("TESTAGENT_S3_REGION", "us-east-1"),
			UseSSL:    boolVar("TESTAGENT_S3_USE_SSL", false),
		},
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:     boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "testagent"),
		VerdictRulesFile: envStr("TESTAGENT_VERDICT_RULES", ""),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: TESTAGENT_LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: TESTAGENT_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.EventSink == "" {
		return fmt.Errorf("config: TESTAGENT_EVENT_SINK is required")
	}
	if c.Storage == "" {
		return fmt.Errorf("config: TESTAGENT_STORAGE is required")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("config: TESTAGENT_PUBLISH_PARALLELISM must be positive")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("config: TESTAGENT_KILL_GRACE must be positive")
	}
	if c.DrainGrace <= 0 {
		return fmt.Errorf("config: TESTAGENT_DRAIN_GRACE must be positive")
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("config: TESTAGENT_DEFAULT_TIMEOUT must not be negative")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.HasPrefix(c.Storage, "s3://") {
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("config: s3 storage: %w", err)
		}
	}
	return nil
}

// RetryPolicy builds the shared retry policy.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryAttempts
	p.BaseDelay = c.RetryBaseDelay
	p.MaxDelay = c.RetryMaxDelay
	p.Jitter = c.RetryJitter
	p.Ceiling = c.RetryCeiling
	return p
}

// SinkHeaders returns the headers sent to http sinks.
func (c Config) SinkHeaders() map[string]string {
	if c.EventSinkToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.EventSinkToken}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
