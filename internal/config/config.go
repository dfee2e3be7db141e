package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig
	Hub        HubConfig
	Metrics    MetricsConfig
	Prometheus PrometheusConfig
	Intervals  IntervalsConfig
	Retry      RetryConfig
	Store      StoreConfig
	Telemetry  TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

// HubConfig configures JupyterHub API access.
type HubConfig struct {
	URL      string
	APIToken string
}

// MetricsConfig configures the exported gauge families.
type MetricsConfig struct {
	Prefix            string
	Namespace         string
	AllowedGroups     []string
	DoubleCount       bool
	DefaultGroupLabel string
}

// PrometheusConfig configures the usage query backend.
type PrometheusConfig struct {
	URL string `yaml:"url"`
}

// IntervalsConfig contains per-task refresh intervals.
type IntervalsConfig struct {
	Membership time.Duration
	Usage      time.Duration
	Storage    time.Duration
}

// RetryConfig configures upstream fetch retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StoreConfig configures the membership snapshot store.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyNamespace  string `yaml:"key_namespace"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result. The hub API
// token falls back to JUPYTERHUB_API_TOKEN when not present in the file.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if cfg.Hub.APIToken == "" {
		cfg.Hub.APIToken = os.Getenv("JUPYTERHUB_API_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, "server.metrics_path must start with /")
	}

	if c.Hub.URL == "" {
		errs = append(errs, "hub.url is required")
	}
	if c.Hub.APIToken == "" {
		errs = append(errs, "hub.api_token is required (or set JUPYTERHUB_API_TOKEN)")
	}

	if c.Prometheus.URL == "" {
		errs = append(errs, "prometheus.url is required")
	}

	if c.Metrics.DefaultGroupLabel == "" {
		errs = append(errs, "metrics.default_group_label must not be empty")
	}
	seenGroups := make(map[string]struct{}, len(c.Metrics.AllowedGroups))
	for _, group := range c.Metrics.AllowedGroups {
		if group == "" {
			errs = append(errs, "metrics.allowed_groups must not contain empty names")
			continue
		}
		if _, ok := seenGroups[group]; ok {
			errs = append(errs, "metrics.allowed_groups contains duplicate group: "+group)
		}
		seenGroups[group] = struct{}{}
	}

	if c.Intervals.Membership <= 0 {
		errs = append(errs, "intervals.membership must be > 0")
	}
	if c.Intervals.Usage <= 0 {
		errs = append(errs, "intervals.usage must be > 0")
	}
	if c.Intervals.Storage <= 0 {
		errs = append(errs, "intervals.storage must be > 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.InitialBackoff <= 0 {
		errs = append(errs, "retry.initial_backoff must be > 0")
	}

	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		errs = append(errs, "store.backend must be memory or redis")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required when store.backend=redis")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":9090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics/user-groups"
	}
	if cfg.Metrics.Prefix == "" {
		cfg.Metrics.Prefix = "jupyterhub"
	}
	if cfg.Metrics.DefaultGroupLabel == "" {
		cfg.Metrics.DefaultGroupLabel = "multiple"
	}
	if cfg.Intervals.Membership <= 0 {
		cfg.Intervals.Membership = time.Hour
	}
	if cfg.Intervals.Usage <= 0 {
		cfg.Intervals.Usage = 5 * time.Minute
	}
	if cfg.Intervals.Storage <= 0 {
		cfg.Intervals.Storage = time.Hour
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 8
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 2 * time.Minute
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.KeyNamespace == "" {
		cfg.Store.KeyNamespace = "groups-exporter"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Hub        rawHub           `yaml:"hub"`
	Metrics    rawMetrics       `yaml:"metrics"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Intervals  rawIntervals     `yaml:"intervals"`
	Retry      rawRetry         `yaml:"retry"`
	Store      StoreConfig      `yaml:"store"`
	Telemetry  rawTelemetry     `yaml:"telemetry"`
}

type rawHub struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"api_token"`
}

type rawMetrics struct {
	Prefix            string   `yaml:"prefix"`
	Namespace         string   `yaml:"namespace"`
	AllowedGroups     []string `yaml:"allowed_groups"`
	DoubleCount       *bool    `yaml:"double_count"`
	DefaultGroupLabel string   `yaml:"default_group_label"`
}

type rawIntervals struct {
	Membership duration `yaml:"membership"`
	Usage      duration `yaml:"usage"`
	Storage    duration `yaml:"storage"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	// Double counting defaults to on; only an explicit false disables it.
	doubleCount := true
	if r.Metrics.DoubleCount != nil {
		doubleCount = *r.Metrics.DoubleCount
	}

	return &Config{
		Server: r.Server,
		Hub: HubConfig{
			URL:      strings.TrimRight(r.Hub.URL, "/"),
			APIToken: r.Hub.APIToken,
		},
		Metrics: MetricsConfig{
			Prefix:            r.Metrics.Prefix,
			Namespace:         r.Metrics.Namespace,
			AllowedGroups:     r.Metrics.AllowedGroups,
			DoubleCount:       doubleCount,
			DefaultGroupLabel: r.Metrics.DefaultGroupLabel,
		},
		Prometheus: PrometheusConfig{
			URL: strings.TrimRight(r.Prometheus.URL, "/"),
		},
		Intervals: IntervalsConfig{
			Membership: r.Intervals.Membership.Duration,
			Usage:      r.Intervals.Usage.Duration,
			Storage:    r.Intervals.Storage.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Store: r.Store,
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
