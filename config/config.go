// Package config loads idempotency guard settings from YAML.
// Environment variables in the form ${VAR_NAME} are expanded before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	idempotency "github.com/AnandSundar/idempotency-guard"
	"github.com/AnandSundar/idempotency-guard/alert"
	"github.com/AnandSundar/idempotency-guard/telemetry"
)

var validate = validator.New()

// Config is the complete guard configuration. ttl and processing_ttl are
// minutes, lock_timeout and lock_wait are seconds, size_warning is bytes.
type Config struct {
	Enabled            bool     `yaml:"enabled"`
	Methods            []string `yaml:"methods" validate:"min=1,dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	TTL                int      `yaml:"ttl" validate:"min=1"`
	AlertThreshold     int      `yaml:"alert_threshold" validate:"min=1"`
	SizeWarning        int      `yaml:"size_warning" validate:"min=1"`
	LockTimeout        int      `yaml:"lock_timeout" validate:"min=1"`
	LockWait           int      `yaml:"lock_wait" validate:"min=0"`
	ProcessingTTL      int      `yaml:"processing_ttl" validate:"min=1"`
	HeaderName         string   `yaml:"header_name" validate:"required"`
	KeyPattern         string   `yaml:"key_pattern" validate:"required"`
	KeyMaxLength       int      `yaml:"key_max_length" validate:"min=1"`
	FingerprintPayload bool     `yaml:"fingerprint_payload"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
}

// TelemetryConfig selects the telemetry sink
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver" validate:"omitempty,oneof=otel log"`
}

// AlertsConfig holds alert debouncing and delivery settings
type AlertsConfig struct {
	Threshold  int    `yaml:"threshold" validate:"min=1"` // cooldown in minutes
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// StoreConfig selects the cache and lock backend
type StoreConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory redis"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// ServerConfig holds the example server listen address
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Default returns the configuration used when a key is absent from the file
func Default() *Config {
	return &Config{
		Enabled:        true,
		Methods:        append([]string(nil), idempotency.DefaultMethods...),
		TTL:            int(idempotency.DefaultTTL / time.Minute),
		AlertThreshold: idempotency.DefaultAlertThreshold,
		SizeWarning:    idempotency.DefaultSizeWarning,
		LockTimeout:    int(idempotency.DefaultLockTimeout / time.Second),
		LockWait:       int(idempotency.DefaultLockWait / time.Second),
		ProcessingTTL:  int(idempotency.DefaultProcessingTTL / time.Minute),
		HeaderName:     idempotency.DefaultHeaderName,
		KeyPattern:     idempotency.DefaultKeyPattern,
		KeyMaxLength:   idempotency.DefaultKeyMaxLength,
		Telemetry: TelemetryConfig{
			Enabled: false,
			Driver:  telemetry.DriverOTel,
		},
		Alerts: AlertsConfig{
			Threshold: int(idempotency.DefaultAlertCooldown / time.Minute),
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "idempotency:"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it over the
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i, m := range cfg.Methods {
		cfg.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the
// empty string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks field constraints and the rules that span fields
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := regexp.Compile(c.KeyPattern); err != nil {
		return fmt.Errorf("key_pattern is not a valid regular expression: %w", err)
	}

	if c.Store.Driver == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required when store.driver is redis")
	}

	if c.Telemetry.Enabled && c.Telemetry.Driver == "" {
		return fmt.Errorf("telemetry.driver is required when telemetry is enabled")
	}

	return nil
}

// Options converts the configuration into engine options. Telemetry and
// alert channels are built here; logger is shared with both.
func (c *Config) Options(logger *slog.Logger) ([]idempotency.Option, error) {
	pattern, err := regexp.Compile(c.KeyPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling key_pattern: %w", err)
	}

	tel, err := telemetry.New(c.Telemetry.Enabled, c.Telemetry.Driver, logger)
	if err != nil {
		return nil, err
	}

	channels := alert.Multi{alert.NewLog(logger)}
	if c.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhook(c.Alerts.WebhookURL, nil))
	}

	opts := []idempotency.Option{
		idempotency.WithEnabled(c.Enabled),
		idempotency.WithMethods(c.Methods...),
		idempotency.WithTTL(time.Duration(c.TTL) * time.Minute),
		idempotency.WithProcessingTTL(time.Duration(c.ProcessingTTL) * time.Minute),
		idempotency.WithLockTimeout(time.Duration(c.LockTimeout) * time.Second),
		idempotency.WithLockWait(time.Duration(c.LockWait) * time.Second),
		idempotency.WithAlertThreshold(c.AlertThreshold),
		idempotency.WithSizeWarning(c.SizeWarning),
		idempotency.WithAlertCooldown(time.Duration(c.Alerts.Threshold) * time.Minute),
		idempotency.WithHeaderName(c.HeaderName),
		idempotency.WithKeyPattern(pattern),
		idempotency.WithKeyMaxLength(c.KeyMaxLength),
		idempotency.WithPayloadFingerprint(c.FingerprintPayload),
		idempotency.WithLogger(logger),
		idempotency.WithTelemetry(tel),
		idempotency.WithAlertChannel(channels),
	}
	if c.Store.Driver == "redis" {
		opts = append(opts, idempotency.WithPrefix(c.Store.Redis.Prefix))
	}
	return opts, nil
}
