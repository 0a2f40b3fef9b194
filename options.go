package idempotency

import (
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// DefaultTTL is the default time-to-live for cached responses and metadata
	DefaultTTL = 60 * time.Minute
	// DefaultProcessingTTL bounds how long a crashed execution keeps its processing marker
	DefaultProcessingTTL = 5 * time.Minute
	// DefaultLockTimeout is how long a lock lease is held before it expires on its own
	DefaultLockTimeout = 30 * time.Second
	// DefaultLockWait is how long a request waits to acquire a busy lock
	DefaultLockWait = 5 * time.Second
	// DefaultAlertCooldown is the debounce window for identical alerts
	DefaultAlertCooldown = 60 * time.Minute
	// DefaultAlertThreshold is the replay count that triggers a replay alert
	DefaultAlertThreshold = 5
	// DefaultSizeWarning is the cached body size in bytes that triggers a size alert
	DefaultSizeWarning = 100 * 1024
	// DefaultKeyMaxLength is the longest key accepted
	DefaultKeyMaxLength = 255
	// DefaultKeyPattern accepts RFC 4122 UUIDs in any letter case
	DefaultKeyPattern = `(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`
	// AnonymousClient is recorded when no client identity can be resolved
	AnonymousClient = "anonymous"
)

// DefaultMethods are the state-changing methods subject to deduplication
var DefaultMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Config holds engine configuration
type Config struct {
	Enabled            bool
	Methods            []string
	HeaderName         string
	KeyPattern         *regexp.Regexp
	KeyMaxLength       int
	TTL                time.Duration
	ProcessingTTL      time.Duration
	LockTimeout        time.Duration
	LockWait           time.Duration
	AlertThreshold     int
	SizeWarning        int
	AlertCooldown      time.Duration
	Prefix             string
	FingerprintPayload bool
	ClientIdentity     ClientIdentityFunc
	Logger             *slog.Logger
	Telemetry          Telemetry
	Alerts             AlertChannel
}

// ClientIdentityFunc resolves the caller recorded in metadata, e.g. an authenticated user id
type ClientIdentityFunc func(r *http.Request) string

// Option is a functional option for configuring the engine
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Methods:        DefaultMethods,
		HeaderName:     DefaultHeaderName,
		KeyPattern:     regexp.MustCompile(DefaultKeyPattern),
		KeyMaxLength:   DefaultKeyMaxLength,
		TTL:            DefaultTTL,
		ProcessingTTL:  DefaultProcessingTTL,
		LockTimeout:    DefaultLockTimeout,
		LockWait:       DefaultLockWait,
		AlertThreshold: DefaultAlertThreshold,
		SizeWarning:    DefaultSizeWarning,
		AlertCooldown:  DefaultAlertCooldown,
		ClientIdentity: func(*http.Request) string { return AnonymousClient },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Telemetry:      NopTelemetry{},
		Alerts:         nopAlerts{},
	}
}

// WithEnabled toggles deduplication globally. A disabled engine passes every request through.
func WithEnabled(enabled bool) Option {
	return func(c *Config) {
		c.Enabled = enabled
	}
}

// WithMethods sets the HTTP methods subject to deduplication
func WithMethods(methods ...string) Option {
	return func(c *Config) {
		c.Methods = make([]string, 0, len(methods))
		for _, m := range methods {
			c.Methods = append(c.Methods, strings.ToUpper(m))
		}
	}
}

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithKeyPattern sets the pattern keys must match
func WithKeyPattern(pattern *regexp.Regexp) Option {
	return func(c *Config) {
		c.KeyPattern = pattern
	}
}

// WithKeyMaxLength sets the maximum key length
func WithKeyMaxLength(n int) Option {
	return func(c *Config) {
		c.KeyMaxLength = n
	}
}

// WithTTL sets the time-to-live for cached responses and metadata
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// WithProcessingTTL sets the processing marker lifetime
func WithProcessingTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.ProcessingTTL = ttl
	}
}

// WithLockTimeout sets how long a lock lease is held
func WithLockTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LockTimeout = d
	}
}

// WithLockWait sets how long a request waits for a busy lock
func WithLockWait(d time.Duration) Option {
	return func(c *Config) {
		c.LockWait = d
	}
}

// WithAlertThreshold sets the replay count that triggers an alert
func WithAlertThreshold(n int) Option {
	return func(c *Config) {
		c.AlertThreshold = n
	}
}

// WithSizeWarning sets the response size in bytes that triggers an alert
func WithSizeWarning(bytes int) Option {
	return func(c *Config) {
		c.SizeWarning = bytes
	}
}

// WithAlertCooldown sets the debounce window for identical alerts
func WithAlertCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.AlertCooldown = d
	}
}

// WithPrefix namespaces every key written to the store
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithPayloadFingerprint rejects replays whose method, path or body differ from the original
func WithPayloadFingerprint(enabled bool) Option {
	return func(c *Config) {
		c.FingerprintPayload = enabled
	}
}

// WithClientIdentity sets the resolver for the client recorded in metadata
func WithClientIdentity(fn ClientIdentityFunc) Option {
	return func(c *Config) {
		c.ClientIdentity = fn
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTelemetry sets the telemetry sink
func WithTelemetry(t Telemetry) Option {
	return func(c *Config) {
		c.Telemetry = t
	}
}

// WithAlertChannel sets where debounced alerts are delivered
func WithAlertChannel(ch AlertChannel) Option {
	return func(c *Config) {
		c.Alerts = ch
	}
}
