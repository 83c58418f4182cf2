package restclient

import (
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-rest/restclient"
)

// Defaults for Config.
const (
	// DefaultHost is the REST API host.
	DefaultHost = "discord.com"

	// DefaultPort is the HTTPS port.
	DefaultPort = "443"

	// DefaultAPIVersion is the API version placed into "/api/v<version>".
	DefaultAPIVersion = 10

	// DefaultUserAgent identifies the library to the API.
	DefaultUserAgent = "DiscordBot (https://github.com/kroma-labs/sentinel-rest, 1.0)"

	// DefaultStageTimeout bounds each network stage of a call.
	DefaultStageTimeout = 30 * time.Second

	// DefaultBootstrapRetryInterval is the fixed delay between resolution
	// attempts before the first connection ever succeeded.
	DefaultBootstrapRetryInterval = 35 * time.Second
)

// =============================================================================
// Config - Transport Configuration
// =============================================================================

// Config holds the connection parameters shared by every call.
// Use DefaultConfig() and modify specific fields as needed.
//
// Example:
//
//	cfg := restclient.DefaultConfig()
//	cfg.APIVersion = 9
//
//	client := restclient.New("Bot "+token,
//	    restclient.WithConfig(cfg),
//	)
type Config struct {
	// Host is the fixed API hostname. It is used for resolution, the Host
	// header and the TLS server name indication.
	//
	// Default: "discord.com"
	Host string

	// Port is the TCP port to connect to.
	//
	// Default: "443"
	Port string

	// APIVersion selects the "/api/v<version>" prefix of every target.
	//
	// Default: 10
	APIVersion int

	// UserAgent is sent on every request.
	UserAgent string

	// StageTimeout bounds each of the connect, handshake, write, read and
	// shutdown stages individually. A stage that exceeds it fails with a
	// timeout error.
	//
	// Default: 30s
	StageTimeout time.Duration

	// BootstrapRetryInterval is the delay between resolution attempts while
	// no connection has ever succeeded. Resolution failures after the first
	// successful connection are not retried.
	//
	// Default: 35s
	BootstrapRetryInterval time.Duration
}

// DefaultConfig returns the configuration for the public Discord API.
func DefaultConfig() Config {
	return Config{
		Host:                   DefaultHost,
		Port:                   DefaultPort,
		APIVersion:             DefaultAPIVersion,
		UserAgent:              DefaultUserAgent,
		StageTimeout:           DefaultStageTimeout,
		BootstrapRetryInterval: DefaultBootstrapRetryInterval,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.APIVersion <= 0 {
		c.APIVersion = def.APIVersion
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = def.StageTimeout
	}
	if c.BootstrapRetryInterval <= 0 {
		c.BootstrapRetryInterval = def.BootstrapRetryInterval
	}
	return c
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds all configuration including transport and OTel settings.
// It is read-only once New returns.
type internalConfig struct {
	restConfig Config

	// token is sent verbatim as the Authorization header.
	token string

	// === Collaborators ===

	// Resolver turns the host into addresses. Default: net.DefaultResolver.
	Resolver Resolver

	// Dialer opens TCP connections. Its Timeout is ignored in favour of
	// the stage timeout.
	Dialer *net.Dialer

	// TLSConfig is cloned per call; ServerName is always overwritten.
	TLSConfig *tls.Config

	// === Logging ===

	Logger       zerolog.Logger
	Debug        bool
	GenerateCurl bool

	// === OpenTelemetry Configuration ===

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics

	// ServiceName is added as "restclient.name" on spans and metrics.
	ServiceName string

	// === Resilience ===

	RateLimitConfig    *RateLimitConfig
	BreakerConfig      *BreakerConfig
	MaxConcurrentCalls int64
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(token string, opts ...Option) *internalConfig {
	cfg := &internalConfig{
		restConfig:     DefaultConfig(),
		token:          token,
		Resolver:       net.DefaultResolver,
		Dialer:         &net.Dialer{KeepAlive: -1},
		Logger:         zerolog.New(os.Stdout).With().Timestamp().Logger(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.restConfig = cfg.restConfig.withDefaults()

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Metrics stay nil on failure; every recorder is nil-safe.
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("restclient.name", cfg.ServiceName))
	}
	return attrs
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Option configures the Client.
type Option func(*internalConfig)

// WithConfig sets the connection configuration. Zero fields fall back to
// DefaultConfig().
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig = c
	}
}

// WithHost overrides the API host and port.
func WithHost(host, port string) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig.Host = host
		cfg.restConfig.Port = port
	}
}

// WithAPIVersion overrides the API version.
func WithAPIVersion(v int) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig.APIVersion = v
	}
}

// WithStageTimeout overrides the per-stage timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig.StageTimeout = d
	}
}

// WithBootstrapRetryInterval overrides the delay between resolution
// attempts during bootstrap.
func WithBootstrapRetryInterval(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig.BootstrapRetryInterval = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cfg *internalConfig) {
		cfg.restConfig.UserAgent = ua
	}
}

// WithResolver sets the host resolver. Useful for tests and for custom
// DNS setups.
//
// Example:
//
//	client := restclient.New(token,
//	    restclient.WithResolver(&net.Resolver{PreferGo: true}),
//	)
func WithResolver(r Resolver) Option {
	return func(cfg *internalConfig) {
		if r != nil {
			cfg.Resolver = r
		}
	}
}

// WithDialer sets the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(cfg *internalConfig) {
		if d != nil {
			cfg.Dialer = d
		}
	}
}

// WithTLSConfig sets a base TLS configuration, e.g. custom root CAs.
// ServerName is always replaced by the configured host.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithLogger sets the zerolog logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithDebug enables stage-by-stage debug logging.
func WithDebug(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.Debug = enabled
	}
}

// WithGenerateCurl attaches an equivalent cURL command to failure reports.
// The Authorization header is redacted.
func WithGenerateCurl(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.GenerateCurl = enabled
	}
}

// WithServiceName sets an identifier added to spans and metrics.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithRateLimit enables a client-side token bucket applied before a call
// starts resolving.
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimitConfig = &rl
	}
}

// WithBreaker wraps every call in a circuit breaker. Transport failures
// count towards tripping it; an open breaker fails calls immediately.
func WithBreaker(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &bc
	}
}

// WithMaxConcurrentCalls bounds how many call pipelines run at once.
// Calls over the limit wait on their own goroutine; Call never blocks.
// Zero or negative means unlimited.
func WithMaxConcurrentCalls(n int64) Option {
	return func(cfg *internalConfig) {
		cfg.MaxConcurrentCalls = n
	}
}
