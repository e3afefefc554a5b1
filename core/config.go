package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
//
// Configuration priority (highest to lowest):
//  1. Functional options passed to NewConfig
//  2. Configuration file (RUM_CONFIG_FILE or WithConfigFile)
//  3. Environment variables (RUM_*)
//  4. Defaults from DefaultConfig
type Config struct {
	// AppMonitorID identifies the RUM app monitor receiving the telemetry.
	AppMonitorID    string `json:"app_monitor_id" yaml:"app_monitor_id" split_words:"true"`
	AppMonitorAlias string `json:"app_monitor_alias" yaml:"app_monitor_alias" split_words:"true"`

	// ApplicationName becomes the service.name resource attribute.
	ApplicationName string `json:"application_name" yaml:"application_name" split_words:"true"`
	Region          string `json:"region" yaml:"region" split_words:"true"`

	// Debug mirrors every exported span and log record to the debug writer.
	Debug bool `json:"debug" yaml:"debug"`

	Exporter ExporterConfig `json:"exporter" yaml:"exporter"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Crash    CrashConfig    `json:"crash" yaml:"crash"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`

	configFile string

	// Runtime dependencies, settable only through options.
	logger        Logger
	meterProvider metric.MeterProvider
	transport     http.RoundTripper
	credentials   aws.CredentialsProvider
	kv            Storage
	debugWriter   io.Writer
}

// ExporterConfig controls batching and delivery endpoints.
type ExporterConfig struct {
	// Endpoint is the collector base URL. Empty means the regional RUM data plane.
	Endpoint string `json:"endpoint" yaml:"endpoint" split_words:"true"`
	// LogsEndpoint and TracesEndpoint override the full per-signal URLs.
	LogsEndpoint   string `json:"logs_endpoint" yaml:"logs_endpoint" split_words:"true"`
	TracesEndpoint string `json:"traces_endpoint" yaml:"traces_endpoint" split_words:"true"`
	// ServiceName is the signing service name.
	ServiceName string `json:"service_name" yaml:"service_name" split_words:"true"`

	MaxBatchSize         int           `json:"max_batch_size" yaml:"max_batch_size" split_words:"true"`
	MaxQueueSize         int           `json:"max_queue_size" yaml:"max_queue_size" split_words:"true"`
	BatchInterval        time.Duration `json:"batch_interval" yaml:"batch_interval" split_words:"true"`
	ExportTimeout        time.Duration `json:"export_timeout" yaml:"export_timeout" split_words:"true"`
	MaxConcurrentExports int           `json:"max_concurrent_exports" yaml:"max_concurrent_exports" split_words:"true"`
	Compression          bool          `json:"compression" yaml:"compression" split_words:"true"`

	// LocationPool is the set of synthetic client addresses used for X-Forwarded-For.
	LocationPool []string `json:"location_pool" yaml:"location_pool" split_words:"true"`
}

// RetryConfig configures the export client retry loop.
type RetryConfig struct {
	MaxRetries           int   `json:"max_retries" yaml:"max_retries" split_words:"true"`
	RetryableStatusCodes []int `json:"retryable_status_codes" yaml:"retryable_status_codes" split_words:"true"`
	// BackoffUnit scales the min(2^n, 60) backoff; one second in production.
	BackoffUnit time.Duration `json:"backoff_unit" yaml:"backoff_unit" split_words:"true"`
}

// AuthConfig selects the credential source for request signing.
type AuthConfig struct {
	// Provider is one of "none", "static", "default" or "web_identity".
	Provider        string        `json:"provider" yaml:"provider" split_words:"true"`
	AccessKeyID     string        `json:"access_key_id" yaml:"access_key_id" split_words:"true"`
	SecretAccessKey string        `json:"secret_access_key" yaml:"secret_access_key" split_words:"true"`
	SessionToken    string        `json:"session_token" yaml:"session_token" split_words:"true"`
	RoleARN         string        `json:"role_arn" yaml:"role_arn" split_words:"true"`
	TokenFile       string        `json:"token_file" yaml:"token_file" split_words:"true"`
	RoleSessionName string        `json:"role_session_name" yaml:"role_session_name" split_words:"true"`
	RefreshBuffer   time.Duration `json:"refresh_buffer" yaml:"refresh_buffer" split_words:"true"`
}

// SessionConfig controls session lifetime and sampling.
type SessionConfig struct {
	Timeout    time.Duration `json:"timeout" yaml:"timeout" split_words:"true"`
	SampleRate float64       `json:"sample_rate" yaml:"sample_rate" split_words:"true"`
}

// CrashConfig controls crash report storage and recovery.
type CrashConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled" split_words:"true"`
	Directory          string `json:"directory" yaml:"directory" split_words:"true"`
	MaxStackTraceBytes int    `json:"max_stack_trace_bytes" yaml:"max_stack_trace_bytes" split_words:"true"`
}

// StorageConfig selects the durable key/value backend.
type StorageConfig struct {
	// Provider is one of "memory", "sqlite" or "redis".
	Provider  string `json:"provider" yaml:"provider" split_words:"true"`
	Path      string `json:"path" yaml:"path" split_words:"true"`
	RedisURL  string `json:"redis_url" yaml:"redis_url" split_words:"true"`
	Namespace string `json:"namespace" yaml:"namespace" split_words:"true"`
}

// LoggingConfig controls the agent's internal logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" split_words:"true"`
	Format string `json:"format" yaml:"format" split_words:"true"`
	Output string `json:"output" yaml:"output" split_words:"true"`
}

// Option is a functional option for configuring the agent.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with defaults matching the RUM data plane.
func DefaultConfig() *Config {
	return &Config{
		ApplicationName: "rum-app",
		Exporter: ExporterConfig{
			ServiceName:          DefaultServiceName,
			MaxBatchSize:         DefaultMaxBatchSize,
			MaxQueueSize:         DefaultMaxQueueSize,
			BatchInterval:        DefaultBatchInterval,
			ExportTimeout:        DefaultExportTimeout,
			MaxConcurrentExports: DefaultMaxConcurrentExports,
			Compression:          true,
			LocationPool:         DefaultLocationPool(),
		},
		Retry: RetryConfig{
			MaxRetries:           DefaultMaxRetries,
			RetryableStatusCodes: DefaultRetryableStatusCodes(),
			BackoffUnit:          time.Second,
		},
		Auth: AuthConfig{
			Provider:        "default",
			RoleSessionName: "rum-agent",
			RefreshBuffer:   DefaultRefreshBuffer,
		},
		Session: SessionConfig{
			Timeout:    DefaultSessionTimeout,
			SampleRate: 1.0,
		},
		Crash: CrashConfig{
			Enabled:            true,
			Directory:          filepath.Join(os.TempDir(), "rumagent", "crashes"),
			MaxStackTraceBytes: DefaultMaxStackTraceBytes,
		},
		Storage: StorageConfig{
			Provider:  "memory",
			Namespace: "rumagent",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultLocationPool returns documentation-range addresses used as the
// synthetic client location pool.
func DefaultLocationPool() []string {
	return []string{
		"192.0.2.10",
		"192.0.2.77",
		"198.51.100.23",
		"198.51.100.140",
		"203.0.113.5",
		"203.0.113.201",
	}
}

// NewConfig builds a configuration from defaults, environment, an optional
// file and the given options, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	// Options run once first so WithConfigFile can name the file, then again
	// after the file so they take precedence over it.
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.configFile != "" {
		if err := cfg.LoadFromFile(cfg.configFile); err != nil {
			return nil, err
		}
		for _, opt := range opts {
			if err := opt(cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays RUM_* environment variables onto c.
// Unset variables leave the current values untouched.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return &AgentError{
			Op:      "Config.LoadFromEnv",
			Kind:    "config",
			Message: fmt.Sprintf("invalid environment configuration: %v", err),
			Err:     ErrInvalidConfiguration,
		}
	}
	if v := os.Getenv(EnvPrefix + "_CONFIG_FILE"); v != "" {
		c.configFile = v
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
// File settings override environment variables but are overridden by functional options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}
	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return &AgentError{Op: "Config.Validate", Kind: "config", Message: msg, Err: ErrInvalidConfiguration}
	}

	if c.Region == "" && c.Exporter.Endpoint == "" && c.Exporter.LogsEndpoint == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "region is required when no endpoint is configured",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Retry.MaxRetries < 0 {
		return invalid(fmt.Sprintf("invalid max retries: %d", c.Retry.MaxRetries))
	}
	if c.Retry.BackoffUnit < 0 {
		return invalid("backoff unit must not be negative")
	}
	if c.Auth.RefreshBuffer < 0 {
		return invalid("refresh buffer must not be negative")
	}
	if c.Exporter.MaxBatchSize <= 0 {
		return invalid(fmt.Sprintf("invalid max batch size: %d", c.Exporter.MaxBatchSize))
	}
	if c.Exporter.MaxQueueSize < c.Exporter.MaxBatchSize {
		return invalid("max queue size must be at least the max batch size")
	}
	if c.Exporter.BatchInterval <= 0 {
		return invalid("batch interval must be positive")
	}
	if c.Exporter.MaxConcurrentExports <= 0 {
		return invalid("max concurrent exports must be positive")
	}
	if c.Session.Timeout <= 0 {
		return invalid("session timeout must be positive")
	}
	if c.Session.SampleRate < 0 || c.Session.SampleRate > 1 {
		return invalid(fmt.Sprintf("session sample rate %v outside [0, 1]", c.Session.SampleRate))
	}
	if c.Crash.MaxStackTraceBytes <= 0 {
		return invalid("max stack trace bytes must be positive")
	}
	for _, code := range c.Retry.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return invalid(fmt.Sprintf("invalid retryable status code: %d", code))
		}
	}

	switch c.Auth.Provider {
	case "none", "default":
	case "static":
		if c.credentials == nil && (c.Auth.AccessKeyID == "" || c.Auth.SecretAccessKey == "") {
			return &AgentError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: "static credentials require access key id and secret",
				Err:     ErrMissingConfiguration,
			}
		}
	case "web_identity":
		if c.credentials == nil && (c.Auth.RoleARN == "" || c.Auth.TokenFile == "") {
			return &AgentError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: "web identity credentials require role arn and token file",
				Err:     ErrMissingConfiguration,
			}
		}
	default:
		return invalid(fmt.Sprintf("unknown auth provider %q", c.Auth.Provider))
	}

	switch c.Storage.Provider {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return &AgentError{Op: "Config.Validate", Kind: "config", Message: "sqlite storage requires a path", Err: ErrMissingConfiguration}
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return &AgentError{Op: "Config.Validate", Kind: "config", Message: "redis storage requires a URL", Err: ErrMissingConfiguration}
		}
	default:
		return invalid(fmt.Sprintf("unknown storage provider %q", c.Storage.Provider))
	}
	return nil
}

// BaseEndpoint returns the collector base URL without a trailing slash.
func (c *Config) BaseEndpoint() string {
	if c.Exporter.Endpoint != "" {
		return strings.TrimRight(c.Exporter.Endpoint, "/")
	}
	return fmt.Sprintf(DefaultEndpointTemplate, c.Region)
}

// LogsURL returns the full URL log batches are posted to.
func (c *Config) LogsURL() string {
	if c.Exporter.LogsEndpoint != "" {
		return c.Exporter.LogsEndpoint
	}
	return c.BaseEndpoint() + "/v1/rum"
}

// TracesURL returns the full URL span batches are posted to.
func (c *Config) TracesURL() string {
	if c.Exporter.TracesEndpoint != "" {
		return c.Exporter.TracesEndpoint
	}
	return c.BaseEndpoint() + "/v1/rum"
}

// Logger returns the logger set with WithLogger, or nil.
func (c *Config) Logger() Logger { return c.logger }

// MeterProvider returns the provider for self-metrics, or nil for no-op.
func (c *Config) MeterProvider() metric.MeterProvider { return c.meterProvider }

// Transport returns the base HTTP transport, or nil for the pooled default.
func (c *Config) Transport() http.RoundTripper { return c.transport }

// CredentialsProvider returns an injected upstream provider. When set it
// replaces the one selected by Auth.Provider.
func (c *Config) CredentialsProvider() aws.CredentialsProvider { return c.credentials }

// StorageBackend returns an injected key/value store. When set it replaces
// the one built from Storage.
func (c *Config) StorageBackend() Storage { return c.kv }

// DebugWriter returns where debug output goes; stdout unless set with
// WithDebugWriter.
func (c *Config) DebugWriter() io.Writer {
	if c.debugWriter == nil {
		return os.Stdout
	}
	return c.debugWriter
}

// Functional Options

// WithConfigFile names a YAML or JSON file to load after the environment.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		c.configFile = path
		return nil
	}
}

// WithAppMonitor sets the app monitor id and optional alias.
func WithAppMonitor(id, alias string) Option {
	return func(c *Config) error {
		c.AppMonitorID = id
		c.AppMonitorAlias = alias
		return nil
	}
}

// WithApplicationName sets the service.name resource attribute.
func WithApplicationName(name string) Option {
	return func(c *Config) error {
		c.ApplicationName = name
		return nil
	}
}

// WithRegion sets the AWS region used for the default endpoint and signing.
func WithRegion(region string) Option {
	return func(c *Config) error {
		c.Region = region
		return nil
	}
}

// WithEndpoint sets the collector base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Config) error {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return &AgentError{
				Op:      "WithEndpoint",
				Kind:    "config",
				Message: fmt.Sprintf("invalid endpoint: %q", endpoint),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Exporter.Endpoint = endpoint
		return nil
	}
}

// WithExportOverride sets separate log and trace URLs. Empty values keep the default.
func WithExportOverride(logsURL, tracesURL string) Option {
	return func(c *Config) error {
		c.Exporter.LogsEndpoint = logsURL
		c.Exporter.TracesEndpoint = tracesURL
		return nil
	}
}

// WithServiceName sets the signing service name.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.Exporter.ServiceName = name
		return nil
	}
}

// WithMaxRetries sets the retry budget (additional attempts after the first).
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return &AgentError{
				Op:      "WithMaxRetries",
				Kind:    "config",
				Message: fmt.Sprintf("invalid max retries: %d", n),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Retry.MaxRetries = n
		return nil
	}
}

// WithRetryableStatusCodes replaces the retryable status set.
func WithRetryableStatusCodes(codes ...int) Option {
	return func(c *Config) error {
		c.Retry.RetryableStatusCodes = append([]int(nil), codes...)
		return nil
	}
}

// WithBackoffUnit scales the exponential backoff. Tests use milliseconds.
func WithBackoffUnit(unit time.Duration) Option {
	return func(c *Config) error {
		c.Retry.BackoffUnit = unit
		return nil
	}
}

// WithRefreshBuffer sets how long before expiry credentials are refreshed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Config) error {
		c.Auth.RefreshBuffer = d
		return nil
	}
}

// WithStaticCredentials configures fixed signing credentials.
func WithStaticCredentials(accessKeyID, secret, sessionToken string) Option {
	return func(c *Config) error {
		c.Auth.Provider = "static"
		c.Auth.AccessKeyID = accessKeyID
		c.Auth.SecretAccessKey = secret
		c.Auth.SessionToken = sessionToken
		return nil
	}
}

// WithWebIdentity configures role assumption from a web identity token file.
func WithWebIdentity(roleARN, tokenFile string) Option {
	return func(c *Config) error {
		c.Auth.Provider = "web_identity"
		c.Auth.RoleARN = roleARN
		c.Auth.TokenFile = tokenFile
		return nil
	}
}

// WithDebug mirrors exported spans and log records to stdout.
func WithDebug() Option {
	return func(c *Config) error {
		c.Debug = true
		return nil
	}
}

// WithDebugWriter enables debug output and sends it to w.
func WithDebugWriter(w io.Writer) Option {
	return func(c *Config) error {
		c.Debug = true
		c.debugWriter = w
		return nil
	}
}

// WithoutSigning disables request signing entirely.
func WithoutSigning() Option {
	return func(c *Config) error {
		c.Auth.Provider = "none"
		return nil
	}
}

// WithBatching sets batch size, queue size and flush interval.
func WithBatching(maxBatch, maxQueue int, interval time.Duration) Option {
	return func(c *Config) error {
		c.Exporter.MaxBatchSize = maxBatch
		c.Exporter.MaxQueueSize = maxQueue
		c.Exporter.BatchInterval = interval
		return nil
	}
}

// WithCompression toggles gzip request bodies.
func WithCompression(enabled bool) Option {
	return func(c *Config) error {
		c.Exporter.Compression = enabled
		return nil
	}
}

// WithSessionTimeout sets the inactivity timeout after which sessions rotate.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Session.Timeout = d
		return nil
	}
}

// WithSessionSampleRate sets the fraction of sessions whose telemetry is kept.
func WithSessionSampleRate(rate float64) Option {
	return func(c *Config) error {
		c.Session.SampleRate = rate
		return nil
	}
}

// WithCrashDirectory sets where crash reports and context snapshots live.
func WithCrashDirectory(dir string) Option {
	return func(c *Config) error {
		c.Crash.Enabled = true
		c.Crash.Directory = dir
		return nil
	}
}

// WithoutCrashReporting disables crash capture and recovery.
func WithoutCrashReporting() Option {
	return func(c *Config) error {
		c.Crash.Enabled = false
		return nil
	}
}

// WithSQLiteStorage persists identity and session state in a sqlite file.
func WithSQLiteStorage(path string) Option {
	return func(c *Config) error {
		c.Storage.Provider = "sqlite"
		c.Storage.Path = path
		return nil
	}
}

// WithRedisStorage persists identity and session state in Redis.
// Format: redis://[user:password@]host:port/db
func WithRedisStorage(url string) Option {
	return func(c *Config) error {
		c.Storage.Provider = "redis"
		c.Storage.RedisURL = url
		return nil
	}
}

// WithLogLevel sets the internal log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets "json" or "console" log encoding.
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		if format != "json" && format != "console" {
			return &AgentError{
				Op:      "WithLogFormat",
				Kind:    "config",
				Message: fmt.Sprintf("invalid log format: %q", format),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Logging.Format = format
		return nil
	}
}

// WithLogger replaces the zap logger built from Logging.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithMeterProvider records self-metrics on provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Config) error {
		c.meterProvider = provider
		return nil
	}
}

// WithTransport sets the base transport requests are signed on top of.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Config) error {
		c.transport = rt
		return nil
	}
}

// WithCredentialsProvider signs with provider instead of the configured source.
func WithCredentialsProvider(provider aws.CredentialsProvider) Option {
	return func(c *Config) error {
		c.credentials = provider
		return nil
	}
}

// WithStorageBackend persists identity and session state in kv.
func WithStorageBackend(kv Storage) Option {
	return func(c *Config) error {
		c.kv = kv
		return nil
	}
}
