// Package config handles loading and validation of EdgeGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// EDGEGATE_ prefix:
//
//	server.address → EDGEGATE_SERVER_ADDRESS
//	origins.canary_ratio → EDGEGATE_ORIGINS_CANARY_RATIO
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via EDGEGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/edgegate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls behavior when the rate-limit window store (Redis)
// is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level EdgeGate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Gateway   GatewayConfig   `yaml:"gateway"    envPrefix:"GATEWAY_"`
	Origins   OriginsConfig   `yaml:"origins"    envPrefix:"ORIGINS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Flags     FlagsConfig     `yaml:"flags"      envPrefix:"FLAGS_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	Breaker   BreakerConfig   `yaml:"breaker"    envPrefix:"BREAKER_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// GatewayConfig holds the request-pipeline policy settings.
type GatewayConfig struct {
	// APIKey is the shared secret expected in the x-api-key request header.
	APIKey RedactedString `yaml:"api_key" env:"API_KEY"`

	// HealthPath is served without authentication. Default: /health.
	HealthPath string `yaml:"health_path" env:"HEALTH_PATH"`

	// ServiceName appears in the health document and log events.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// OriginsConfig defines the upstream origins the gateway routes to.
// Default is required; US, EU, and Canary are optional regional/version
// targets. CanaryRatio is the probability in [0,1] that a request is
// routed to the canary origin when one is configured.
type OriginsConfig struct {
	Default     string          `yaml:"default"      env:"DEFAULT"`
	US          string          `yaml:"us"           env:"US"`
	EU          string          `yaml:"eu"           env:"EU"`
	Canary      string          `yaml:"canary"       env:"CANARY"`
	CanaryRatio float64         `yaml:"canary_ratio" env:"CANARY_RATIO"`
	URLPolicy   OriginURLPolicy `yaml:"url_policy"   envPrefix:"URL_POLICY_"`
}

// OriginURLPolicy controls which configured origin URLs are accepted.
// Prevents misconfiguration from pointing the gateway at internal services.
type OriginURLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// DenyPrivateNetworks blocks loopback, RFC 1918, link-local, and cloud
	// metadata addresses when true. Origins commonly live on
	// cluster-internal addresses, so this defaults to false.
	DenyPrivateNetworks bool `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
	// AllowedHosts is an optional allowlist. When non-empty, only these
	// hosts (exact match, case-insensitive) are permitted.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	// Window is the fixed counting interval. Default: 60s.
	Window string `yaml:"window" env:"WINDOW"`
	// Limit is the number of admitted requests per window per key. Default: 100.
	Limit int64 `yaml:"limit" env:"LIMIT"`
	// Shards spreads a client's counters across independent Redis keys.
	// Default: 16.
	Shards int `yaml:"shards" env:"SHARDS"`

	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`
	FailureCode   int           `yaml:"failure_code"   env:"FAILURE_CODE"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// MaxRecoveryAttempts limits the number of Redis recovery attempts
	// before giving up. 0 means unlimited (retry forever, the default).
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`
}

// FlagsConfig holds feature-flag cache settings.
type FlagsConfig struct {
	// Name is the feature flag consulted per request. Default: new_pricing.
	Name string `yaml:"name" env:"NAME"`
	// TTL is the freshness window for cached flag values. Default: 30s.
	TTL string `yaml:"ttl" env:"TTL"`
	// KeyPrefix is prepended to flag names in the backing store. Default: "flags:".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	// TTL is the freshness window for cached GET responses. Default: 30s.
	TTL string `yaml:"ttl" env:"TTL"`
	// MaxBodyBytes limits the size of cacheable response bodies. Default: 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// WriterQueue is the capacity of the deferred cache-write queue. Default: 1024.
	WriterQueue int `yaml:"writer_queue" env:"WRITER_QUEUE"`
	// KeyPrefix is prepended to canonical URLs in the backing store. Default: "cache:".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// Threshold is the number of consecutive upstream failures before the
	// breaker opens. Default: 5.
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// Cooldown is how long after the most recent failure the breaker
	// refuses upstream calls. Default: 10s.
	Cooldown string `yaml:"cooldown" env:"COOLDOWN"`
}

// UpstreamConfig holds settings for origin fetches.
type UpstreamConfig struct {
	// Timeout is the hard deadline for a single origin call. Default: 2500ms.
	Timeout         string `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	// MaxResponseBodyBytes bounds how much of an origin response body is
	// read. Default: 10 MiB.
	MaxResponseBodyBytes int64           `yaml:"max_response_body_bytes" env:"MAX_RESPONSE_BODY_BYTES"`
	Transport            TransportConfig `yaml:"transport"               envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for origin fetches.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// EventsConfig holds optional request event emission settings. When enabled,
// EdgeGate batches per-request observability events and posts them to an
// external HTTP receiver.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	MaxRetries    int              `yaml:"max_retries"    env:"MAX_RETRIES"`
	RetryBackoff  string           `yaml:"retry_backoff"  env:"RETRY_BACKOFF"`
}

// EventsHTTPConfig holds HTTP event receiver settings. Headers are sent
// verbatim on every batch POST; values are redacted in logs.
type EventsHTTPConfig struct {
	URL     string                    `yaml:"url"     env:"URL"`
	Headers map[string]RedactedString `yaml:"headers"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Gateway: GatewayConfig{
			HealthPath:  "/health",
			ServiceName: "edge-gateway",
		},
		RateLimit: RateLimitConfig{
			Window:        "60s",
			Limit:         100,
			Shards:        16,
			FailurePolicy: FailurePolicyPassThrough,
			FailureCode:   429,
			KeyPrefix:     "rl:",
		},
		Flags: FlagsConfig{
			Name:      "new_pricing",
			TTL:       "30s",
			KeyPrefix: "flags:",
		},
		Cache: CacheConfig{
			TTL:          "30s",
			MaxBodyBytes: 1 << 20,
			WriterQueue:  1024,
			KeyPrefix:    "cache:",
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  "10s",
		},
		Upstream: UpstreamConfig{
			Timeout:              "2500ms",
			MaxIdleConns:         100,
			IdleConnTimeout:      "90s",
			MaxResponseBodyBytes: 10 << 20,
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "edgegate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("EDGEGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/edgegate/config.yaml and
// can be overridden via EDGEGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally operator-provided
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "EDGEGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "PassThrough"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	if cfg.Gateway.HealthPath == "" {
		cfg.Gateway.HealthPath = "/health"
	}
}

// normalizeTLSVersion maps the accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateGateway(cfg); err != nil {
		return err
	}
	if err := validateOrigins(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateBreaker(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateGateway(cfg *Config) error {
	if cfg.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required")
	}
	if !strings.HasPrefix(cfg.Gateway.HealthPath, "/") {
		return fmt.Errorf("gateway.health_path must start with /")
	}
	return nil
}

func validateOrigins(cfg *Config) error {
	if cfg.Origins.Default == "" {
		return fmt.Errorf("origins.default is required")
	}
	if cfg.Origins.CanaryRatio < 0 || cfg.Origins.CanaryRatio > 1 {
		return fmt.Errorf("origins.canary_ratio must be in [0, 1], got %v", cfg.Origins.CanaryRatio)
	}

	for _, o := range []struct {
		name string
		url  *string
	}{
		{"origins.default", &cfg.Origins.Default},
		{"origins.us", &cfg.Origins.US},
		{"origins.eu", &cfg.Origins.EU},
		{"origins.canary", &cfg.Origins.Canary},
	} {
		if *o.url == "" {
			continue
		}
		normalized, err := normalizeURL(*o.url)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", o.name, *o.url, err)
		}
		*o.url = normalized
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"flags.ttl", cfg.Flags.TTL},
		{"cache.ttl", cfg.Cache.TTL},
		{"breaker.cooldown", cfg.Breaker.Cooldown},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"upstream.transport.expect_continue_timeout", cfg.Upstream.Transport.ExpectContinueTimeout},
		{"upstream.transport.h2_read_idle_timeout", cfg.Upstream.Transport.H2ReadIdleTimeout},
		{"upstream.transport.h2_ping_timeout", cfg.Upstream.Transport.H2PingTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.Limit < 1 {
		return fmt.Errorf("rate_limit.limit must be >= 1")
	}
	if cfg.RateLimit.Shards < 1 {
		return fmt.Errorf("rate_limit.shards must be >= 1")
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if cfg.RateLimit.FailureCode != 0 && (cfg.RateLimit.FailureCode < 400 || cfg.RateLimit.FailureCode > 599) {
		return fmt.Errorf("invalid rate_limit.failure_code %d: must be a 4xx or 5xx status", cfg.RateLimit.FailureCode)
	}
	if cfg.RateLimit.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("rate_limit.max_recovery_attempts must be >= 0")
	}
	return nil
}

func validateBreaker(cfg *Config) error {
	if cfg.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q: must be single, sentinel, or cluster", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	if cfg.Events.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be >= 1")
	}
	if cfg.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be >= 1")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
// Only call this on values that have already passed Validate.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config against old and returns the field
// paths whose changes require a process restart. An empty slice means the
// new config can be hot-swapped safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	return fields
}
