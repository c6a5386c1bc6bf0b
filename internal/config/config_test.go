package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the EDGEGATE_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "EDGEGATE_"}))
}

// validate is a helper that normalizes and validates a hand-built config.
func validate(cfg *Config) error {
	cfg.normalize()
	return Validate(cfg)
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, "/health", cfg.Gateway.HealthPath)
		assert.Equal(t, "edge-gateway", cfg.Gateway.ServiceName)
		assert.Equal(t, "60s", cfg.RateLimit.Window)
		assert.Equal(t, int64(100), cfg.RateLimit.Limit)
		assert.Equal(t, 16, cfg.RateLimit.Shards)
		assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, 429, cfg.RateLimit.FailureCode)
		assert.Equal(t, "30s", cfg.Flags.TTL)
		assert.Equal(t, "flags:", cfg.Flags.KeyPrefix)
		assert.Equal(t, "30s", cfg.Cache.TTL)
		assert.Equal(t, "cache:", cfg.Cache.KeyPrefix)
		assert.Equal(t, 5, cfg.Breaker.Threshold)
		assert.Equal(t, "10s", cfg.Breaker.Cooldown)
		assert.Equal(t, "2500ms", cfg.Upstream.Timeout)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "edgegate", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
gateway:
  api_key: "s3cr3t"
origins:
  default: "http://origin-v1:3000"
  canary: "http://origin-v2:3000"
  canary_ratio: 0.25
redis:
  endpoints:
    - "redis:6379"
  mode: "single"
rate_limit:
  window: "30s"
  limit: 200
  shards: 8
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("EDGEGATE_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "s3cr3t", cfg.Gateway.APIKey.Value())
		assert.Equal(t, "http://origin-v1:3000", cfg.Origins.Default)
		assert.Equal(t, "http://origin-v2:3000", cfg.Origins.Canary)
		assert.Equal(t, 0.25, cfg.Origins.CanaryRatio)
		assert.Equal(t, "30s", cfg.RateLimit.Window)
		assert.Equal(t, int64(200), cfg.RateLimit.Limit)
		assert.Equal(t, 8, cfg.RateLimit.Shards)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("EDGEGATE_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("EDGEGATE_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("EDGEGATE_GATEWAY_API_KEY", "env-key")
		t.Setenv("EDGEGATE_ORIGINS_DEFAULT", "http://fallback-origin:8080")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.Gateway.APIKey.Value())
		assert.Equal(t, "http://fallback-origin:8080", cfg.Origins.Default)
		assert.Equal(t, ":8080", cfg.Server.Address) // default
	})

	t.Run("rejects config without api_key", func(t *testing.T) {
		t.Setenv("EDGEGATE_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("EDGEGATE_ORIGINS_DEFAULT", "http://origin:8080")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gateway.api_key")
	})

	t.Run("rejects config without default origin", func(t *testing.T) {
		t.Setenv("EDGEGATE_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("EDGEGATE_GATEWAY_API_KEY", "k")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "origins.default")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		cfg := Defaults()
		cfg.Origins.Default = "http://default:8080"

		t.Setenv("EDGEGATE_SERVER_ADDRESS", ":7777")
		t.Setenv("EDGEGATE_ORIGINS_DEFAULT", "http://env-origin:9090")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "http://env-origin:9090", cfg.Origins.Default)
	})

	t.Run("env overrides numeric fields", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("EDGEGATE_RATE_LIMIT_LIMIT", "500")
		t.Setenv("EDGEGATE_RATE_LIMIT_SHARDS", "32")
		t.Setenv("EDGEGATE_ORIGINS_CANARY_RATIO", "0.5")
		t.Setenv("EDGEGATE_BREAKER_THRESHOLD", "3")

		parseEnv(t, cfg)

		assert.Equal(t, int64(500), cfg.RateLimit.Limit)
		assert.Equal(t, 32, cfg.RateLimit.Shards)
		assert.Equal(t, 0.5, cfg.Origins.CanaryRatio)
		assert.Equal(t, 3, cfg.Breaker.Threshold)
	})

	t.Run("env overrides list fields with comma separator", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("EDGEGATE_REDIS_ENDPOINTS", "r1:6379,r2:6379,r3:6379")

		parseEnv(t, cfg)

		assert.Equal(t, []string{"r1:6379", "r2:6379", "r3:6379"}, cfg.Redis.Endpoints)
	})

	t.Run("env overrides secret fields", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("EDGEGATE_GATEWAY_API_KEY", "super-secret")
		t.Setenv("EDGEGATE_REDIS_PASSWORD", "redis-pass")

		parseEnv(t, cfg)

		assert.Equal(t, "super-secret", cfg.Gateway.APIKey.Value())
		assert.Equal(t, "redis-pass", cfg.Redis.Password.Value())
	})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases enum fields", func(t *testing.T) {
		cfg := Defaults()
		cfg.RateLimit.FailurePolicy = "FailClosed"
		cfg.Redis.Mode = "SENTINEL"
		cfg.Logging.Level = "DEBUG"
		cfg.Logging.Format = "Text"

		cfg.normalize()

		assert.Equal(t, FailurePolicyFailClosed, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, RedisModeSentinel, cfg.Redis.Mode)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("normalizes TLS version spellings", func(t *testing.T) {
		for _, tc := range []struct {
			in   string
			want TLSVersion
		}{
			{"tls1.3", TLSVersion13},
			{"TLS13", TLSVersion13},
			{"1.3", TLSVersion13},
			{"tls1.2", TLSVersion12},
			{"1.2", TLSVersion12},
			{"", TLSVersion("")},
		} {
			cfg := Defaults()
			cfg.Server.TLS.MinVersion = TLSVersion(tc.in)
			cfg.normalize()
			assert.Equal(t, tc.want, cfg.Server.TLS.MinVersion, "input %q", tc.in)
		}
	})

	t.Run("restores empty health path to default", func(t *testing.T) {
		cfg := Defaults()
		cfg.Gateway.HealthPath = ""
		cfg.normalize()
		assert.Equal(t, "/health", cfg.Gateway.HealthPath)
	})
}

// minimalValid returns a config that passes Validate, for mutation in
// validation tests.
func minimalValid() *Config {
	cfg := Defaults()
	cfg.Gateway.APIKey = "test-key"
	cfg.Origins.Default = "http://origin:8080"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("accepts minimal valid config", func(t *testing.T) {
		assert.NoError(t, validate(minimalValid()))
	})

	t.Run("rejects canary_ratio outside [0,1]", func(t *testing.T) {
		for _, ratio := range []float64{-0.1, 1.1, 2} {
			cfg := minimalValid()
			cfg.Origins.CanaryRatio = ratio
			err := validate(cfg)
			require.Error(t, err, "ratio %v", ratio)
			assert.Contains(t, err.Error(), "canary_ratio")
		}
	})

	t.Run("accepts canary_ratio boundaries", func(t *testing.T) {
		for _, ratio := range []float64{0, 1} {
			cfg := minimalValid()
			cfg.Origins.CanaryRatio = ratio
			assert.NoError(t, validate(cfg), "ratio %v", ratio)
		}
	})

	t.Run("normalizes origin URLs with explicit ports", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Origins.Default = "https://origin.example.com"
		cfg.Origins.EU = "http://eu.example.com/base"

		require.NoError(t, validate(cfg))
		assert.Equal(t, "https://origin.example.com:443", cfg.Origins.Default)
		assert.Equal(t, "http://eu.example.com:80/base", cfg.Origins.EU)
	})

	t.Run("rejects origin URL without scheme", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Origins.US = "origin.example.com"
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "origins.us")
	})

	t.Run("rejects invalid durations", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Upstream.Timeout = "2500"
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream.timeout")
	})

	t.Run("rejects rate limit below 1", func(t *testing.T) {
		cfg := minimalValid()
		cfg.RateLimit.Limit = 0
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects zero shards", func(t *testing.T) {
		cfg := minimalValid()
		cfg.RateLimit.Shards = 0
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects unknown failure policy", func(t *testing.T) {
		cfg := minimalValid()
		cfg.RateLimit.FailurePolicy = "explode"
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failure_policy")
	})

	t.Run("rejects non-error failure code", func(t *testing.T) {
		cfg := minimalValid()
		cfg.RateLimit.FailureCode = 200
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects breaker threshold below 1", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Breaker.Threshold = 0
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "breaker.threshold")
	})

	t.Run("rejects TLS without cert files", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Server.TLS.Enabled = true
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cert_file")
	})

	t.Run("rejects HTTP/3 without TLS", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Server.TLS.HTTP3Enabled = true
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http3")
	})

	t.Run("rejects sentinel mode without master name", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Redis.Mode = RedisModeSentinel
		cfg.Redis.Endpoints = []string{"s1:26379", "s2:26379"}
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "master_name")
	})

	t.Run("rejects single mode with multiple endpoints", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Redis.Endpoints = []string{"r1:6379", "r2:6379"}
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects empty redis endpoints", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Redis.Endpoints = nil
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects enabled events without URL", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Events.Enabled = true
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "events.http.url")
	})

	t.Run("rejects enabled tracing without endpoint", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Tracing.Enabled = true
		err := validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tracing.endpoint")
	})

	t.Run("rejects invalid log level", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Logging.Level = "verbose"
		assert.Error(t, validate(cfg))
	})

	t.Run("rejects health path without leading slash", func(t *testing.T) {
		cfg := minimalValid()
		cfg.Gateway.HealthPath = "health"
		assert.Error(t, validate(cfg))
	})
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://host", want: "http://host:80"},
		{in: "https://host", want: "https://host:443"},
		{in: "http://host:3000", want: "http://host:3000"},
		{in: "https://host:8443/base?x=1", want: "https://host:8443/base?x=1"},
		{in: "host:3000", wantErr: true}, // parses as scheme "host"
		{in: "/just/a/path", wantErr: true},
		{in: "://", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := normalizeURL(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRedactedString(t *testing.T) {
	t.Run("masks value in String and GoString", func(t *testing.T) {
		s := RedactedString("hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", s.GoString())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	})

	t.Run("empty secret stays empty", func(t *testing.T) {
		s := RedactedString("")
		assert.Equal(t, "", s.String())
	})

	t.Run("masks value in JSON", func(t *testing.T) {
		s := RedactedString("hunter2")
		b, err := json.Marshal(s)
		require.NoError(t, err)
		assert.Equal(t, `"[REDACTED]"`, string(b))
		assert.NotContains(t, string(b), "hunter2")
	})

	t.Run("Value returns the secret", func(t *testing.T) {
		assert.Equal(t, "hunter2", RedactedString("hunter2").Value())
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		d, err := ParseDuration("2500ms", 0)
		require.NoError(t, err)
		assert.Equal(t, "2.5s", d.String())
	})

	t.Run("returns default for empty string", func(t *testing.T) {
		d, err := ParseDuration("", 42)
		require.NoError(t, err)
		assert.Equal(t, int64(42), int64(d))
	})

	t.Run("MustParseDuration falls back to default on error", func(t *testing.T) {
		assert.Equal(t, int64(7), int64(MustParseDuration("garbage", 7)))
	})
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config requires nothing", func(t *testing.T) {
		cfg := minimalValid()
		assert.Empty(t, cfg.RequiresRestart(nil))
	})

	t.Run("identical configs require nothing", func(t *testing.T) {
		a, b := minimalValid(), minimalValid()
		assert.Empty(t, a.RequiresRestart(b))
	})

	t.Run("address change requires restart", func(t *testing.T) {
		a, b := minimalValid(), minimalValid()
		a.Server.Address = ":8081"
		fields := a.RequiresRestart(b)
		assert.Contains(t, fields, "server.address")
	})

	t.Run("hot-reloadable fields do not require restart", func(t *testing.T) {
		a, b := minimalValid(), minimalValid()
		a.Origins.CanaryRatio = 0.9
		a.RateLimit.Limit = 5
		a.Breaker.Threshold = 2
		assert.Empty(t, a.RequiresRestart(b))
	})
}
