package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{"empty string", "", nil, ""},
		{"string without placeholders", "simple-string", nil, "simple-string"},
		{"simple variable expansion", "${TTS_TEST_KEY}", map[string]string{"TTS_TEST_KEY": "secret"}, "secret"},
		{"variable in middle of string", "./${TTS_TEST_DIR}/cache", map[string]string{"TTS_TEST_DIR": "data"}, "./data/cache"},
		{
			"multiple variables",
			"${TTS_TEST_SCHEME}://${TTS_TEST_HOST}:${TTS_TEST_PORT}",
			map[string]string{"TTS_TEST_SCHEME": "http", "TTS_TEST_HOST": "gpu-box", "TTS_TEST_PORT": "8020"},
			"http://gpu-box:8020",
		},
		{"default unused when set", "${TTS_TEST_PORT:-5055}", map[string]string{"TTS_TEST_PORT": "6000"}, "6000"},
		{"default when missing", "${TTS_TEST_PORT:-5055}", nil, "5055"},
		{"default when empty", "${TTS_TEST_PORT:-5055}", map[string]string{"TTS_TEST_PORT": ""}, "5055"},
		{"unresolved variable kept", "${TTS_TEST_MISSING}", nil, "${TTS_TEST_MISSING}"},
		{"empty variable without default kept", "${TTS_TEST_EMPTY}", map[string]string{"TTS_TEST_EMPTY": ""}, "${TTS_TEST_EMPTY}"},
		{
			"partially resolved string",
			"${TTS_TEST_A}-${TTS_TEST_B}",
			map[string]string{"TTS_TEST_A": "value1"},
			"value1-${TTS_TEST_B}",
		},
		{"default with colon", "${TTS_TEST_URL:-http://localhost:8020}", nil, "http://localhost:8020"},
		{"empty default", "${TTS_TEST_MASTER_KEY:-}", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandString(tt.input))
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "TTS_PORT wins over PORT",
			envVars: map[string]string{"TTS_PORT": "6000", "PORT": "7000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "6000", cfg.Server.Port)
			},
		},
		{
			name:    "PORT fallback",
			envVars: map[string]string{"PORT": "7000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "7000", cfg.Server.Port)
			},
		},
		{
			name:    "cache size in GB",
			envVars: map[string]string{"TTS_CACHE_MAX_SIZE_GB": "0.5"},
			check: func(t *testing.T, cfg *Config) {
				n, err := cfg.Cache.MaxSizeBytes()
				require.NoError(t, err)
				assert.Equal(t, int64(512*1024*1024), n)
			},
		},
		{
			name:    "human readable cache size wins over GB",
			envVars: map[string]string{"TTS_CACHE_MAX_SIZE": "200MB", "TTS_CACHE_MAX_SIZE_GB": "3"},
			check: func(t *testing.T, cfg *Config) {
				n, err := cfg.Cache.MaxSizeBytes()
				require.NoError(t, err)
				assert.Equal(t, int64(200_000_000), n)
			},
		},
		{
			name:    "model and engine",
			envVars: map[string]string{"TTS_DEFAULT_SPEED": "1.0", "TTS_PRELOAD": "false", "TTS_ENGINE": "http", "TTS_ENGINE_URL": "http://gpu:8020", "TTS_ENGINE_ARGS": "--text {text} --out_path {output}"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 1.0, cfg.Model.DefaultSpeed)
				assert.False(t, cfg.Model.Preload)
				assert.Equal(t, "http", cfg.Engine.Type)
				assert.Equal(t, "http://gpu:8020", cfg.Engine.HTTP.URL)
				assert.Equal(t, []string{"--text", "{text}", "--out_path", "{output}"}, cfg.Engine.Command.Args)
			},
		},
		{
			name:    "CORS origins",
			envVars: map[string]string{"TTS_CORS_ORIGINS": "https://a.example, https://b.example,"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgresql", cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				assert.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "HTTP timeout overrides",
			envVars: map[string]string{"HTTP_TIMEOUT": "30", "HTTP_RESPONSE_HEADER_TIMEOUT": "60"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30, cfg.HTTP.Timeout)
				assert.Equal(t, 60, cfg.HTTP.ResponseHeaderTimeout)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "5055", cfg.Server.Port)
				assert.Equal(t, "fr", cfg.Model.DefaultLanguage)
				assert.Equal(t, 1.15, cfg.Model.DefaultSpeed)
				assert.Equal(t, 600, cfg.HTTP.Timeout)
				n, err := cfg.Cache.MaxSizeBytes()
				require.NoError(t, err)
				assert.Equal(t, int64(1<<30), n)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("USAGE_BUFFER_SIZE", "lots")
	t.Setenv("METRICS_ENABLED", "maybe")
	t.Setenv("TTS_CACHE_MAX_SIZE_GB", "-1")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USAGE_BUFFER_SIZE")
	assert.Contains(t, err.Error(), "METRICS_ENABLED")
	assert.Contains(t, err.Error(), "TTS_CACHE_MAX_SIZE_GB")
}

func TestLoad_YAMLWithPlaceholders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "${TTS_TEST_YAML_PORT:-9999}"
cache:
  path: /var/cache/tts
  max_size: 250MiB
model:
  default_language: en
engine:
  type: http
  http:
    url: "${TTS_TEST_YAML_URL}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TTS_TEST_YAML_URL", "http://gpu:8020")

	result, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)

	cfg := result.Config
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "/var/cache/tts", cfg.Cache.Path)
	assert.Equal(t, "en", cfg.Model.DefaultLanguage)
	assert.Equal(t, "http://gpu:8020", cfg.Engine.HTTP.URL)
	assert.True(t, cfg.Model.Preload, "keys absent from the file keep their defaults")

	n, err := cfg.Cache.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(250<<20), n)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8000\"\n"), 0o644))
	t.Setenv("TTS_PORT", "8100")

	result, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8100", result.Config.Server.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExpandedValueCannotInjectYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  master_key: \"${TTS_TEST_INJECT}\"\n"), 0o644))
	t.Setenv("TTS_TEST_INJECT", "abc\nengine:\n  type: bogus")

	result, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc\nengine:\n  type: bogus", result.Config.Server.MasterKey)
	assert.Equal(t, "command", result.Config.Engine.Type)
}

func TestBuildDefaultConfig_Defaults(t *testing.T) {
	cfg := buildDefaultConfig()
	assert.Equal(t, "5055", cfg.Server.Port)
	assert.Equal(t, "fr", cfg.Model.DefaultLanguage)
	assert.Equal(t, 1.15, cfg.Model.DefaultSpeed)
	assert.Zero(t, cfg.Model.MaxTextLength, "text length is unlimited unless configured")
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = "http" }, "server.port"},
		{"bad cache size", func(c *Config) { c.Cache.MaxSize = "lots" }, "cache.max_size"},
		{"bad target ratio", func(c *Config) { c.Cache.TargetRatio = 1.5 }, "cache.target_ratio"},
		{"bad speed", func(c *Config) { c.Model.DefaultSpeed = 0 }, "model.default_speed"},
		{"unknown engine", func(c *Config) { c.Engine.Type = "grpc" }, "engine.type"},
		{"http engine needs url", func(c *Config) { c.Engine.Type = "http" }, "engine.http.url"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
