// Package config loads the server configuration: built-in defaults, then an
// optional YAML file with ${VAR} and ${VAR:-default} expansion, then
// environment variable overrides (a .env file is read first when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const gib = 1 << 30

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Model   ModelConfig   `yaml:"model"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Usage   UsageConfig   `yaml:"usage"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LogConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `yaml:"port"`

	// MasterKey protects every route but /health when set.
	MasterKey string `yaml:"master_key"`

	CORSOrigins []string `yaml:"cors_origins"`

	// BodySizeLimit accepts sizes like "1MB" or "512KiB".
	BodySizeLimit string `yaml:"body_size_limit"`
}

// CacheConfig holds the audio cache settings.
type CacheConfig struct {
	Path string `yaml:"path"`

	// MaxSize is the byte budget, e.g. "1GiB". Zero disables eviction.
	MaxSize string `yaml:"max_size"`

	TargetRatio    float64 `yaml:"target_ratio"`
	ReconcileEvery int     `yaml:"reconcile_every"`
}

// MaxSizeBytes parses MaxSize.
func (c CacheConfig) MaxSizeBytes() (int64, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid cache max size %q: %w", c.MaxSize, err)
	}
	return int64(n), nil
}

// ModelConfig holds the voice model settings.
type ModelConfig struct {
	VoiceRefPath    string  `yaml:"voice_ref_path"`
	DefaultLanguage string  `yaml:"default_language"`
	DefaultSpeed    float64 `yaml:"default_speed"`
	// MaxTextLength limits input in runes. Zero means unlimited.
	MaxTextLength int `yaml:"max_text_length"`

	// Preload starts loading the model at startup when the reference clip exists.
	Preload bool `yaml:"preload"`

	// LoadTimeout bounds one load attempt, in seconds. Zero means no limit.
	LoadTimeout int `yaml:"load_timeout"`
}

// EngineConfig selects and configures the synthesis backend.
type EngineConfig struct {
	Type    string              `yaml:"type"`
	Timeout int                 `yaml:"timeout"` // seconds
	Command CommandEngineConfig `yaml:"command"`
	HTTP    HTTPEngineConfig    `yaml:"http"`
}

// CommandEngineConfig configures a TTS command line tool.
type CommandEngineConfig struct {
	Path      string            `yaml:"path"`
	Args      []string          `yaml:"args"`
	ProbeArgs []string          `yaml:"probe_args"`
	Model     string            `yaml:"model"`
	Env       map[string]string `yaml:"env"`
}

// HTTPEngineConfig configures a remote model server.
type HTTPEngineConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// UsageConfig holds usage tracking settings.
type UsageConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"` // seconds
	RetentionDays int  `yaml:"retention_days"`
}

// StorageConfig selects the database behind usage tracking.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// HTTPConfig holds outbound HTTP client timeouts, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// LogConfig holds log output settings.
type LogConfig struct {
	Format string `yaml:"format"` // auto, text or json
	Level  string `yaml:"level"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config

	// Path is the YAML file that was read, empty when none was found.
	Path string
}

// defaultConfigPaths are tried in order when Load is given no path.
var defaultConfigPaths = []string{"config.yaml", "config/config.yaml"}

// Load builds the configuration. An explicit path must exist; without one the
// default locations are tried and skipped when absent.
func Load(path string) (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := buildDefaultConfig()
	result := &LoadResult{Config: cfg}

	candidates := defaultConfigPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == "" {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", p, err)
		}
		result.Path = p
		break
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "5055",
			CORSOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
			BodySizeLimit: "1MB",
		},
		Cache: CacheConfig{
			Path:        "./cache",
			MaxSize:     "1GiB",
			TargetRatio: 0.9,
		},
		Model: ModelConfig{
			VoiceRefPath:    "./voices/voice_ref.wav",
			DefaultLanguage: "fr",
			DefaultSpeed:    1.15,
			Preload:         true,
		},
		Engine: EngineConfig{
			Type:    "command",
			Timeout: 300,
			Command: CommandEngineConfig{
				Path: "tts",
			},
			HTTP: HTTPEngineConfig{
				MaxRetries: 3,
			},
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Usage: UsageConfig{
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/gotts.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 4},
			MongoDB:    MongoDBConfig{Database: "gotts"},
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
		Logging: LogConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// decodeYAML expands environment placeholders in scalar values only, so an
// expanded value can never change the document structure.
func decodeYAML(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind == 0 {
		return nil
	}
	expandNode(&root)
	return root.Decode(cfg)
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		n.Value = expandString(n.Value)
		return
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} with the value of VAR and ${VAR:-default} with
// the value or the default when VAR is unset or empty. A ${VAR} without a
// default whose variable is unset or empty is left untouched.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	integer := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	list := func(dst *[]string, key string, split func(string) []string) {
		if v := os.Getenv(key); v != "" {
			*dst = split(v)
		}
	}

	str(&cfg.Server.Port, "TTS_PORT", "PORT")
	str(&cfg.Server.MasterKey, "TTS_MASTER_KEY")
	list(&cfg.Server.CORSOrigins, "TTS_CORS_ORIGINS", splitComma)
	str(&cfg.Server.BodySizeLimit, "TTS_BODY_SIZE_LIMIT")

	str(&cfg.Cache.Path, "TTS_CACHE_PATH")
	str(&cfg.Cache.MaxSize, "TTS_CACHE_MAX_SIZE")
	if v := os.Getenv("TTS_CACHE_MAX_SIZE_GB"); v != "" && os.Getenv("TTS_CACHE_MAX_SIZE") == "" {
		gb, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || gb < 0 {
			errs = append(errs, fmt.Errorf("TTS_CACHE_MAX_SIZE_GB: invalid size %q", v))
		} else {
			cfg.Cache.MaxSize = strconv.FormatInt(int64(gb*gib), 10)
		}
	}
	float(&cfg.Cache.TargetRatio, "TTS_CACHE_TARGET_RATIO")

	str(&cfg.Model.VoiceRefPath, "TTS_VOICE_REF_PATH")
	str(&cfg.Model.DefaultLanguage, "TTS_DEFAULT_LANGUAGE")
	float(&cfg.Model.DefaultSpeed, "TTS_DEFAULT_SPEED")
	integer(&cfg.Model.MaxTextLength, "TTS_MAX_TEXT_LENGTH")
	boolean(&cfg.Model.Preload, "TTS_PRELOAD")
	integer(&cfg.Model.LoadTimeout, "TTS_MODEL_LOAD_TIMEOUT")

	str(&cfg.Engine.Type, "TTS_ENGINE")
	integer(&cfg.Engine.Timeout, "TTS_ENGINE_TIMEOUT")
	str(&cfg.Engine.Command.Path, "TTS_ENGINE_COMMAND")
	list(&cfg.Engine.Command.Args, "TTS_ENGINE_ARGS", strings.Fields)
	str(&cfg.Engine.Command.Model, "TTS_ENGINE_MODEL")
	str(&cfg.Engine.HTTP.URL, "TTS_ENGINE_URL")
	str(&cfg.Engine.HTTP.APIKey, "TTS_ENGINE_API_KEY")

	boolean(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	str(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")

	boolean(&cfg.Usage.Enabled, "USAGE_ENABLED")
	integer(&cfg.Usage.BufferSize, "USAGE_BUFFER_SIZE")
	integer(&cfg.Usage.FlushInterval, "USAGE_FLUSH_INTERVAL")
	integer(&cfg.Usage.RetentionDays, "USAGE_RETENTION_DAYS")

	str(&cfg.Storage.Type, "STORAGE_TYPE")
	str(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	str(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	integer(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS")
	str(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	str(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")

	integer(&cfg.HTTP.Timeout, "HTTP_TIMEOUT")
	integer(&cfg.HTTP.ResponseHeaderTimeout, "HTTP_RESPONSE_HEADER_TIMEOUT")

	str(&cfg.Logging.Format, "LOG_FORMAT")
	str(&cfg.Logging.Level, "LOG_LEVEL")

	return errors.Join(errs...)
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port: invalid port %q", c.Server.Port))
	}
	if c.Server.BodySizeLimit != "" {
		if _, err := humanize.ParseBytes(c.Server.BodySizeLimit); err != nil {
			errs = append(errs, fmt.Errorf("server.body_size_limit: %w", err))
		}
	}
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	if _, err := c.Cache.MaxSizeBytes(); err != nil {
		errs = append(errs, fmt.Errorf("cache.max_size: %w", err))
	}
	if c.Cache.TargetRatio <= 0 || c.Cache.TargetRatio > 1 {
		errs = append(errs, fmt.Errorf("cache.target_ratio must be in (0, 1], got %v", c.Cache.TargetRatio))
	}
	if c.Model.DefaultSpeed <= 0 || c.Model.DefaultSpeed > 4 {
		errs = append(errs, fmt.Errorf("model.default_speed must be in (0, 4], got %v", c.Model.DefaultSpeed))
	}
	switch c.Engine.Type {
	case "command":
		if c.Engine.Command.Path == "" {
			errs = append(errs, errors.New("engine.command.path is required for the command engine"))
		}
	case "http":
		if c.Engine.HTTP.URL == "" {
			errs = append(errs, errors.New("engine.http.url is required for the http engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.type: unknown engine %q", c.Engine.Type))
	}
	switch c.Logging.Format {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
