// Package config loads flowkeepd's configuration: a single Config struct
// decoded from an optional YAML file, a .env file, and environment
// variables, in that order (godotenv + yaml.v3 + envdecode).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Profile selects which of the three external-interface roles (§6) this
// process runs as.
type Profile string

const (
	ProfileStandalone Profile = "standalone"
	ProfileServer     Profile = "server"
	ProfileClient     Profile = "client"
)

// ServerConfig controls the HTTP/TLS listener when Profile is "server".
type ServerConfig struct {
	Host     string `yaml:"host" env:"SERVER_HOST"`
	Port     int    `yaml:"port" env:"SERVER_PORT"`
	TLSCert  string `yaml:"tls_cert" env:"SERVER_TLS_CERT"`
	TLSKey   string `yaml:"tls_key" env:"SERVER_TLS_KEY"`
	TokenFile string `yaml:"token_file" env:"SERVER_TOKEN_FILE"`
}

// Addr returns the host:port the HTTP server should bind.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// TLSEnabled reports whether both halves of the TLS material were supplied.
func (s ServerConfig) TLSEnabled() bool {
	return strings.TrimSpace(s.TLSCert) != "" && strings.TrimSpace(s.TLSKey) != ""
}

// ClientConfig controls the "client" profile: talking to a remote flowkeepd.
type ClientConfig struct {
	URL   string `yaml:"url" env:"CLIENT_URL"`
	Token string `yaml:"token" env:"CLIENT_TOKEN"`
}

// DatabaseConfig controls the persistence store (internal/store).
//
// DSN selects the backend: empty means in-memory, "backup:<dir>" means the
// directory-snapshot backend, anything else is passed to lib/pq as a
// postgres connection string.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// CacheConfig selects and tunes the C4 cache/event-bus backend.
type CacheConfig struct {
	Backend       string  `yaml:"backend" env:"CACHE_BACKEND"` // memory|redis
	RedisAddr     string  `yaml:"redis_addr" env:"CACHE_REDIS_ADDR"`
	RedisPassword string  `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
	RedisDB       int     `yaml:"redis_db" env:"CACHE_REDIS_DB"`
	CoalesceWindowSeconds float64 `yaml:"coalesce_window_seconds" env:"CACHE_COALESCE_WINDOW_SECONDS"`
	ForceEmitSeconds      float64 `yaml:"force_emit_seconds" env:"CACHE_FORCE_EMIT_SECONDS"`
}

// EngineConfig carries the tunables spec.md §6 names for the engine loop.
type EngineConfig struct {
	HostTimeoutUpperBoundSeconds int  `yaml:"host_timeout_upper_bound" env:"ENGINE_HOST_TIMEOUT_UPPER_BOUND"`
	MaxSuccessiveAttempts        int  `yaml:"max_successive_attempts" env:"ENGINE_MAX_SUCCESSIVE_ATTEMPTS"`
	ConcurrentSteps              int  `yaml:"concurrent_steps" env:"ENGINE_CONCURRENT_STEPS"`
	MaxBlockingTimeSeconds       int  `yaml:"max_blocking_time" env:"ENGINE_MAX_BLOCKING_TIME"`
	BlockStepTimeSeconds         int  `yaml:"block_step_time" env:"ENGINE_BLOCK_STEP_TIME"`
	ReadOnlyMode                 bool `yaml:"read_only_mode" env:"ENGINE_READ_ONLY_MODE"`
}

func (e EngineConfig) HostTimeoutUpperBound() time.Duration {
	return time.Duration(e.HostTimeoutUpperBoundSeconds) * time.Second
}

func (e EngineConfig) MaxBlockingTime() time.Duration {
	return time.Duration(e.MaxBlockingTimeSeconds) * time.Second
}

func (e EngineConfig) BlockStepTime() time.Duration {
	return time.Duration(e.BlockStepTimeSeconds) * time.Second
}

// LoggingConfig controls internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Config is the top-level configuration structure loaded by Load.
type Config struct {
	Profile  Profile         `yaml:"profile" env:"FLOWKEEP_PROFILE"`
	Server   ServerConfig    `yaml:"server"`
	Client   ClientConfig    `yaml:"client"`
	Database DatabaseConfig  `yaml:"database"`
	Cache    CacheConfig     `yaml:"cache"`
	Engine   EngineConfig    `yaml:"engine"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// New returns a Config populated with the defaults spec.md §6 names.
func New() *Config {
	return &Config{
		Profile: ProfileStandalone,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Cache: CacheConfig{
			Backend:               "memory",
			CoalesceWindowSeconds: 2.0,
			ForceEmitSeconds:      1.0,
		},
		Engine: EngineConfig{
			HostTimeoutUpperBoundSeconds: 60,
			MaxSuccessiveAttempts:        10,
			ConcurrentSteps:              4,
			MaxBlockingTimeSeconds:       300,
			BlockStepTimeSeconds:         3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "flowkeepd",
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE env var, default "configs/flowkeepd.yaml"), then lets
// environment variables override via envdecode, finally normalizing
// DATABASE_URL as a DSN override for deployment convenience.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/flowkeepd.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

// LoadFile reads configuration from an explicit YAML path, skipping env/.env
// resolution. (The -config flag goes through Load, via CONFIG_FILE.)
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the invariants §6 implies for the selected profile.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileServer:
		if c.Server.TLSCert != "" && c.Server.TLSKey == "" || c.Server.TLSCert == "" && c.Server.TLSKey != "" {
			return fmt.Errorf("server profile: tls_cert and tls_key must both be set or both be empty")
		}
	case ProfileClient:
		if strings.TrimSpace(c.Client.URL) == "" {
			return fmt.Errorf("client profile: url is required")
		}
	case ProfileStandalone:
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	return nil
}
