// Package config loads orchestrator process configuration from defaults,
// an optional YAML file, and environment overrides, following the layered
// approach the rest of the service fleet uses for its own configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the thin out-of-core HTTP/WS presentation layer.
type ServerConfig struct {
	Addr         string        `env:"SERVER_ADDR" yaml:"addr"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" yaml:"write_timeout"`
}

// DatabaseConfig describes the Postgres connection backing the session
// repository.
type DatabaseConfig struct {
	Host         string        `env:"DB_HOST" yaml:"host"`
	Port         int           `env:"DB_PORT" yaml:"port"`
	Name         string        `env:"DB_NAME" yaml:"name"`
	User         string        `env:"DB_USER" yaml:"user"`
	Password     string        `env:"DB_PASSWORD" yaml:"password"`
	SSLMode      string        `env:"DB_SSLMODE" yaml:"sslmode"`
	PoolSize     int           `env:"DB_POOL_SIZE" yaml:"pool_size"`
	PoolTimeout  time.Duration `env:"DB_POOL_TIMEOUT" yaml:"pool_timeout"`
	RetryBudget  int           `env:"DB_RETRY_BUDGET" yaml:"retry_budget"`
	MigrateOnRun bool          `env:"DB_MIGRATE_ON_RUN" yaml:"migrate_on_run"`
}

// ConnectionString assembles a libpq-style DSN from the configured fields.
func (d DatabaseConfig) ConnectionString() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslmode)
}

// CacheConfig describes the shared Redis instance backing locks, the
// sliding-window rate limiter, and adapter response caching.
type CacheConfig struct {
	Host               string        `env:"CACHE_HOST" yaml:"host"`
	Port               int           `env:"CACHE_PORT" yaml:"port"`
	Password           string        `env:"CACHE_PASSWORD" yaml:"password"`
	DB                 int           `env:"CACHE_DB" yaml:"db"`
	MaxConnections     int           `env:"CACHE_MAX_CONNECTIONS" yaml:"max_connections"`
	DialTimeout        time.Duration `env:"CACHE_DIAL_TIMEOUT" yaml:"dial_timeout"`
	CircuitThreshold   int           `env:"CACHE_CIRCUIT_THRESHOLD" yaml:"circuit_threshold"`
	CircuitRecoverSecs int           `env:"CACHE_CIRCUIT_RECOVER_SECONDS" yaml:"circuit_recover_seconds"`
}

// Addr returns the host:port pair go-redis expects.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AgentAPIConfig controls outbound calls to internal agent HTTP APIs.
type AgentAPIConfig struct {
	BaseURL              string        `env:"AGENT_API_BASE_URL" yaml:"base_url"`
	APIKey               string        `env:"AGENT_API_KEY" yaml:"api_key"`
	Timeout              time.Duration `env:"AGENT_API_TIMEOUT" yaml:"timeout"`
	RequestsPerMinute    int           `env:"AGENT_API_REQUESTS_PER_MINUTE" yaml:"requests_per_minute"`
	CircuitFailThreshold int           `env:"AGENT_API_CIRCUIT_FAIL_THRESHOLD" yaml:"circuit_fail_threshold"`
	CircuitRecoverSecs   int           `env:"AGENT_API_CIRCUIT_RECOVER_SECONDS" yaml:"circuit_recover_seconds"`
	CacheTTL             time.Duration `env:"AGENT_API_CACHE_TTL" yaml:"cache_ttl"`
}

// OrchestratorConfig controls supervisor-wide behaviour.
type OrchestratorConfig struct {
	MaxConcurrentSupervisors int           `env:"ORCH_MAX_CONCURRENT_SUPERVISORS" yaml:"max_concurrent_supervisors"`
	DefaultMaxDuration       time.Duration `env:"ORCH_DEFAULT_MAX_DURATION" yaml:"default_max_duration"`
	CheckpointInterval       time.Duration `env:"ORCH_CHECKPOINT_INTERVAL" yaml:"checkpoint_interval"`
	MaxRetries               int           `env:"ORCH_MAX_RETRIES" yaml:"max_retries"`
	RetryBaseDelay           time.Duration `env:"ORCH_RETRY_BASE_DELAY" yaml:"retry_base_delay"`
	RetryBackoffMultiplier   float64       `env:"ORCH_RETRY_BACKOFF_MULTIPLIER" yaml:"retry_backoff_multiplier"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// AuthConfig controls JWT validation for the REST/WS presentation layer.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// TracingConfig carries OTLP exporter settings; config-only in this build
// (see DESIGN.md for why no tracing SDK is wired in).
type TracingConfig struct {
	Enabled     bool              `env:"TRACING_ENABLED" yaml:"enabled"`
	OTLPAddr    string            `env:"TRACING_OTLP_ADDR" yaml:"otlp_addr"`
	ServiceName string            `env:"TRACING_SERVICE_NAME" yaml:"service_name"`
	Attributes  map[string]string `yaml:"attributes"`
}

// MergeAttributes overlays extra key/value pairs onto the configured
// attribute set without mutating the caller's map.
func (t TracingConfig) MergeAttributes(extra map[string]string) map[string]string {
	out := make(map[string]string, len(t.Attributes)+len(extra))
	for k, v := range t.Attributes {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Config is the top-level process configuration.
type Config struct {
	Server              ServerConfig
	Database            DatabaseConfig
	Cache               CacheConfig
	AgentAPI            AgentAPIConfig
	Orchestrator        OrchestratorConfig
	Logging             LoggingConfig
	Tracing             TracingConfig
	Auth                AuthConfig
	databaseURLOverride string
}

// New returns a Config populated with conservative defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			Name:        "orchestrator",
			SSLMode:     "disable",
			PoolSize:    10,
			PoolTimeout: 5 * time.Second,
			RetryBudget: 3,
		},
		Cache: CacheConfig{
			Host:               "localhost",
			Port:               6379,
			DB:                 0,
			MaxConnections:     20,
			DialTimeout:        2 * time.Second,
			CircuitThreshold:   5,
			CircuitRecoverSecs: 30,
		},
		AgentAPI: AgentAPIConfig{
			Timeout:              30 * time.Second,
			RequestsPerMinute:    120,
			CircuitFailThreshold: 10,
			CircuitRecoverSecs:   30,
			CacheTTL:             5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSupervisors: 50,
			DefaultMaxDuration:       10 * time.Minute,
			CheckpointInterval:       300 * time.Second,
			MaxRetries:               3,
			RetryBaseDelay:           5 * time.Second,
			RetryBackoffMultiplier:   2.0,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, an optional YAML file (path from
// CONFIG_FILE, if set), a local .env file, and environment overrides, in
// that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.databaseURLOverride = dsn
	}

	return cfg, nil
}

// DSN returns DATABASE_URL when set, otherwise the assembled connection
// string from the individual Database fields.
func (c *Config) DSN() string {
	if c.databaseURLOverride != "" {
		return c.databaseURLOverride
	}
	return c.Database.ConnectionString()
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
