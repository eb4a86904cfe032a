// Package config loads the engine configuration from the environment and
// the scoring policy from a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	App           AppConfig           `envPrefix:"APP_"`
	Database      DatabaseConfig      `envPrefix:"DB_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	HTTP          HTTPConfig          `envPrefix:"HTTP_"`
	Cache         CacheConfig         `envPrefix:"CACHE_"`
	Source        SourceConfig        `envPrefix:"SOURCE_"`
	Policy        PolicyConfig        `envPrefix:"POLICY_"`
	Jobs          JobsConfig          `envPrefix:"JOBS_"`
	Observability ObservabilityConfig `envPrefix:"OTEL_"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string      `env:"NAME" envDefault:"progress-engine"`
	Environment Environment `env:"ENV" envDefault:"development"`
	Version     string      `env:"VERSION" envDefault:"0.1.0"`

	// Timezone defines day boundaries when a request names none.
	Timezone string `env:"TIMEZONE" envDefault:"UTC"`
	location *time.Location

	// InstanceID tags peer invalidation messages. Generated when empty.
	InstanceID string `env:"INSTANCE_ID"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// DatabaseConfig selects the session store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `env:"DRIVER" envDefault:"postgres"`

	// URL takes precedence over the individual postgres settings.
	URL      string `env:"URL"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	Name     string `env:"NAME" envDefault:"progress"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`

	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"30m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`

	RunMigrations bool `env:"MIGRATE" envDefault:"true"`

	// Listen subscribes to session change notifications.
	Listen bool `env:"LISTEN" envDefault:"true"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"progress.db"`
}

// RedisConfig holds the shared cache tier settings.
type RedisConfig struct {
	// Disabled runs a single instance without the shared tier.
	Disabled bool `env:"DISABLED" envDefault:"false"`

	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`

	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"1s"`

	Namespace string `env:"NAMESPACE" envDefault:"progress"`
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"20s"`

	MaxBodyBytes       int64    `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	AllowedOrigins     []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	RateLimitPerMinute int      `env:"RATE_LIMIT" envDefault:"600"`

	ClientCacheMaxAge time.Duration `env:"CLIENT_CACHE_MAX_AGE" envDefault:"30s"`
}

// CacheConfig sizes the in-process cache and the shared tier.
type CacheConfig struct {
	Capacity int           `env:"CAPACITY" envDefault:"4096"`
	MaxAge   time.Duration `env:"MAX_AGE" envDefault:"0s"`
	StoreTTL time.Duration `env:"STORE_TTL" envDefault:"24h"`
}

// SourceConfig tunes the resilience wrapper around the session store.
type SourceConfig struct {
	OrderTolerance   time.Duration `env:"ORDER_TOLERANCE" envDefault:"1s"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
	Concurrency      int           `env:"CONCURRENCY" envDefault:"0"`
}

// PolicyConfig locates the scoring policy file. An empty File selects the
// built-in policy.
type PolicyConfig struct {
	File     string        `env:"FILE"`
	Watch    bool          `env:"WATCH" envDefault:"true"`
	Debounce time.Duration `env:"DEBOUNCE" envDefault:"250ms"`
}

// JobsConfig schedules background jobs.
type JobsConfig struct {
	// WarmStudents are precomputed after every day boundary. Empty disables
	// the warm-up job.
	WarmStudents []string `env:"WARM_STUDENTS" envSeparator:","`
	WarmSchedule string   `env:"WARM_SCHEDULE" envDefault:"5 0 * * *"`

	// StatsInterval logs cache counters. Zero disables the job.
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"5m"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty disables tracing.
	Endpoint    string  `env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"progress-engine"`
	SampleRatio float64 `env:"TRACES_SAMPLER_ARG" envDefault:"1"`
}

// ParseEnv fills target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads an optional .env file, parses the environment and validates
// the result.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) resolve() error {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return fmt.Errorf("APP_TIMEZONE: %w", err)
	}
	c.App.location = loc

	if c.App.InstanceID == "" {
		c.App.InstanceID = uuid.NewString()
	}
	return nil
}

// Location returns the resolved Timezone, or UTC before Load resolves it.
func (a AppConfig) Location() *time.Location {
	if a.location == nil {
		return time.UTC
	}
	return a.location
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "postgres":
		if c.IsProduction() && c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, "DB_URL or DB_PASSWORD is required in production")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, "DB_SQLITE_PATH is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver))
	}

	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, "HTTP_PORT must be 1-65535")
	}
	if c.HTTP.RateLimitPerMinute < 0 {
		errs = append(errs, "HTTP_RATE_LIMIT must be >= 0")
	}
	if c.Cache.Capacity < 1 {
		errs = append(errs, "CACHE_CAPACITY must be >= 1")
	}
	if c.Source.BreakerThreshold < 1 {
		errs = append(errs, "SOURCE_BREAKER_THRESHOLD must be >= 1")
	}
	if c.Jobs.StatsInterval < 0 {
		errs = append(errs, "JOBS_STATS_INTERVAL must be >= 0")
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		errs = append(errs, "OTEL_TRACES_SAMPLER_ARG must be within 0-1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
