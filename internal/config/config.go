package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/patientflow/internal/sim"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	NATSURL        string        `mapstructure:"NATS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	HorizonHours   float64       `mapstructure:"SIM_HORIZON_HOURS"`
	Seed           int64         `mapstructure:"SIM_SEED"`
	MaxBatch       int           `mapstructure:"SIM_MAX_BATCH"`
	BatchWorkers   int           `mapstructure:"SIM_BATCH_WORKERS"`
	CacheTTL       time.Duration `mapstructure:"SIM_CACHE_TTL"`
	ParametersFile string        `mapstructure:"SIM_PARAMETERS_FILE"`
	WebhookURLs    []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents  []string      `mapstructure:"WEBHOOK_EVENTS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SIM_HORIZON_HOURS", 720)
	v.SetDefault("SIM_SEED", 1)
	v.SetDefault("SIM_MAX_BATCH", 32)
	v.SetDefault("SIM_BATCH_WORKERS", 4)
	v.SetDefault("SIM_CACHE_TTL", "24h")
	v.SetDefault("WEBHOOK_EVENTS", "run.completed,run.failed")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "NATS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "MIGRATIONS_DIR",
		"SIM_HORIZON_HOURS", "SIM_SEED", "SIM_MAX_BATCH", "SIM_BATCH_WORKERS",
		"SIM_CACHE_TTL", "SIM_PARAMETERS_FILE",
		"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.WebhookEvents == nil {
		if events := v.GetString("WEBHOOK_EVENTS"); events != "" {
			cfg.WebhookEvents = strings.Split(events, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase checks the settings needed by commands that talk to
// PostgreSQL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks that the configuration is safe to serve with. Outside
// development a signing key is required so bearer tokens are verified.
func (c *Config) Validate() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if c.HorizonHours < 0 {
		return fmt.Errorf("SIM_HORIZON_HOURS must be non-negative, got %g", c.HorizonHours)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("SIM_MAX_BATCH must be at least 1, got %d", c.MaxBatch)
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && !c.IsDev() {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("SIM_BATCH_WORKERS must be at least 1, got %d", c.BatchWorkers)
	}
	return nil
}

// LoadParameters reads a YAML or JSON parameter file on top of
// sim.DefaultParameters. Keys absent from the file keep their defaults. An
// empty path returns the defaults.
func LoadParameters(path string) (sim.Parameters, error) {
	p := sim.DefaultParameters()
	if path == "" {
		return p, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("read parameters %s: %w", path, err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("unmarshal parameters %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("parameters %s: %w", path, err)
	}
	return p, nil
}
