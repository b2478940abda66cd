package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8080"`
	AdminAddr  string `env:"ADMIN_ADDR" envDefault:":9091"`

	// Shared Postgres endpoint; every tenant database lives on the same
	// cluster and is named TenantDBPrefix + tenant identifier.
	PGHost         string `env:"PG_HOST" envDefault:"localhost"`
	PGPort         int    `env:"PG_PORT" envDefault:"5432"`
	PGUser         string `env:"PG_USER,required"`
	PGPassword     string `env:"PG_PASSWORD"`
	PGSSLMode      string `env:"PG_SSLMODE" envDefault:"disable"`
	MainDBName     string `env:"MAIN_DB_NAME" envDefault:"agency_main"`
	TenantDBPrefix string `env:"TENANT_DB_PREFIX" envDefault:"agency_"`

	// Per-tenant pools stay small: the process may hold dozens of them.
	TenantPoolMaxConns int           `env:"TENANT_POOL_MAX_CONNS" envDefault:"5"`
	TenantPoolMaxIdle  int           `env:"TENANT_POOL_MAX_IDLE" envDefault:"2"`
	ConnMaxIdleTime    time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`

	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"60s"`
	QueryMaxRetries int           `env:"QUERY_MAX_RETRIES" envDefault:"2"`

	SettingsCacheTTL time.Duration `env:"SETTINGS_CACHE_TTL" envDefault:"30s"`

	// Schema repair kill switch and throttle. Disabling repair trades
	// self-healing for predictable load during cascading drift failures.
	SchemaRepairEnabled   bool    `env:"SCHEMA_REPAIR_ENABLED" envDefault:"true"`
	SchemaRepairPerSecond float64 `env:"SCHEMA_REPAIR_PER_SECOND" envDefault:"2"`

	// Optional; enables cross-process settings-cache invalidation.
	RedisAddr string `env:"REDIS_ADDR"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
