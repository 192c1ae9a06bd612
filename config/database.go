package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"quotaflow"`
	Password string `env:"PASSWORD"                envDefault:"quotaflow"`
	Name     string `env:"NAME"                    envDefault:"quotaflow"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // 'require' in production
	// MaxOpenConns bounds the pool. Quota reservations hold a connection for the row-lock transaction.
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"25"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// LedgerCacheConfig controls the Redis read cache in front of the idempotency ledger.
type LedgerCacheConfig struct {
	CacheEnabled bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CachePrefix  string        `env:"CACHE_PREFIX"  envDefault:"quotaflow:ledger:"`
	CacheTTL     time.Duration `env:"CACHE_TTL"     envDefault:"168h"`
}

// Sanitize applies guardrails to ledger cache values.
func (c *LedgerCacheConfig) Sanitize() {
	if c.CachePrefix == "" {
		c.CachePrefix = "quotaflow:ledger:"
	}
	if c.CacheTTL < time.Minute {
		c.CacheTTL = time.Minute
	}
}
