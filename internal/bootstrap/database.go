package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/data"
)

const (
	applicationName = "quotaflow"
	connectTimeout  = 5 * time.Second
	pingAttempts    = 3
	pingBackoff     = 500 * time.Millisecond
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// postgresDSN renders the connection URL. Credentials go through url.UserPassword so reserved
// characters survive.
func postgresDSN(cfg config.DBConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	q.Set("application_name", applicationName)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens a pgx-backed *sql.DB and waits for the server to answer.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	connCfg.ConnectTimeout = connectTimeout
	db := stdlib.OpenDB(*connCfg)

	maxOpen := cfg.DBConfig.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(maxOpen/5, 1))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	if err := pingWithRetry(db.PingContext); err != nil {
		return nil, errors.Join(fmt.Errorf("ping database: %w", err), db.Close())
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"database", cfg.DBConfig.Name,
			"max_open_conns", maxOpen,
		)
	}
	return db, nil
}

// pingWithRetry gives a freshly started dependency a few chances to come up.
func pingWithRetry(ping func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err = ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < pingAttempts {
			time.Sleep(time.Duration(attempt) * pingBackoff)
		}
	}
	return err
}

// redisTopology is the resolved client shape for a RedisConfig.
type redisTopology struct {
	opts    *redis.UniversalOptions
	cluster bool
	desc    string
}

func resolveRedisTopology(cfg config.RedisConfig) (redisTopology, error) {
	switch {
	case cfg.UseCluster:
		return clusterTopology(cfg)
	case cfg.UseSentinel:
		nodes := trimAll(cfg.SentinelNodes)
		if len(nodes) == 0 {
			return redisTopology{}, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		return redisTopology{
			opts: &redis.UniversalOptions{
				Addrs:            nodes,
				MasterName:       cfg.SentinelMasterName,
				Password:         cfg.Password,
				SentinelPassword: cfg.SentinelPassword,
			},
			desc: "sentinel:" + cfg.SentinelMasterName,
		}, nil
	default:
		return directTopology(cfg)
	}
}

func clusterTopology(cfg config.RedisConfig) (redisTopology, error) {
	opts := &redis.UniversalOptions{Addrs: trimAll(cfg.ClusterNodes), Password: cfg.Password}
	if len(opts.Addrs) == 0 {
		uri := strings.TrimSpace(cfg.URI)
		switch {
		case uri == "":
		case isRedisURL(uri):
			parsed, err := redis.ParseURL(uri)
			if err != nil {
				return redisTopology{}, fmt.Errorf("parse redis cluster url: %w", err)
			}
			opts.Addrs = []string{parsed.Addr}
			opts.Username = parsed.Username
			if parsed.Password != "" {
				opts.Password = parsed.Password
			}
			opts.TLSConfig = parsed.TLSConfig
		default:
			opts.Addrs = []string{uri}
		}
	}
	if len(opts.Addrs) == 0 {
		return redisTopology{}, errors.New("redis cluster configuration requires at least one address")
	}
	return redisTopology{opts: opts, cluster: true, desc: "cluster:" + strings.Join(opts.Addrs, ",")}, nil
}

func directTopology(cfg config.RedisConfig) (redisTopology, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return redisTopology{}, errors.New("redis direct configuration requires a URI")
	}
	if !isRedisURL(uri) {
		return redisTopology{
			opts: &redis.UniversalOptions{Addrs: []string{uri}, Password: cfg.Password},
			desc: uri,
		}, nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return redisTopology{}, fmt.Errorf("parse redis url: %w", err)
	}
	return redisTopology{
		opts: &redis.UniversalOptions{
			Addrs:     []string{parsed.Addr},
			Username:  parsed.Username,
			Password:  parsed.Password,
			DB:        parsed.DB,
			TLSConfig: parsed.TLSConfig,
		},
		desc: parsed.Addr,
	}, nil
}

//nolint:ireturn // the concrete client depends on the configured topology.
func (t redisTopology) client() redis.UniversalClient {
	if t.cluster {
		return redis.NewClusterClient(t.opts.Cluster())
	}
	return redis.NewUniversalClient(t.opts)
}

// ConnectRedis builds a direct, sentinel or cluster client and waits for it to answer.
//
//nolint:ireturn // callers only need the UniversalClient surface.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	topo, err := resolveRedisTopology(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := topo.client()
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := pingWithRetry(ping); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis: %w", err), client.Close())
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", topo.desc)
	}
	return client, nil
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations applies pending schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	applied, err := data.RunMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", applied)
	}
	return nil
}
