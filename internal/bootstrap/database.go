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

	"github.com/redis/go-redis/v9"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/migrate"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// ConnectDB establishes a connection to the PostgreSQL database.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	// Build DSN using url.URL to safely handle special characters in credentials
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBConfig.User, cfg.DBConfig.Password),
		Host:   net.JoinHostPort(cfg.DBConfig.Host, strconv.Itoa(cfg.DBConfig.Port)),
		Path:   "/" + cfg.DBConfig.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.DBConfig.SSLMode)
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
		)
	}
	return db, nil
}

// RunMigrations applies the embedded migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger != nil {
		logger.InfoContext(ctx, "running database migrations")
	}
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// ConnectRedis establishes a connection to Redis.
//
//nolint:ireturn // redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	rc := cfg.RedisConfig

	var (
		client redis.UniversalClient
		addr   string
	)
	switch {
	case rc.UseCluster:
		nodes := normalizeAddrs(rc.ClusterNodes)
		if len(nodes) == 0 {
			return nil, errors.New("redis cluster enabled but no cluster nodes configured")
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    nodes,
			Password: rc.Password,
		})
		addr = strings.Join(nodes, ",")
	case rc.UseSentinel:
		nodes := normalizeAddrs(rc.SentinelNodes)
		if len(nodes) == 0 {
			return nil, errors.New("redis sentinel enabled but no sentinel nodes configured")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       rc.SentinelMasterName,
			SentinelAddrs:    nodes,
			SentinelPassword: rc.SentinelPassword,
			Password:         rc.Password,
			DB:               rc.DB,
		})
		addr = rc.SentinelMasterName + "@" + strings.Join(nodes, ",")
	default:
		opts, err := directOptions(rc)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
		addr = opts.Addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", redactAddr(addr))
	}
	return client, nil
}

// directOptions accepts either a bare host:port or a full redis:// URI.
func directOptions(rc config.RedisConfig) (*redis.Options, error) {
	uri := strings.TrimSpace(rc.URI)
	if strings.Contains(uri, "://") {
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri: %w", err)
		}
		if rc.Password != "" {
			opts.Password = rc.Password
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     uri,
		Password: rc.Password,
		DB:       rc.DB,
	}, nil
}

func normalizeAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// redactAddr strips credentials from a connection description before logging.
func redactAddr(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.User != nil {
		u.User = url.User("*")
		return u.Redacted()
	}
	if i := strings.LastIndex(addr, "@"); i > -1 {
		return addr[i+1:]
	}
	return addr
}
