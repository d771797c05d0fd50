package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

type PostgresConfig struct {
	URL            string
	RequireTLS     bool
	MaxConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
}

// NewPostgresPool connects and pings, retrying while the database comes up.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 30
	}
	delay := cfg.RetryDelay
	if delay < 0 {
		delay = 0
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			postgresSleep(delay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(delay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
