package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PostgresConfig is the connection surface shared by the velocity ledger,
// the audit writer and the migrator.
type PostgresConfig struct {
	DSN              string
	RequireTLS       bool
	ApplicationName  string
	MaxConns         int32
	MinConns         int32
	MaxConnIdleTime  time.Duration
	StatementTimeout time.Duration
	ConnectRetries   int
	RetryDelay       time.Duration
	PingTimeout      time.Duration
}

// PostgresConfigFromEnv reads DATABASE_URL (or the DATABASE_* parts) and the
// DB_* pool knobs. DB_STATEMENT_TIMEOUT_MS bounds how long a ledger row lock
// can be held; 0 leaves the server default.
func PostgresConfigFromEnv() PostgresConfig {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	app := strings.TrimSpace(os.Getenv("DATABASE_APP_NAME"))
	if app == "" {
		app = "soul"
	}
	return PostgresConfig{
		DSN:              dsn,
		RequireTLS:       requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		ApplicationName:  app,
		MaxConns:         int32(envPositiveInt("DB_MAX_CONNS", 20)),
		MinConns:         2,
		MaxConnIdleTime:  5 * time.Minute,
		StatementTimeout: time.Duration(envPositiveInt("DB_STATEMENT_TIMEOUT_MS", 5000)) * time.Millisecond,
		ConnectRetries:   envPositiveInt("DB_CONNECT_RETRIES", 30),
		RetryDelay:       2 * time.Second,
		PingTimeout:      2 * time.Second,
	}
}

func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return NewPostgresPoolWithConfig(ctx, PostgresConfigFromEnv())
}

// NewPostgresPoolWithConfig retries until the database answers a ping or
// the retry budget runs out.
func NewPostgresPoolWithConfig(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := c.poolConfig()
	if err != nil {
		return nil, err
	}
	retries := c.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	pingTimeout := c.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("db connect: %w", err)
			}
			postgresSleep(c.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted after %d attempts: %w", retries, lastErr)
}

func (c PostgresConfig) poolConfig() (*pgxpool.Config, error) {
	if c.RequireTLS {
		if err := validatePostgresTLS(c.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if c.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName
	}
	if c.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 && c.MinConns <= cfg.MaxConns {
		cfg.MinConns = c.MinConns
	}
	if c.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	return cfg, nil
}

func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "soul")
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "soul"),
		User:   url.User(user),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	}
	q := uri.Query()
	q.Set("sslmode", envOr("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envPositiveInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return def
}

func requiresSecureTransport(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
