package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig is the connection surface used by the velocity ledger and the
// merchant cache.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	TLS         bool
	RequireTLS  bool
	CAFile      string
	ServerName  string
	PingTimeout time.Duration
}

// RedisConfigFromEnv reads REDIS_* variables. An invalid REDIS_DB falls back to 0.
func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Addr:        strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:    os.Getenv("REDIS_PASSWORD"),
		TLS:         strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS")), "true"),
		RequireTLS:  requiresSecureTransport("REDIS_REQUIRE_TLS"),
		CAFile:      strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		ServerName:  strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		PingTimeout: 2 * time.Second,
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.DB = parsed
		}
	}
	return cfg
}

func NewRedis(ctx context.Context) (*redis.Client, error) {
	return NewRedisWithConfig(ctx, RedisConfigFromEnv())
}

func NewRedisWithConfig(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.RequireTLS && !cfg.TLS {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	tlsConfig, err := redisTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func redisTLSConfig(cfg RedisConfig) (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		out.RootCAs = pool
	}
	return out, nil
}
