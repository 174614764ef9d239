package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/auth"
	"github.com/DisCard-Technologies/discard-sub016/pkg/fraud"
	"github.com/DisCard-Technologies/discard-sub016/pkg/hardening"
	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub016/pkg/merchant"
	"github.com/DisCard-Technologies/discard-sub016/pkg/policy"
	"github.com/DisCard-Technologies/discard-sub016/pkg/ratelimit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/store"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"
	"github.com/DisCard-Technologies/discard-sub016/pkg/verifier"

	"github.com/redis/go-redis/v9"
)

type config struct {
	Environment     string
	Addr            string
	CORSOrigins     string
	WSOrigins       []string
	MaxBodyBytes    int64
	UpstreamTimeout time.Duration

	AuthMode     string
	ServiceToken string
	HS256Secret  string
	JWKSURL      string
	JWTIssuer    string
	JWTAudience  string
	AuthTimeout  time.Duration

	RateLimitPerMinute int
	RateLimitBackend   string

	Verifier verifier.Config

	VelocityBackend    string
	MerchantRegistry   string
	MerchantSeedPath   string
	SolanaRPCURL       string
	RegistryProgramID  string
	MerchantCache      string
	MerchantCacheTTL   time.Duration
	MerchantCacheLimit int

	AttestationProvider string
	AttestorSeed        string
	AttestorKeyID       string
	QuoteTTL            time.Duration
	VaultAddr           string
	VaultToken          string
	VaultNamespace      string
	VaultMount          string
	VaultKey            string

	FraudURL     string
	FraudToken   string
	FraudTimeout time.Duration

	AuditEnabled   bool
	AuditHashSalt  string
	AuditRedact    bool
	AnchorInterval time.Duration
	AnchorBatch    int

	KafkaBrokers        []string
	KafkaTopic          string
	KafkaGroupID        string
	MerchantUpdateTopic string

	PolicyConfigPath string
}

func loadConfig() (config, error) {
	cfg := config{
		Environment:     env("ENVIRONMENT", env("APP_ENV", "")),
		Addr:            env("ADDR", ":8080"),
		CORSOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		WSOrigins:       splitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxBodyBytes:    int64(envInt("MAX_REQUEST_BODY_BYTES", int(httpx.DefaultMaxBodyBytes))),
		UpstreamTimeout: envDurationMs("UPSTREAM_TIMEOUT_MS", 3000),

		AuthMode:     strings.ToLower(env("SOUL_AUTH_MODE", auth.ModeServiceToken)),
		ServiceToken: env("SOUL_SERVICE_TOKEN", ""),
		HS256Secret:  env("JWT_HS256_SECRET", ""),
		JWKSURL:      env("JWT_JWKS_URL", ""),
		JWTIssuer:    env("JWT_ISSUER", ""),
		JWTAudience:  env("JWT_AUDIENCE", ""),
		AuthTimeout:  envDurationMs("AUTH_TIMEOUT_MS", 5000),

		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 0),
		RateLimitBackend:   strings.ToLower(env("RATE_LIMIT_BACKEND", "")),

		VelocityBackend:    strings.ToLower(env("VELOCITY_BACKEND", "memory")),
		MerchantRegistry:   strings.ToLower(env("MERCHANT_REGISTRY", "memory")),
		MerchantSeedPath:   env("MERCHANT_SEED_PATH", ""),
		SolanaRPCURL:       env("SOLANA_RPC_URL", ""),
		RegistryProgramID:  env("MERCHANT_REGISTRY_PROGRAM_ID", ""),
		MerchantCache:      strings.ToLower(env("MERCHANT_CACHE_BACKEND", "memory")),
		MerchantCacheTTL:   envDurationMs("MERCHANT_CACHE_TTL_MS", int(merchant.DefaultCacheTTL.Milliseconds())),
		MerchantCacheLimit: envInt("MERCHANT_CACHE_MAX_ENTRIES", 10_000),

		AttestationProvider: strings.ToLower(env("ATTESTATION_PROVIDER", "local")),
		AttestorSeed:        env("ATTESTOR_SEED", ""),
		AttestorKeyID:       env("ATTESTOR_KEY_ID", "soul-local"),
		QuoteTTL:            envDurationMs("QUOTE_TTL_MS", int(attest.DefaultQuoteTTL.Milliseconds())),
		VaultAddr:           env("VAULT_ADDR", ""),
		VaultToken:          env("VAULT_TOKEN", ""),
		VaultNamespace:      env("VAULT_NAMESPACE", ""),
		VaultMount:          env("VAULT_TRANSIT_MOUNT", "transit"),
		VaultKey:            env("VAULT_TRANSIT_KEY", "soul-attestor"),

		FraudURL:     env("FRAUD_SERVICE_URL", ""),
		FraudToken:   env("FRAUD_SERVICE_TOKEN", ""),
		FraudTimeout: envDurationMs("FRAUD_TIMEOUT_MS", 1000),

		AuditEnabled:   envBool("AUDIT_ENABLED", false),
		AuditHashSalt:  env("AUDIT_HASH_SALT", ""),
		AuditRedact:    envBool("AUDIT_REDACT", true),
		AnchorInterval: envDurationSec("AUDIT_ANCHOR_INTERVAL_SEC", 60),
		AnchorBatch:    envInt("AUDIT_ANCHOR_BATCH", 256),

		KafkaBrokers:        splitList(env("KAFKA_BROKERS", "")),
		KafkaTopic:          env("KAFKA_DECISION_TOPIC", "soul.decisions"),
		KafkaGroupID:        env("KAFKA_GROUP_ID", "soul"),
		MerchantUpdateTopic: env("MERCHANT_UPDATES_TOPIC", ""),

		PolicyConfigPath: env("POLICY_CONFIG_PATH", ""),
	}
	merchantMode, err := verifier.ParseFailMode(env("MERCHANT_FAIL_MODE", "closed"))
	if err != nil {
		return config{}, fmt.Errorf("MERCHANT_FAIL_MODE: %w", err)
	}
	velocityMode, err := verifier.ParseFailMode(env("VELOCITY_FAIL_MODE", "closed"))
	if err != nil {
		return config{}, fmt.Errorf("VELOCITY_FAIL_MODE: %w", err)
	}
	cfg.Verifier = verifier.Config{
		Timeout:             envDurationMs("VERIFY_TIMEOUT_MS", int(verifier.DefaultTimeout.Milliseconds())),
		PostDecisionTimeout: envDurationMs("POST_DECISION_TIMEOUT_MS", int(verifier.DefaultPostDecisionTimeout.Milliseconds())),
		LedgerTimeout:       envDurationMs("LEDGER_TIMEOUT_MS", int(verifier.DefaultLedgerTimeout.Milliseconds())),
		Merchant:            verifier.FailPolicy{OnError: merchantMode},
		Velocity:            verifier.FailPolicy{OnError: velocityMode},
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpx.DefaultMaxBodyBytes
	}
	return cfg, nil
}

func (c config) needsDB() bool {
	return c.VelocityBackend == "postgres" || c.AuditEnabled
}

func (c config) needsRedis() bool {
	return c.VelocityBackend == "redis" || c.MerchantCache == "redis" || c.RateLimitBackend == "redis"
}

func (c config) authSecret() string {
	if c.AuthMode == auth.ModeHS256 {
		return c.HS256Secret
	}
	return c.ServiceToken
}

// validate rejects combinations that cannot start, then applies production
// hardening.
func (c config) validate() error {
	if err := checkAuthOff(c.AuthMode, c.Environment); err != nil {
		return err
	}
	switch c.AuthMode {
	case auth.ModeOff, auth.ModeServiceToken, auth.ModeHS256, auth.ModeRS256:
	default:
		return fmt.Errorf("unsupported SOUL_AUTH_MODE %q", c.AuthMode)
	}
	switch c.VelocityBackend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unsupported VELOCITY_BACKEND %q", c.VelocityBackend)
	}
	switch c.RateLimitBackend {
	case "", "window", "bucket", "redis":
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.AuditEnabled && strings.TrimSpace(c.AuditHashSalt) == "" {
		return errors.New("AUDIT_ENABLED=true requires AUDIT_HASH_SALT")
	}
	secrets := []hardening.EnvRequirement{}
	switch c.AuthMode {
	case auth.ModeServiceToken:
		secrets = append(secrets, hardening.EnvRequirement{Name: "SOUL_SERVICE_TOKEN", Value: c.ServiceToken})
	case auth.ModeHS256:
		secrets = append(secrets, hardening.EnvRequirement{Name: "JWT_HS256_SECRET", Value: c.HS256Secret})
	case auth.ModeRS256:
		secrets = append(secrets, hardening.EnvRequirement{Name: "JWT_JWKS_URL", Value: c.JWKSURL})
	}
	opts := hardening.Options{
		Service:                "soul",
		Environment:            c.Environment,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins:     c.CORSOrigins,
		AuthMode:               c.AuthMode,
		AttestationProvider:    c.AttestationProvider,
		FailOpenChecks:         c.Verifier.FailOpenChecks(),
		RequiredServiceSecrets: secrets,
	}
	if c.needsDB() {
		opts.DatabaseURL = env("DATABASE_URL", "postgres://localhost:5432/soul")
	}
	if c.needsRedis() {
		opts.RedisAddr = env("REDIS_ADDR", "localhost:6379")
		opts.RedisRequireTLS = env("REDIS_REQUIRE_TLS", "")
		opts.RedisTLSInsecure = env("REDIS_TLS_INSECURE", "")
		opts.RedisAllowInsecureTLS = env("REDIS_ALLOW_INSECURE_TLS", "")
	}
	return hardening.ValidateProduction(opts)
}

func buildAttestor(c config, client *http.Client) (attest.Provider, error) {
	switch c.AttestationProvider {
	case "local":
		var (
			p   *attest.LocalProvider
			err error
		)
		if c.AttestorSeed != "" {
			p, err = attest.LocalProviderFromSeed(c.AttestorSeed, c.AttestorKeyID, attest.WithQuoteTTL(c.QuoteTTL))
		} else {
			log.Printf("ATTESTOR_SEED not set; using an ephemeral attestation key")
			p, err = attest.GenerateLocalProvider(c.AttestorKeyID, attest.WithQuoteTTL(c.QuoteTTL))
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	case "vault_transit":
		if strings.TrimSpace(c.VaultAddr) == "" {
			return nil, errors.New("ATTESTATION_PROVIDER=vault_transit requires VAULT_ADDR")
		}
		if strings.TrimSpace(c.VaultToken) == "" {
			return nil, errors.New("ATTESTATION_PROVIDER=vault_transit requires VAULT_TOKEN")
		}
		return &attest.VaultTransitProvider{
			Client:    client,
			Addr:      c.VaultAddr,
			Token:     c.VaultToken,
			Namespace: c.VaultNamespace,
			Mount:     c.VaultMount,
			Key:       c.VaultKey,
			Timeout:   c.UpstreamTimeout,
			QuoteTTL:  c.QuoteTTL,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported ATTESTATION_PROVIDER %q", c.AttestationProvider)
	}
}

func buildRegistry(c config) (merchant.Registry, error) {
	switch c.MerchantRegistry {
	case "memory":
		if c.MerchantSeedPath == "" {
			return merchant.NewMemoryRegistry(), nil
		}
		reg, err := merchant.LoadSeedFile(c.MerchantSeedPath)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case "solana":
		reg, err := merchant.NewSolanaRegistry(c.SolanaRPCURL, c.RegistryProgramID)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported MERCHANT_REGISTRY %q", c.MerchantRegistry)
	}
}

func buildLedger(c config, db soulDB, rdb redis.UniversalClient) (velocity.Ledger, error) {
	switch c.VelocityBackend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("VELOCITY_BACKEND=redis requires a redis connection")
		}
		return velocity.NewRedisLedger(rdb), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("VELOCITY_BACKEND=postgres requires a database connection")
		}
		return velocity.NewPostgresLedger(db), nil
	default:
		return velocity.NewMemoryLedger(), nil
	}
}

func buildMerchantCache(ctx context.Context, c config, rdb redis.UniversalClient) store.Cache {
	if c.MerchantCache == "redis" && rdb != nil {
		return store.NewCache(ctx, rdb, "soul:merchant:", c.MerchantCacheLimit)
	}
	return store.NewMemoryCache(c.MerchantCacheLimit)
}

// buildLimiter returns nil when throttling is off. With no backend named,
// Redis is used if a client is already open.
func buildLimiter(c config, rdb redis.UniversalClient) (ratelimit.Limiter, error) {
	if c.RateLimitPerMinute <= 0 {
		return nil, nil
	}
	switch c.RateLimitBackend {
	case "bucket":
		return ratelimit.NewBucket(time.Minute), nil
	case "window":
		return ratelimit.NewInMemory(time.Minute), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("RATE_LIMIT_BACKEND=redis requires a redis client")
		}
		return ratelimit.NewRedis(rdb, time.Minute), nil
	}
	if rdb != nil {
		return ratelimit.NewRedis(rdb, time.Minute), nil
	}
	return ratelimit.NewInMemory(time.Minute), nil
}

func buildFraudChecker(c config, client *http.Client) fraud.Checker {
	if strings.TrimSpace(c.FraudURL) == "" {
		return nil
	}
	return fraud.HTTPChecker{Client: client, URL: c.FraudURL, Token: c.FraudToken, Timeout: c.FraudTimeout}
}

func buildPolicyEngine(c config) (*policy.Engine, error) {
	if c.PolicyConfigPath == "" {
		return policy.NewEngine(), nil
	}
	pc, err := policy.LoadConfig(c.PolicyConfigPath)
	if err != nil {
		return nil, err
	}
	return policy.NewEngine(pc.Options()...), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDurationMs(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
