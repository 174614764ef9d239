package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/audit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/auth"
	"github.com/DisCard-Technologies/discard-sub016/pkg/events"
	"github.com/DisCard-Technologies/discard-sub016/pkg/hardening"
	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub016/pkg/logging"
	"github.com/DisCard-Technologies/discard-sub016/pkg/merchant"
	"github.com/DisCard-Technologies/discard-sub016/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub016/pkg/ratelimit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/statebus"
	"github.com/DisCard-Technologies/discard-sub016/pkg/store"
	"github.com/DisCard-Technologies/discard-sub016/pkg/telemetry"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"
	"github.com/DisCard-Technologies/discard-sub016/pkg/verifier"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// soulDB is the Postgres surface shared by the velocity ledger, the audit
// writer and the anchorer. *pgxpool.Pool satisfies it.
type soulDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (soulDB, func(), error)
	openRedisFn     func(context.Context) (redis.UniversalClient, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	_ = godotenv.Load()
	if err := runSoul(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("soul: %v", err)
	}
}

func runSoul(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (soulDB, func(), error),
	openRedis func(context.Context) (redis.UniversalClient, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (soulDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) (redis.UniversalClient, func(), error) {
			client, err := store.NewRedis(ctx)
			if err != nil {
				return nil, nil, err
			}
			return client, func() { _ = client.Close() }, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown, err := initTelemetry(ctx, "soul")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Setup("soul", cfg.Environment)
	if err := cfg.validate(); err != nil {
		return err
	}

	var db soulDB
	if cfg.needsDB() {
		conn, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		if closeDB != nil {
			defer closeDB()
		}
		db = conn
	}
	var rdb redis.UniversalClient
	if cfg.needsRedis() {
		client, closeRedis, err := openRedis(ctx)
		if err != nil {
			return err
		}
		if closeRedis != nil {
			defer closeRedis()
		}
		rdb = client
	}

	upstream := telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout})
	attestor, err := buildAttestor(cfg, upstream)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	ledger, err := buildLedger(cfg, db, rdb)
	if err != nil {
		return err
	}
	plans, err := buildPolicyEngine(cfg)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	hub := events.NewHub()
	publishers := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		defer func() { _ = kp.Close() }()
		publishers = append(publishers, kp)
	}

	checker := velocity.NewChecker(ledger)
	records := merchant.NewRecordCache(buildMerchantCache(ctx, cfg, rdb), cfg.MerchantCacheTTL)
	merchants := merchant.NewValidator(registry, records, merchant.WithLogger(logger))
	if len(cfg.KafkaBrokers) > 0 && cfg.MerchantUpdateTopic != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.MerchantUpdateTopic, GroupID: cfg.KafkaGroupID})
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		applier := &statebus.Applier{Consumer: consumer, Records: records, Logger: logger.With().Str("component", "merchant_updates").Logger()}
		go applier.Run(ctx)
	}
	opts := []verifier.Option{
		verifier.WithPublisher(publishers),
		verifier.WithMetrics(reg),
		verifier.WithLogger(logger),
	}
	if fc := buildFraudChecker(cfg, upstream); fc != nil {
		opts = append(opts, verifier.WithFraudChecker(fc))
	}
	if db != nil && cfg.AuditEnabled {
		opts = append(opts, verifier.WithRecorder(&audit.Writer{DB: db, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}))
		anchorer := &audit.Anchorer{DB: db, BatchSize: cfg.AnchorBatch, Logger: logger.With().Str("component", "anchor").Logger()}
		go anchorer.Run(ctx, cfg.AnchorInterval)
	}

	s := &Server{
		Verifier:         verifier.New(cfg.Verifier, merchants, checker, attestor, opts...),
		Merchants:        merchants,
		Velocity:         checker,
		Attestor:         attestor,
		Plans:            plans,
		Events:           hub,
		Metrics:          reg,
		Logger:           logger,
		Started:          time.Now(),
		WSOriginPatterns: cfg.WSOrigins,
	}

	limiter, err := buildLimiter(cfg, rdb)
	if err != nil {
		return err
	}
	authMw := auth.Middleware(
		cfg.AuthMode,
		cfg.authSecret(),
		auth.WithJWKS(cfg.JWKSURL),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAudience(cfg.JWTAudience),
		auth.WithTimeout(cfg.AuthTimeout),
	)

	logger.Info().
		Str("addr", cfg.Addr).
		Str("auth_mode", cfg.AuthMode).
		Str("attestation", cfg.AttestationProvider).
		Str("velocity_backend", cfg.VelocityBackend).
		Str("merchant_registry", cfg.MerchantRegistry).
		Strs("fail_open", cfg.Verifier.FailOpenChecks()).
		Msg("soul listening")
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg, authMw, limiter),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes(cfg config, authMw func(http.Handler) http.Handler, limiter ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.CORSMiddleware(cfg.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("soul"))
	r.Use(httpx.LimitBodyMiddleware(cfg.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "soul"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.PrometheusHandler())
	r.With(s.Metrics.Middleware("/v1/health")).Get("/v1/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(authMw)
		r.Use(ratelimit.Middleware(limiter, cfg.RateLimitPerMinute, nil))
		r.With(s.Metrics.Middleware("/v1/intents/verify")).Post("/v1/intents/verify", s.verifyIntent)
		r.With(s.Metrics.Middleware("/v1/merchants/validate")).Post("/v1/merchants/validate", s.validateMerchant)
		r.With(s.Metrics.Middleware("/v1/velocity/check")).Post("/v1/velocity/check", s.checkVelocity)
		r.With(s.Metrics.Middleware("/v1/attestation")).Post("/v1/attestation", s.attestation)
		r.With(s.Metrics.Middleware("/v1/plans/evaluate")).Post("/v1/plans/evaluate", s.evaluatePlan)
		r.Get("/v1/decisions/stream", s.streamDecisions)
		r.Get("/v1/metrics", s.Metrics.Handler())
	})
	return r
}

// checkAuthOff allows AUTH_MODE=off only for explicit local and test runs.
func checkAuthOff(mode, runtimeEnv string) error {
	if !strings.EqualFold(strings.TrimSpace(mode), auth.ModeOff) {
		return nil
	}
	if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("SOUL_AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if hardening.IsProductionLike(runtimeEnv) {
		return errors.New("SOUL_AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
		return errors.New("SOUL_AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}
