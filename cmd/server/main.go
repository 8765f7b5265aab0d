// server runs the chat-auth HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-auth-platform/backend/internal/audit"
	"chat-auth-platform/backend/internal/config"
	"chat-auth-platform/backend/internal/db"
	healthhandler "chat-auth-platform/backend/internal/health/handler"
	identityservice "chat-auth-platform/backend/internal/identity/service"
	"chat-auth-platform/backend/internal/kv"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/platform/upstream"
	"chat-auth-platform/backend/internal/policy/engine"
	"chat-auth-platform/backend/internal/ratelimit"
	"chat-auth-platform/backend/internal/security"
	"chat-auth-platform/backend/internal/server"
	"chat-auth-platform/backend/internal/server/middleware"
	sessionrepo "chat-auth-platform/backend/internal/session/repository"
	"chat-auth-platform/backend/internal/telemetry"
	"chat-auth-platform/backend/internal/telemetry/metrics"
	otelsetup "chat-auth-platform/backend/internal/telemetry/otel"
	"chat-auth-platform/backend/internal/telemetry/producer"
	userrepo "chat-auth-platform/backend/internal/user/repository"
	userservice "chat-auth-platform/backend/internal/user/service"
)

const shutdownTimeout = 15 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
	}, log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	rdb, err := kv.Open(ctx, cfg.RedisURL, kv.Options{StoreTimeout: cfg.StoreCallTimeout()})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	tokens, err := security.LoadTokenProvider(cfg.JWTSecret, cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	authz, err := engine.NewOPAAuthorizer(ctx, "")
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	emitters := []telemetry.EventEmitter{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		log.Info("auth events produced to kafka", "topic", kafkaProducer.Topic())
	}
	auditLogger := audit.NewLogger(telemetry.Multi(emitters...), log, middleware.ClientIPFrom)

	policy := upstream.Policy{Timeout: cfg.StoreCallTimeout(), Backoff: cfg.StoreRetryDelay()}
	users := userrepo.NewPostgresRepository(conn, policy)
	registry := sessionrepo.NewRedisRegistry(rdb, sessionrepo.Options{
		RefreshTTL:         cfg.RefreshTTL(),
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		Policy:             policy,
		Logger:             log,
	})
	limiter := ratelimit.New(rdb, rateLimitRules(cfg), policy)
	m := metrics.New()

	auth := identityservice.NewAuthService(identityservice.Deps{
		Users:    users,
		Sessions: registry,
		Tokens:   tokens,
		Hasher:   hasher(cfg),
		Policy:   security.PasswordPolicy{MinLength: cfg.PasswordMinLength, RequireComplex: cfg.PasswordRequireComplex},
		Limiter:  limiter,
		Audit:    auditLogger,
		Metrics:  m,
		Logger:   log,
	})
	handler := server.NewRouter(server.Deps{
		Auth:              auth,
		Profiles:          userservice.NewProfileService(users, registry, authz, auditLogger, log),
		Limiter:           limiter,
		Metrics:           m,
		Health:            healthhandler.New(map[string]healthhandler.Pinger{"database": users, "redis": registry}, authz),
		Logger:            log,
		CORSOrigins:       cfg.CORSOriginList(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		ServiceName:       cfg.ServiceName,
	})

	srv := server.New(cfg.HTTPAddr, handler)
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "signing_alg", tokens.Algorithm(), "env", cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// In-flight async event emits get their full timeout before the sinks close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka close: %w", err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
	}
	log.Info("server stopped")
	return errors.Join(errs...)
}

func hasher(cfg *config.Config) *security.Hasher {
	return security.NewHasherFor(cfg.PasswordHashAlgorithm, cfg.BcryptCost, security.Argon2Params{
		Memory:  cfg.Argon2MemoryKiB,
		Time:    cfg.Argon2Time,
		Threads: cfg.Argon2Threads,
	})
}

func rateLimitRules(cfg *config.Config) ratelimit.Rules {
	return ratelimit.Rules{
		ratelimit.ClassRegister:    {Limit: cfg.RateLimitRegisterPerDay, Window: 24 * time.Hour},
		ratelimit.ClassLogin:       {Limit: cfg.RateLimitLoginPerMinute, Window: time.Minute},
		ratelimit.ClassLoginHandle: {Limit: cfg.RateLimitLoginHandlePerMin, Window: time.Minute},
		ratelimit.ClassRefresh:     {Limit: cfg.RateLimitRefreshPerMinute, Window: time.Minute},
		ratelimit.ClassAPI:         {Limit: cfg.RateLimitAPIPerMinute, Window: time.Minute},
	}
}
