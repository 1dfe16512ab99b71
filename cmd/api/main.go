package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/api/rest"
	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/infrastructure/cache"
	"github.com/tutorgate/platform-trust-core/internal/infrastructure/config"
	"github.com/tutorgate/platform-trust-core/internal/infrastructure/telemetry"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/auditor"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
	"github.com/tutorgate/platform-trust-core/internal/service/crypto"
	"github.com/tutorgate/platform-trust-core/internal/service/csrf"
	"github.com/tutorgate/platform-trust-core/internal/service/monitor"
	"github.com/tutorgate/platform-trust-core/internal/service/ratelimit"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	cfg, warnings, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	for _, w := range warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := cache.NewClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	auditLog, err := audit.NewLogger(audit.LoggerConfig{
		Dir:           cfg.Audit.Dir,
		Secret:        []byte(cfg.Audit.Secret),
		RetentionDays: cfg.Audit.RetentionDays,
	}, logger)
	if err != nil {
		return err
	}

	csrfService, err := csrf.NewService(csrf.Config{
		Secret: []byte(cfg.Security.CSRFSecret),
		Expiry: cfg.Security.CSRFExpiry,
	}, logger, auditLog)
	if err != nil {
		return err
	}

	cryptoService, err := crypto.NewService(crypto.Config{
		MasterSecret: []byte(cfg.Security.MasterKey),
	}, logger, auditLog)
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)
	apiAuditor := auditor.New(cfg.Monitor.AuditorDirs, logger)

	mon := monitor.New(monitor.Config{
		MetricsInterval: cfg.Monitor.MetricsInterval,
		ThreatInterval:  cfg.Monitor.ThreatInterval,
		CleanupInterval: cfg.Monitor.CleanupInterval,
	}, auditLog, logger).
		WithAuditor(apiAuditor).
		WithBreakers(breakers)
	auditLog.SetAlertSink(mon)

	limiter := ratelimit.NewService(redisClient, nil, logger, auditLog)
	limiter.SetBlockChecker(mon.BlockList())
	if redisClient != nil {
		limiter.SetBreaker(breakers.Get("redis"))
	}

	authMW := rest.NewAuthMiddleware(rest.AuthConfig{
		JWTSecret:   []byte(cfg.Security.JWTSecret),
		Issuer:      cfg.Security.JWTIssuer,
		Audience:    cfg.Security.JWTAudience,
		TokenExpiry: cfg.Security.TokenExpiry,
	}, auditLog, logger).
		WithBlockChecker(mon.BlockList()).
		WithLimiter(limiter)

	handlers := rest.NewHandlers(logger, auditLog, csrfService, cryptoService, mon, apiAuditor, breakers)
	router := rest.NewRouter(handlers, rest.RouterConfig{
		Logger:     logger,
		Auth:       authMW,
		CSRF:       csrfService,
		Limiter:    limiter,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})

	// Background maintenance.
	mon.Start(ctx)
	cryptoService.StartRotationSweep(ctx)
	auditLog.StartRetentionSweep(ctx)
	limiter.StartSweep(ctx)
	if _, err := apiAuditor.Scan(ctx); err != nil {
		logger.Warn("initial endpoint scan failed", zap.Error(err))
	}

	_, _ = auditLog.Log(ctx, audit.Entry{
		Type:        domain.EventSystemStart,
		Result:      domain.ResultSuccess,
		Description: "api server starting",
		Metadata:    map[string]interface{}{"version": cfg.Version, "environment": cfg.Environment},
	})

	server := rest.NewServer(&cfg.Server, router, logger)
	err = server.Run(ctx)

	_, _ = auditLog.Log(context.Background(), audit.Entry{
		Type:        domain.EventSystemStop,
		Result:      domain.ResultSuccess,
		Description: "api server stopped",
	})
	return err
}
