package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stockrecon/backend/internal/cache"
	"stockrecon/backend/internal/config"
	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/events"
	"stockrecon/backend/internal/httpapi"
	"stockrecon/backend/internal/logging"
	"stockrecon/backend/internal/service"
	"stockrecon/backend/internal/store"
	"stockrecon/backend/internal/store/memory"
	pgstore "stockrecon/backend/internal/store/postgres"
	"stockrecon/backend/migrations"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)
	usingPostgres := false

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, pg.DB()); err != nil {
				logger.Fatal("applying migrations failed", zap.Error(err))
			}
		}
		repo = pg
		usingPostgres = true
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres", zap.Bool("auto_migrate", cfg.AutoMigrate))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	sessionCache := cache.SessionCache(cache.NoopSessionCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSessionCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop session cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			sessionCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("session cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("session cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.KafkaBrokers != "" {
		kafkaCfg := events.ParseKafkaConfig(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		kafkaPublisher := events.NewKafkaPublisher(kafkaCfg)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("adjustment events: kafka", zap.Strings("brokers", kafkaCfg.Brokers), zap.String("topic", kafkaCfg.Topic))
	}

	svc := service.New(repo, cfg.DefaultBranchID).
		WithSessionCache(sessionCache, cfg.ActiveSessionCacheTTL).
		WithPublisher(publisher).
		WithChunkSize(cfg.AuthorizeChunkSize)

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if usingPostgres && cfg.SeedAdminPassword != "" {
		created, err := auth.EnsureUser(ctx, "admin", cfg.SeedAdminPassword, domain.RoleAdmin)
		if err != nil {
			logger.Fatal("seeding admin account failed", zap.Error(err))
		}
		if created {
			logger.Info("seeded admin account", zap.String("username", "admin"))
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("stock reconciliation backend listening", zap.String("addr", cfg.Address()), zap.String("default_branch", svc.DefaultBranchID()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedAdminPassword != "" && len(cfg.SeedAdminPassword) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	if cfg.DefaultBranchID == "" {
		return fmt.Errorf("DEFAULT_BRANCH_ID must not be empty")
	}
	return nil
}
