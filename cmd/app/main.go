package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"who_knows_rewards/internal/api"
	"who_knows_rewards/internal/metrics"
	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/repository"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/internal/verifier"
	"who_knows_rewards/pkg/logger"

	"go.uber.org/zap"
)

type ledgerStore interface {
	service.LedgerStore
	Close() error
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	err = logger.Initialize(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zapLogger := logger.Logger()

	store, err := openStore(cfg)
	if err != nil {
		zapLogger.Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer store.Close()

	evm, err := verifier.Dial(cfg.Verifier)
	if err != nil {
		zapLogger.Fatal("Failed to initialize verifier", zap.Error(err))
	}
	if len(cfg.Verifier.Chains) == 0 {
		zapLogger.Warn("No verifier chains configured, every deposit will be rejected")
	}

	feed := service.NewFeed(service.DefaultFeedBuffer)
	rewardsService := service.NewRewardsService(store, evm, cfg.Rewards,
		service.WithPublisher(feed),
		service.WithRecorder(metrics.Ledger()))
	leaderboardService := service.NewLeaderboardService(store)
	svc := service.NewService(rewardsService, leaderboardService)

	router := api.NewRouter(api.Dependencies{
		Rewards:     svc.RewardsService,
		Leaderboard: svc.LeaderboardService,
		Feed:        feed,
		Auth:        middleware.NewAuthorization(cfg.Admin.Secret),
		Limiter:     middleware.NewRateLimiter(cfg.RateLimit),

		TrustedProxies: cfg.Server.TrustedProxies,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("window_policy", string(cfg.Rewards.WindowPolicy)),
			zap.Bool("block_shared_ip", cfg.Rewards.BlockSharedIP))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server stopped")
}

func openStore(cfg *Config) (ledgerStore, error) {
	switch cfg.Storage.Driver {
	case DriverRedis:
		return repository.NewRedisStore(cfg.Redis)
	case DriverMemory:
		logger.Logger().Warn("Using in-memory ledger, state is lost on restart")
		return repository.NewMemoryStore(), nil
	default:
		repo, err := repository.New(cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(context.Background()); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	}
}
