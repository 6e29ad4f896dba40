package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/internal/config"
	"github.com/terminal-bench/coinmix/internal/gateway"
	"github.com/terminal-bench/coinmix/internal/mixer"
	"github.com/terminal-bench/coinmix/internal/pool"
	"github.com/terminal-bench/coinmix/internal/security"
	"github.com/terminal-bench/coinmix/internal/store"
	"github.com/terminal-bench/coinmix/internal/wallet"
	"github.com/terminal-bench/coinmix/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		logger.Fatal("failed to initialize schema", zap.Error(err))
	}

	msgClient, err := messaging.NewClient(cfg.NATSURL, messaging.ClientOptions{
		Name:          "coinmix-gateway",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer msgClient.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()

	walletClient := wallet.NewClient(wallet.Options{
		URL:     cfg.RPCAddress(),
		User:    cfg.RPCUser,
		Pass:    cfg.RPCPass,
		Timeout: cfg.RPCTimeout,
	}, logger)

	poolManager := pool.NewManager(db, walletClient, logger)

	engine := mixer.NewEngine(db, walletClient, poolManager, msgClient, mixer.Config{
		MinAmount:        cfg.MinAmount,
		MaxAmount:        cfg.MaxAmount,
		FeeRate:          cfg.FeeRate,
		MixingRounds:     cfg.MixingRounds,
		DelayMinutesMin:  cfg.DelayMinutesMin,
		DelayMinutesMax:  cfg.DelayMinutesMax,
		PoolSize:         cfg.PoolSize,
		PayoutMaxRetries: cfg.PayoutMaxRetries,
	}, logger)

	monitor := security.NewMonitor(db, rdb, msgClient,
		cfg.SuspiciousThreshold, cfg.SuspiciousWindow, logger)

	hub := gateway.NewStatusHub(logger)
	if err := hub.Start(msgClient); err != nil {
		logger.Fatal("failed to start status hub", zap.Error(err))
	}

	gw := gateway.New(engine, monitor, hub, cfg.SecretKey, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.GatewayPort,
		Handler: gw.Router(),
	}

	go func() {
		logger.Info("gateway listening", zap.String("port", cfg.GatewayPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}
