package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/internal/config"
	"github.com/terminal-bench/coinmix/internal/mixer"
	"github.com/terminal-bench/coinmix/internal/notify"
	"github.com/terminal-bench/coinmix/internal/pool"
	"github.com/terminal-bench/coinmix/internal/scheduler"
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

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		logger.Fatal("failed to initialize schema", zap.Error(err))
	}

	msgClient, err := messaging.NewClient(cfg.NATSURL, messaging.ClientOptions{
		Name:          "coinmix-worker",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer msgClient.Close()

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

	notifier := notify.New(db, cfg.TelegramBotToken, cfg.TelegramChatID, logger)
	if err := notifier.Start(msgClient); err != nil {
		logger.Fatal("failed to start notifier", zap.Error(err))
	}

	sched := scheduler.New(scheduler.Config{
		PaymentPollInterval: cfg.PaymentPollInterval,
		RoundInterval:       cfg.RoundInterval,
		PayoutInterval:      cfg.PayoutInterval,
		PendingLookback:     cfg.PendingLookback,
		MixingRounds:        cfg.MixingRounds,
		PayoutMaxRetries:    cfg.PayoutMaxRetries,
		RetentionDays:       cfg.RetentionDays,
		CleanupHour:         cfg.CleanupHour,
	}, engine, db, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started")
	if err := sched.Run(ctx); err != nil {
		logger.Fatal("scheduler exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}
