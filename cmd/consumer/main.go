package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/app"
	"github.com/hamed0406/healthpipe/internal/config"
	"github.com/hamed0406/healthpipe/internal/logging"
	"github.com/hamed0406/healthpipe/internal/scheduler"
	"github.com/hamed0406/healthpipe/internal/transport/kafka"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(cfg.LogDir, "consumer", cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	if err := cfg.CheckConsumer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	sub, err := kafka.NewConsumer(app.KafkaConfig(cfg, logger))
	if err != nil {
		return err
	}
	// leave the group before the pool goes away
	defer sub.Close()

	c := scheduler.NewConsumer(logger, sub, store, scheduler.ConsumerConfig{
		PollTimeout:  cfg.PollTimeout,
		Delay:        cfg.ConsumeDelay,
		StoreTimeout: cfg.StoreTimeout,
		Backoff:      cfg.StoreBackoff,
		MaxBackoff:   cfg.StoreMaxBackoff,
		MaxFailures:  cfg.StoreMaxFailures,
	})
	return c.Run(ctx)
}
