package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/app"
	"github.com/hamed0406/healthpipe/internal/config"
	"github.com/hamed0406/healthpipe/internal/logging"
	"github.com/hamed0406/healthpipe/internal/probe"
	"github.com/hamed0406/healthpipe/internal/scheduler"
	"github.com/hamed0406/healthpipe/internal/transport/kafka"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(cfg.LogDir, "producer", cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("producer_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.CheckProducer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := kafka.NewProducer(app.KafkaConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer pub.Close()

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pub.Ping(pctx); err != nil {
		// brokers may still come up; records wait in the client buffer
		logger.Warn("kafka_ping_failed", zap.Error(err))
	}
	cancel()

	p := scheduler.NewProducer(logger, probe.NewHTTPChecker(cfg.ProbeTimeout), pub, scheduler.ProducerConfig{
		URL:            cfg.TargetURL,
		Topic:          cfg.KafkaTopic,
		Timeout:        cfg.ProbeTimeout,
		Delay:          cfg.ProbeDelay,
		FlushTimeout:   cfg.ProducerFlushTimeout,
		DNSDiagnostics: cfg.DNSDiagnostics,
	})
	return p.Run(ctx)
}
