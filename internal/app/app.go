// Package app wires configuration into the concrete stores and transports
// shared by the commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/config"
	"github.com/hamed0406/healthpipe/internal/repo"
	"github.com/hamed0406/healthpipe/internal/repo/memory"
	"github.com/hamed0406/healthpipe/internal/repo/postgres"
	"github.com/hamed0406/healthpipe/internal/repo/sqlite"
	"github.com/hamed0406/healthpipe/internal/transport/kafka"
)

// OpenStore builds the store selected by DATABASE_DRIVER and bootstraps its
// schema. The caller owns the returned store and must Close it.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (repo.Store, error) {
	if err := cfg.CheckStorage(); err != nil {
		return nil, err
	}
	var (
		store repo.Store
		err   error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		store, err = postgres.New(ctx, cfg.DatabaseURL, postgres.Options{MinConns: 1, MaxConns: cfg.DBMaxConns}, log)
	case "sqlite":
		store, err = sqlite.New(ctx, cfg.SQLitePath, log)
	case "memory":
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DatabaseDriver, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("store_ready", zap.String("driver", cfg.DatabaseDriver))
	return store, nil
}

func KafkaConfig(cfg config.Config, log *zap.Logger) kafka.Config {
	return kafka.Config{
		Brokers:         cfg.KafkaBrokers,
		Topic:           cfg.KafkaTopic,
		Group:           cfg.KafkaGroup,
		ClientID:        cfg.KafkaClientID,
		AccessKey:       cfg.KafkaAccessKey,
		Cert:            cfg.KafkaCert,
		CACert:          cfg.KafkaCACert,
		DeliveryTimeout: cfg.KafkaDeliveryTimeout,
		Logger:          log.Named("kafka"),
	}
}
