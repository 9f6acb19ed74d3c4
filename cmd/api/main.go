package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/app"
	"github.com/hamed0406/healthpipe/internal/config"
	"github.com/hamed0406/healthpipe/internal/httpapi"
	apimw "github.com/hamed0406/healthpipe/internal/httpapi/middleware"
	"github.com/hamed0406/healthpipe/internal/logging"
	"github.com/hamed0406/healthpipe/internal/notify"
	"github.com/hamed0406/healthpipe/internal/scheduler"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(cfg.LogDir, "api", cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("api_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	if err := cfg.CheckStorage(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	notifier := notify.Multi{notify.Log{Logger: logger}}
	if slack := notify.NewSlack(cfg.SlackWebhookURL); slack != nil {
		notifier = append(notifier, slack)
	}
	alerter := scheduler.NewAlerter(logger, store, notifier, scheduler.AlerterConfig{
		URLs:            cfg.AlertURLs,
		AlertOnRecovery: cfg.AlertOnRecovery,
		Cooldown:        cfg.AlertCooldown,
		PollInterval:    cfg.AlertInterval,
		MaxBad:          cfg.AlertMaxBad,
		MaxP90:          cfg.AlertP90,
	})
	alertDone := make(chan struct{})
	go func() {
		defer close(alertDone)
		_ = alerter.Run(ctx)
	}()

	api := httpapi.NewServer(logger, store)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(apimw.Keys{Public: cfg.PublicAPIKeys}, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		stop()
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		logger.Info("api_stopped")
	}
	<-alertDone
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
