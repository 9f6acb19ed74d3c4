package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guregu/null/v5"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/notify"
	"github.com/hamed0406/healthpipe/internal/repo"
)

type AlerterConfig struct {
	URLs            []string
	AlertOnRecovery bool
	Cooldown        time.Duration
	PollInterval    time.Duration
	MaxBad          int64         // degraded when num_bad exceeds it
	MaxP90          time.Duration // degraded when p90 exceeds it; 0 disables
}

type alertState struct {
	degraded   bool
	lastSentAt time.Time
}

// Alerter watches the rolling metrics of a fixed URL list and notifies on
// transitions between healthy and degraded.
type Alerter struct {
	Logger   *zap.Logger
	metrics  repo.MetricsReader
	notifier notify.Notifier
	cfg      AlerterConfig
	now      func() time.Time

	mu    sync.Mutex
	state map[string]*alertState
}

func NewAlerter(
	logger *zap.Logger,
	metrics repo.MetricsReader,
	notifier notify.Notifier,
	cfg AlerterConfig,
) *Alerter {
	return &Alerter{
		Logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		state:    make(map[string]*alertState),
	}
}

func (a *Alerter) Run(ctx context.Context) error {
	if len(a.cfg.URLs) == 0 || a.cfg.PollInterval <= 0 {
		a.Logger.Info("alerter_disabled")
		return nil
	}
	t := time.NewTicker(a.cfg.PollInterval)
	defer t.Stop()

	// initial pass
	_ = a.scanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			a.Logger.Info("alerter_stopped")
			return nil
		case <-t.C:
			_ = a.scanOnce(ctx)
		}
	}
}

func (a *Alerter) scanOnce(ctx context.Context) error {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, url := range a.cfg.URLs {
		m, err := a.metrics.Aggregate(ctx, url, now)
		if err != nil {
			a.Logger.Warn("alert_scan_error", zap.String("url", url), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// an empty window is not evidence either way
		if m.Samples == 0 {
			continue
		}

		st := a.state[url]
		if st == nil {
			st = &alertState{}
			a.state[url] = st
		}
		degraded, reason := a.evaluate(m)
		if degraded == st.degraded {
			continue
		}
		st.degraded = degraded

		// Cooldown only matters for degraded alerts (suppresses flapping).
		cooled := st.lastSentAt.IsZero() || now.Sub(st.lastSentAt) >= a.cfg.Cooldown

		var title string
		switch {
		case degraded && cooled:
			title = "🔴 Target DEGRADED"
		case !degraded && a.cfg.AlertOnRecovery:
			title = "🟢 Target RECOVERED"
			reason = "within thresholds"
		default:
			a.Logger.Info("alert_suppressed", zap.String("url", url), zap.Bool("degraded", degraded))
			continue
		}

		// Best-effort send and record the send time
		if err := a.notifier.Send(ctx, title, a.describe(m, reason, now)); err != nil {
			a.Logger.Warn("alert_send_error", zap.String("url", url), zap.Error(err))
		}
		st.lastSentAt = now
		a.Logger.Info("alert_sent", zap.String("url", url), zap.Bool("degraded", degraded), zap.String("reason", reason))
	}
	return firstErr
}

func (a *Alerter) evaluate(m domain.AggregateMetrics) (bool, string) {
	if m.NumBad.Valid && m.NumBad.Int64 > a.cfg.MaxBad {
		return true, fmt.Sprintf("%d bad responses (max %d)", m.NumBad.Int64, a.cfg.MaxBad)
	}
	if a.cfg.MaxP90 > 0 && m.P90ResponseTime.Valid && m.P90ResponseTime.Float64 > a.cfg.MaxP90.Seconds() {
		return true, fmt.Sprintf("p90 %.0f ms (max %d ms)", m.P90ResponseTime.Float64*1000, a.cfg.MaxP90.Milliseconds())
	}
	return false, ""
}

func (a *Alerter) describe(m domain.AggregateMetrics, reason string, now time.Time) string {
	return fmt.Sprintf(
		"URL: %s\nReason: %s\nSamples: %d\nBad: %s\nAvg: %s\np90: %s\nWindow: %s ending %s",
		m.URL, reason, m.Samples, intText(m.NumBad), msText(m.AvgResponseTime), msText(m.P90ResponseTime),
		m.Window, now.UTC().Format(time.RFC3339),
	)
}

func intText(v null.Int) string {
	if !v.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%d", v.Int64)
}

func msText(v null.Float) string {
	if !v.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.0f ms", v.Float64*1000)
}
