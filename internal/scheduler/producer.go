package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/probe"
	"github.com/hamed0406/healthpipe/internal/transport"
)

type ProducerConfig struct {
	URL            string
	Topic          string
	Timeout        time.Duration // probe deadline
	Delay          time.Duration // sleep between cycles
	FlushTimeout   time.Duration
	DNSDiagnostics bool
}

// Producer probes one URL on a fixed cadence and publishes every
// observation. Publishing is fire-and-forget; outcomes are only logged.
type Producer struct {
	Logger    *zap.Logger
	Checker   probe.Checker
	Publisher transport.Publisher
	Config    ProducerConfig

	// NewID names each observation for consumer-side deduplication.
	NewID func() string
	// LookupDNS diagnoses unreachable observations.
	LookupDNS func(ctx context.Context, host string) probe.DNSStatus
}

func NewProducer(
	logger *zap.Logger,
	checker probe.Checker,
	pub transport.Publisher,
	cfg ProducerConfig,
) *Producer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &Producer{
		Logger:    logger,
		Checker:   checker,
		Publisher: pub,
		Config:    cfg,
		NewID:     uuid.NewString,
		LookupDNS: probe.CheckDNS,
	}
}

// Run probes and publishes until ctx is cancelled, then flushes everything
// the client accepted and drains the remaining delivery reports.
func (p *Producer) Run(ctx context.Context) error {
	p.Logger.Info("producer_started",
		zap.String("url", p.Config.URL),
		zap.String("topic", p.Config.Topic),
		zap.Duration("timeout", p.Config.Timeout),
		zap.Duration("delay", p.Config.Delay),
	)
	for {
		p.RunOnce(ctx)
		if !sleep(ctx, p.Config.Delay) {
			return p.shutdown()
		}
	}
}

// RunOnce performs one cycle. It reports whether an observation was handed
// to the publisher.
func (p *Producer) RunOnce(ctx context.Context) (domain.HealthObservation, bool) {
	p.drainReports()

	cctx, cancel := context.WithTimeout(ctx, p.Config.Timeout)
	obs := p.Checker.Check(cctx, p.Config.URL)
	cancel()

	// a probe cut short by shutdown says nothing about the target
	if ctx.Err() != nil {
		p.Logger.Info("probe_discarded", zap.String("url", p.Config.URL))
		return obs, false
	}

	if obs.Status == domain.StatusUnreachable && p.Config.DNSDiagnostics && p.LookupDNS != nil {
		dns := p.LookupDNS(ctx, probe.Host(obs.URL))
		p.Logger.Info("dns_check",
			zap.String("domain", dns.Domain),
			zap.String("class", string(dns.Class)),
			zap.Strings("nameservers", dns.Nameservers),
			zap.String("cname", dns.CNAME),
			zap.String("resolver_error", dns.ResolverError),
		)
	}

	value, err := obs.Encode()
	if err != nil {
		p.Logger.Error("encode_error", zap.String("url", obs.URL), zap.Error(err))
		return obs, false
	}
	id := p.NewID()
	msg := transport.Message{
		Topic:   p.Config.Topic,
		Key:     []byte(obs.URL),
		Value:   value,
		Headers: map[string]string{transport.HeaderObservationID: id},
	}
	if err := p.Publisher.Publish(ctx, msg); err != nil {
		p.Logger.Warn("publish_error",
			zap.String("url", obs.URL),
			zap.String("observation_id", id),
			zap.Error(err),
		)
		return obs, false
	}

	p.Logger.Debug("observation_published",
		zap.String("url", obs.URL),
		zap.String("observation_id", id),
		zap.String("status", string(obs.Status)),
		zap.Int64("code", obs.Code.Int64),
		zap.Float64("time_taken", obs.TimeTaken.Float64),
	)
	return obs, true
}

func (p *Producer) shutdown() error {
	fctx, cancel := context.WithTimeout(context.Background(), p.Config.FlushTimeout)
	defer cancel()

	err := p.Publisher.Flush(fctx)
	p.drainReports()
	if err != nil {
		p.Logger.Error("flush_error", zap.Error(err))
		return fmt.Errorf("flush: %w", err)
	}
	p.Logger.Info("producer_stopped")
	return nil
}

// drainReports logs every delivery report waiting on the channel without
// blocking.
func (p *Producer) drainReports() {
	reports := p.Publisher.Reports()
	for {
		select {
		case rep, ok := <-reports:
			if !ok {
				return
			}
			if rep.Err != nil {
				p.Logger.Warn("delivery_failed",
					zap.String("topic", rep.Topic),
					zap.Int32("partition", rep.Partition),
					zap.Error(rep.Err),
				)
				continue
			}
			p.Logger.Debug("delivered",
				zap.String("topic", rep.Topic),
				zap.Int32("partition", rep.Partition),
				zap.Int64("offset", rep.Offset),
			)
		default:
			return
		}
	}
}

// sleep waits d or until ctx is done; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
