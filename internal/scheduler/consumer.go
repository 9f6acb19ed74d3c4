package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/repo"
	"github.com/hamed0406/healthpipe/internal/transport"
)

type ConsumerConfig struct {
	PollTimeout  time.Duration // bounded wait for one message
	Delay        time.Duration // sleep between cycles
	StoreTimeout time.Duration // bound on one store or commit call
	Backoff      time.Duration // first retry delay after a store failure
	MaxBackoff   time.Duration
	MaxFailures  int // consecutive store failures before Run gives up; 0 = never
}

// Consumer moves observations from the log into storage. A message is
// committed only after its row is durable; malformed messages are committed
// and skipped so they cannot block the partition.
type Consumer struct {
	Logger     *zap.Logger
	Subscriber transport.Subscriber
	Store      repo.ObservationStore
	Config     ConsumerConfig

	// message that failed to store, retried before polling again
	pending    *transport.Message
	pendingObs domain.HealthObservation
}

func NewConsumer(
	logger *zap.Logger,
	sub transport.Subscriber,
	store repo.ObservationStore,
	cfg ConsumerConfig,
) *Consumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Consumer{Logger: logger, Subscriber: sub, Store: store, Config: cfg}
}

// Run consumes until ctx is cancelled (returning nil) or storage keeps
// failing past MaxFailures (returning the last error). Anything not yet
// committed is redelivered to the next consumer in the group.
func (c *Consumer) Run(ctx context.Context) error {
	c.Logger.Info("consumer_started",
		zap.Duration("poll_timeout", c.Config.PollTimeout),
		zap.Int("max_failures", c.Config.MaxFailures),
	)
	failures := 0
	for {
		if ctx.Err() != nil {
			c.stopped()
			return nil
		}
		_, err := c.ConsumeOnce(ctx)
		delay := c.Config.Delay
		switch {
		case errors.Is(err, transport.ErrClosed):
			return err
		case err != nil:
			failures++
			c.Logger.Error("store_error",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if c.Config.MaxFailures > 0 && failures >= c.Config.MaxFailures {
				return fmt.Errorf("giving up after %d consecutive store failures: %w", failures, err)
			}
			delay = c.backoff(failures)
		default:
			failures = 0
		}
		if !sleep(ctx, delay) {
			c.stopped()
			return nil
		}
	}
}

// ConsumeOnce handles at most one message. It returns the stored
// observation, or nil when nothing was stored this cycle. A non-nil error
// means storage failed; the message stays pending for the next call.
func (c *Consumer) ConsumeOnce(ctx context.Context) (*domain.HealthObservation, error) {
	msg, obs := c.pending, c.pendingObs
	if msg == nil {
		pctx, cancel := context.WithTimeout(ctx, c.Config.PollTimeout)
		m, err := c.Subscriber.Poll(pctx)
		cancel()
		if errors.Is(err, transport.ErrClosed) {
			return nil, err
		}
		if err != nil {
			c.Logger.Warn("consume_error", zap.Error(err))
			return nil, nil
		}
		if m == nil {
			return nil, nil
		}

		obs, err = domain.DecodeObservation(m.Value)
		if err != nil {
			c.Logger.Warn("consume_malformed",
				zap.String("coordinates", m.Coordinates()),
				zap.ByteString("value", m.Value),
				zap.Error(err),
			)
			c.commit(ctx, m)
			return nil, nil
		}
		msg = m
	}

	// storage and commit outlive shutdown so a row is never half-written
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Config.StoreTimeout)
	inserted, err := c.Store.Append(sctx, msg.DeliveryKey(), obs)
	cancel()
	if err != nil {
		c.pending, c.pendingObs = msg, obs
		return nil, fmt.Errorf("store %s: %w", msg.Coordinates(), err)
	}
	c.pending = nil

	c.commit(ctx, msg)
	c.Logger.Debug("observation_stored",
		zap.String("coordinates", msg.Coordinates()),
		zap.String("delivery_key", msg.DeliveryKey()),
		zap.String("url", obs.URL),
		zap.String("status", string(obs.Status)),
		zap.Bool("duplicate", !inserted),
	)
	return &obs, nil
}

// commit failures only cost a redelivery, which storage deduplicates.
func (c *Consumer) commit(ctx context.Context, msg *transport.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Config.StoreTimeout)
	defer cancel()
	if err := c.Subscriber.Commit(cctx, msg); err != nil {
		c.Logger.Warn("commit_error",
			zap.String("coordinates", msg.Coordinates()),
			zap.Error(err),
		)
	}
}

func (c *Consumer) backoff(failures int) time.Duration {
	d := c.Config.Backoff
	for i := 1; i < failures && d < c.Config.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.Config.MaxBackoff {
		d = c.Config.MaxBackoff
	}
	return d
}

func (c *Consumer) stopped() {
	if c.pending != nil {
		c.Logger.Warn("consumer_stopped", zap.String("uncommitted", c.pending.Coordinates()))
		return
	}
	c.Logger.Info("consumer_stopped")
}
