package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hamed0406/healthpipe/internal/transport"
)

type Consumer struct {
	client *kgo.Client

	mu       sync.Mutex
	inflight map[string]*kgo.Record
	errs     []error
}

// NewConsumer joins cfg.Group on cfg.Topic with auto-commit disabled; a new
// group starts from the earliest offset.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Group == "" {
		return nil, errors.New("kafka: no consumer group configured")
	}
	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, inflight: make(map[string]*kgo.Record)}, nil
}

func (c *Consumer) Ping(ctx context.Context) error { return c.client.Ping(ctx) }

// Poll returns at most one record. Fetch errors that arrive together with a
// record are held back and returned by the next call.
func (c *Consumer) Poll(ctx context.Context) (*transport.Message, error) {
	c.mu.Lock()
	if len(c.errs) > 0 {
		err := errors.Join(c.errs...)
		c.errs = nil
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	fetches := c.client.PollRecords(ctx, 1)
	if fetches.IsClientClosed() {
		return nil, transport.ErrClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
	})

	recs := fetches.Records()
	if len(recs) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, nil
	}

	msg := fromRecord(recs[0])
	c.mu.Lock()
	c.inflight[msg.Coordinates()] = recs[0]
	c.errs = append(c.errs, errs...)
	c.mu.Unlock()
	return msg, nil
}

// Commit marks msg and everything before it on its partition as consumed.
func (c *Consumer) Commit(ctx context.Context, msg *transport.Message) error {
	key := msg.Coordinates()
	c.mu.Lock()
	rec, ok := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()
	if !ok {
		rec = &kgo.Record{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, LeaderEpoch: -1}
	}
	if err := c.client.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Close leaves the group and shuts the client down.
func (c *Consumer) Close() { c.client.Close() }

var _ transport.Subscriber = (*Consumer)(nil)
