package kafka

import (
	"context"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hamed0406/healthpipe/internal/transport"
)

type Producer struct {
	client  *kgo.Client
	reports chan transport.DeliveryReport
	closed  atomic.Bool
}

func NewProducer(cfg Config) (*Producer, error) {
	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, kgo.DefaultProduceTopic(cfg.Topic))
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	buf := cfg.ReportBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Producer{client: client, reports: make(chan transport.DeliveryReport, buf)}, nil
}

func (p *Producer) Ping(ctx context.Context) error { return p.client.Ping(ctx) }

// Publish enqueues msg. The record is detached from ctx's cancellation so a
// shutting-down caller can still Flush it out.
func (p *Producer) Publish(ctx context.Context, msg transport.Message) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.client.Produce(context.WithoutCancel(ctx), toRecord(msg), func(r *kgo.Record, err error) {
		rep := transport.DeliveryReport{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Err: err}
		select {
		case p.reports <- rep:
		default:
		}
	})
	return nil
}

func (p *Producer) Reports() <-chan transport.DeliveryReport { return p.reports }

func (p *Producer) Flush(ctx context.Context) error { return p.client.Flush(ctx) }

func (p *Producer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.client.Close()
	}
}

var _ transport.Publisher = (*Producer)(nil)
