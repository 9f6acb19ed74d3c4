// Package memory is an in-process, single-partition transport with
// consumer-group offsets. It backs tests and local runs without a broker.
package memory

import (
	"context"
	"sync"

	"github.com/hamed0406/healthpipe/internal/transport"
)

type Broker struct {
	mu      sync.Mutex
	logs    map[string][]transport.Message
	commits map[string]int64
	wake    chan struct{}
	failErr error
}

func NewBroker() *Broker {
	return &Broker{
		logs:    make(map[string][]transport.Message),
		commits: make(map[string]int64),
		wake:    make(chan struct{}),
	}
}

// FailDeliveries makes every following publish report err instead of
// appending. Pass nil to restore normal delivery.
func (b *Broker) FailDeliveries(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// Messages returns a copy of everything appended to topic.
func (b *Broker) Messages(topic string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.logs[topic]...)
}

// Committed returns the next offset group will read from topic.
func (b *Broker) Committed(group, topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits[groupKey(group, topic)]
}

func groupKey(group, topic string) string { return group + "\x00" + topic }

// append must be called with b.mu held.
func (b *Broker) append(msg transport.Message) transport.Message {
	msg.Partition = 0
	msg.Offset = int64(len(b.logs[msg.Topic]))
	if msg.Headers != nil {
		h := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			h[k] = v
		}
		msg.Headers = h
	}
	b.logs[msg.Topic] = append(b.logs[msg.Topic], msg)
	close(b.wake)
	b.wake = make(chan struct{})
	return msg
}

type Publisher struct {
	b       *Broker
	reports chan transport.DeliveryReport

	mu     sync.Mutex
	closed bool
}

// Publisher returns a publisher whose report channel holds up to buffer
// undrained reports.
func (b *Broker) Publisher(buffer int) *Publisher {
	return &Publisher{b: b, reports: make(chan transport.DeliveryReport, buffer)}
}

func (p *Publisher) Publish(ctx context.Context, msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.b.mu.Lock()
	rep := transport.DeliveryReport{Topic: msg.Topic, Partition: 0, Offset: -1}
	if p.b.failErr != nil {
		rep.Err = p.b.failErr
	} else {
		stored := p.b.append(msg)
		rep.Offset = stored.Offset
	}
	p.b.mu.Unlock()

	select {
	case p.reports <- rep:
	default:
	}
	return nil
}

func (p *Publisher) Reports() <-chan transport.DeliveryReport { return p.reports }

// Flush is immediate: delivery happens inside Publish.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type Subscriber struct {
	b     *Broker
	key   string
	topic string

	mu     sync.Mutex
	pos    int64
	closed bool
}

// Subscribe joins group on topic, resuming from the group's committed
// offset or the start of the log.
func (b *Broker) Subscribe(group, topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(group, topic)
	return &Subscriber{b: b, key: key, topic: topic, pos: b.commits[key]}
}

func (s *Subscriber) Poll(ctx context.Context) (*transport.Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, transport.ErrClosed
		}
		s.b.mu.Lock()
		log := s.b.logs[s.topic]
		wake := s.b.wake
		if s.pos < int64(len(log)) {
			m := log[s.pos]
			s.pos++
			s.b.mu.Unlock()
			s.mu.Unlock()
			return &m, nil
		}
		s.b.mu.Unlock()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-wake:
		}
	}
}

func (s *Subscriber) Commit(ctx context.Context, msg *transport.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if next := msg.Offset + 1; next > s.b.commits[s.key] {
		s.b.commits[s.key] = next
	}
	return nil
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

var (
	_ transport.Publisher  = (*Publisher)(nil)
	_ transport.Subscriber = (*Subscriber)(nil)
)
