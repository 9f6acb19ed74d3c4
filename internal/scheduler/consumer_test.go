package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	repomem "github.com/hamed0406/healthpipe/internal/repo/memory"
	"github.com/hamed0406/healthpipe/internal/transport"
	"github.com/hamed0406/healthpipe/internal/transport/memory"
)

const testGroup = "health-consumer"

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PollTimeout:  50 * time.Millisecond,
		StoreTimeout: time.Second,
		Backoff:      time.Millisecond,
		MaxBackoff:   4 * time.Millisecond,
	}
}

func publish(t *testing.T, broker *memory.Broker, value []byte, headers map[string]string) {
	t.Helper()
	pub := broker.Publisher(1)
	defer pub.Close()
	if err := pub.Publish(context.Background(), transport.Message{Topic: testTopic, Value: value, Headers: headers}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// failingCommits simulates a crash between store and commit.
type failingCommits struct {
	transport.Subscriber
}

func (f failingCommits) Commit(ctx context.Context, msg *transport.Message) error {
	return errors.New("coordinator moved")
}

func TestConsumer_EndToEndObservation(t *testing.T) {
	broker := memory.NewBroker()
	store := repomem.New()
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())

	want := domain.Observed("https://example.com/", 200, 50*time.Millisecond)
	value, _ := want.Encode()
	publish(t, broker, value, map[string]string{transport.HeaderObservationID: "id-1"})

	got, err := c.ConsumeOnce(context.Background())
	if err != nil {
		t.Fatalf("ConsumeOnce: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("want %+v, got %+v", want, got)
	}

	rows, _ := store.Recent(context.Background(), "https://example.com/", 10)
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.Status != domain.StatusOK || r.Code.Int64 != 200 || r.TimeTaken.Float64 < 0.0499 || r.TimeTaken.Float64 > 0.0501 {
		t.Fatalf("unexpected row: %+v", r)
	}
	if r.DeliveryKey != "id-1" {
		t.Fatalf("want delivery key from header, got %q", r.DeliveryKey)
	}
	if off := broker.Committed(testGroup, testTopic); off != 1 {
		t.Fatalf("want committed offset 1, got %d", off)
	}
}

func TestConsumer_NoMessageReturnsNil(t *testing.T) {
	broker := memory.NewBroker()
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), repomem.New(), testConsumerConfig())

	start := time.Now()
	got, err := c.ConsumeOnce(context.Background())
	if got != nil || err != nil {
		t.Fatalf("want nil, nil; got %+v, %v", got, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("poll should be bounded by PollTimeout")
	}
}

func TestConsumer_MalformedMessagesAreCommittedAndSkipped(t *testing.T) {
	log, logs := observedLogger()
	broker := memory.NewBroker()
	store := repomem.New()
	c := NewConsumer(log, broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())

	publish(t, broker, []byte("not json"), nil)
	publish(t, broker, []byte(`{"status":"ok","code":null,"time_taken":null,"url":"https://x/"}`), nil)

	for i := 0; i < 2; i++ {
		got, err := c.ConsumeOnce(context.Background())
		if got != nil || err != nil {
			t.Fatalf("malformed message %d: got %+v, %v", i, got, err)
		}
	}
	if off := broker.Committed(testGroup, testTopic); off != 2 {
		t.Fatalf("malformed messages must be committed, offset=%d", off)
	}
	if n := len(store.Rows()); n != 0 {
		t.Fatalf("nothing should be stored, got %d rows", n)
	}
	if n := logs.FilterMessage("consume_malformed").Len(); n != 2 {
		t.Fatalf("want 2 consume_malformed logs, got %d", n)
	}
}

func TestConsumer_StoreFailureKeepsMessagePending(t *testing.T) {
	broker := memory.NewBroker()
	store := repomem.New()
	boom := errors.New("db down")
	store.SetFailure(boom)
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())

	first, _ := domain.Observed("https://example.com/", 503, 10*time.Millisecond).Encode()
	second, _ := domain.TimedOut("https://example.com/").Encode()
	publish(t, broker, first, map[string]string{transport.HeaderObservationID: "a"})
	publish(t, broker, second, map[string]string{transport.HeaderObservationID: "b"})

	for i := 0; i < 2; i++ {
		if _, err := c.ConsumeOnce(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: want store error, got %v", i, err)
		}
		if off := broker.Committed(testGroup, testTopic); off != 0 {
			t.Fatalf("nothing may be committed while storage fails, offset=%d", off)
		}
	}

	store.SetFailure(nil)
	got, err := c.ConsumeOnce(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	// the pending message is retried before anything new is polled
	if got == nil || got.Status != domain.StatusBad {
		t.Fatalf("want the first message back, got %+v", got)
	}
	if off := broker.Committed(testGroup, testTopic); off != 1 {
		t.Fatalf("want committed offset 1, got %d", off)
	}

	got, err = c.ConsumeOnce(context.Background())
	if err != nil || got == nil || got.Status != domain.StatusTimeout {
		t.Fatalf("want the second message next, got %+v, %v", got, err)
	}
	if n := len(store.Rows()); n != 2 {
		t.Fatalf("want 2 rows, got %d", n)
	}
}

func TestConsumer_RedeliveryStoresOnce(t *testing.T) {
	log, logs := observedLogger()
	broker := memory.NewBroker()
	store := repomem.New()

	value, _ := domain.Observed("https://example.com/", 200, time.Millisecond).Encode()
	publish(t, broker, value, map[string]string{transport.HeaderObservationID: "once"})

	// first consumer stores but its commit never lands
	crashing := NewConsumer(log, failingCommits{broker.Subscribe(testGroup, testTopic)}, store, testConsumerConfig())
	if got, err := crashing.ConsumeOnce(context.Background()); err != nil || got == nil {
		t.Fatalf("first delivery: %+v, %v", got, err)
	}
	if logs.FilterMessage("commit_error").Len() != 1 {
		t.Fatal("commit failure should be logged")
	}
	if off := broker.Committed(testGroup, testTopic); off != 0 {
		t.Fatalf("commit should not have landed, offset=%d", off)
	}

	// the group restarts from the last committed offset
	restarted := NewConsumer(log, broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())
	if got, err := restarted.ConsumeOnce(context.Background()); err != nil || got == nil {
		t.Fatalf("redelivery: %+v, %v", got, err)
	}
	if n := len(store.Rows()); n != 1 {
		t.Fatalf("redelivered message must be stored once, got %d rows", n)
	}
	if off := broker.Committed(testGroup, testTopic); off != 1 {
		t.Fatalf("want committed offset 1 after redelivery, got %d", off)
	}
}

func TestConsumer_KeyFallsBackToCoordinates(t *testing.T) {
	broker := memory.NewBroker()
	store := repomem.New()
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())

	value, _ := domain.TimedOut("https://example.com/").Encode()
	publish(t, broker, value, nil)
	if _, err := c.ConsumeOnce(context.Background()); err != nil {
		t.Fatalf("ConsumeOnce: %v", err)
	}
	rows := store.Rows()
	if len(rows) != 1 || rows[0].DeliveryKey != "health-checks/0/0" {
		t.Fatalf("want coordinates as delivery key, got %+v", rows)
	}
}

func TestConsumer_RunGivesUpAfterMaxFailures(t *testing.T) {
	broker := memory.NewBroker()
	store := repomem.New()
	boom := errors.New("db down")
	store.SetFailure(boom)

	cfg := testConsumerConfig()
	cfg.MaxFailures = 3
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), store, cfg)

	value, _ := domain.TimedOut("https://example.com/").Encode()
	publish(t, broker, value, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("want Run to fail with the store error, got %v", err)
	}
	if off := broker.Committed(testGroup, testTopic); off != 0 {
		t.Fatalf("failed message must stay uncommitted, offset=%d", off)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	broker := memory.NewBroker()
	store := repomem.New()
	c := NewConsumer(zap.NewNop(), broker.Subscribe(testGroup, testTopic), store, testConsumerConfig())

	value, _ := domain.Observed("https://example.com/", 200, time.Millisecond).Encode()
	publish(t, broker, value, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for broker.Committed(testGroup, testTopic) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if n := len(store.Rows()); n != 1 {
		t.Fatalf("want 1 row, got %d", n)
	}
}

func TestConsumer_Backoff(t *testing.T) {
	c := NewConsumer(zap.NewNop(), nil, nil, ConsumerConfig{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for failures, want := range cases {
		if got := c.backoff(failures); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", failures, got, want)
		}
	}
}
