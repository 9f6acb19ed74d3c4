package transport

import (
	"context"
	"errors"
	"fmt"
)

// HeaderObservationID carries the producer-assigned identity of an
// observation. Consumers use it to deduplicate redeliveries.
const HeaderObservationID = "observation-id"

var ErrClosed = errors.New("transport closed")

// Message is one record on the log.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Coordinates identifies the record's position on the log.
func (m *Message) Coordinates() string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// DeliveryKey identifies the message across redeliveries: the producer's
// observation-id when present, otherwise its log coordinates.
func (m *Message) DeliveryKey() string {
	if id := m.Headers[HeaderObservationID]; id != "" {
		return id
	}
	return m.Coordinates()
}

// DeliveryReport is the asynchronous outcome of one Publish.
type DeliveryReport struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

// Publisher hands messages to the broker without waiting for the result.
// The outcome of every accepted message shows up later on Reports.
type Publisher interface {
	// Publish enqueues msg; an error means the client refused it locally.
	Publish(ctx context.Context, msg Message) error
	// Reports delivers one report per accepted message. Reports that are not
	// drained are dropped once the buffer is full.
	Reports() <-chan DeliveryReport
	// Flush blocks until every accepted message has been reported.
	Flush(ctx context.Context) error
	Close()
}

// Subscriber reads one consumer group's position on a topic. Offsets only
// advance on the broker through Commit.
type Subscriber interface {
	// Poll waits until a message is available or ctx is done. It returns
	// (nil, nil) when nothing arrived in time.
	Poll(ctx context.Context) (*Message, error)
	Commit(ctx context.Context, msg *Message) error
	Close()
}
