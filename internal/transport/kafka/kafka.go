// Package kafka adapts a franz-go client to the transport ports.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/transport"
)

type Config struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string

	// PEM content, not file paths. All empty means plaintext.
	AccessKey string
	Cert      string
	CACert    string

	// DeliveryTimeout bounds how long a record may wait for a broker ack
	// before its delivery report carries an error.
	DeliveryTimeout time.Duration
	ReportBuffer    int

	Logger *zap.Logger
}

// TLSConfig builds client-certificate TLS from in-memory PEM material.
// It returns nil when no material is configured.
func TLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.AccessKey == "" && cfg.Cert == "" && cfg.CACert == "" {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.AccessKey != "" || cfg.Cert != "" {
		if cfg.AccessKey == "" || cfg.Cert == "" {
			return nil, errors.New("kafka tls: access key and certificate must be set together")
		}
		pair, err := tls.X509KeyPair([]byte(cfg.Cert), []byte(cfg.AccessKey))
		if err != nil {
			return nil, fmt.Errorf("kafka tls: client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}

	if cfg.CACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cfg.CACert)) {
			return nil, errors.New("kafka tls: no certificates found in CA PEM")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

func baseOpts(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	tc, err := TLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		opts = append(opts, kgo.DialTLSConfig(tc))
	}
	if cfg.Logger != nil {
		opts = append(opts, kgo.WithLogger(zapLogger{cfg.Logger.Sugar()}))
	}
	return opts, nil
}

func toRecord(msg transport.Message) *kgo.Record {
	r := &kgo.Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(msg.Headers[k])})
	}
	return r
}

func fromRecord(r *kgo.Record) *transport.Message {
	m := &transport.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
	}
	if len(r.Headers) > 0 {
		m.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

// zapLogger routes client logs through zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Level() kgo.LogLevel {
	if l.s.Desugar().Core().Enabled(zap.DebugLevel) {
		return kgo.LogLevelDebug
	}
	return kgo.LogLevelInfo
}

func (l zapLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.s.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.s.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.s.Infow(msg, keyvals...)
	case kgo.LogLevelDebug:
		l.s.Debugw(msg, keyvals...)
	}
}
