// Package kafka implements a sink that publishes classified records to a
// Kafka topic as JSON, one message per record, keyed by connection so
// that both directions of a connection land on the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/chains/internal/chain"
	"firestige.xyz/chains/internal/core"
	"firestige.xyz/chains/internal/log"
	"firestige.xyz/chains/internal/sink/console"
)

const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3

	// flushTimeout bounds the final write after the chain was cancelled.
	flushTimeout = 5 * time.Second
)

// Options configures the kafka sink.
type Options struct {
	Brokers        []string      `mapstructure:"brokers"`       // required
	Topic          string        `mapstructure:"topic"`         // required
	BatchSize      int           `mapstructure:"batch_size"`    // default 100
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"` // default 100ms
	Compression    string        `mapstructure:"compression"`   // none | gzip | snappy | lz4 | zstd
	MaxAttempts    int           `mapstructure:"max_attempts"`  // default 3
	OnlyClassified bool          `mapstructure:"only_classified"`
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink drains the chain into a Kafka topic.
type Sink struct {
	chain.Base

	opts   Options
	writer messageWriter
	batch  []kafka.Message
	logger log.Logger

	sent   int
	failed int
}

// New validates opts and creates a synchronous kafka.Writer for them.
func New(opts Options, logger log.Logger) (*Sink, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, core.NewConfigError(Name, err)
	}
	compression, err := codec(opts.Compression)
	if err != nil {
		return nil, core.NewConfigError(Name, err)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    opts.BatchSize,
		BatchTimeout: opts.BatchTimeout,
		MaxAttempts:  opts.MaxAttempts,
		RequiredAcks: kafka.RequireOne,
		Compression:  compression,
	}
	return newSink(opts, w, logger), nil
}

func newSink(opts Options, w messageWriter, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Sink{
		Base:   chain.NewBase(Name),
		opts:   opts,
		writer: w,
		batch:  make([]kafka.Message, 0, opts.BatchSize),
		logger: logger,
	}
}

// NewFactory returns a registry factory for kafka sinks.
func NewFactory(logger log.Logger) chain.Factory[chain.Sink] {
	return func(opts map[string]any) (chain.Sink, error) {
		var o Options
		if err := chain.DecodeOptions(opts, &o); err != nil {
			return nil, core.NewConfigError(Name, err)
		}
		return New(o, logger)
	}
}

func withDefaults(opts Options) (Options, error) {
	if len(opts.Brokers) == 0 {
		return opts, fmt.Errorf("%w: brokers is required", core.ErrConfigInvalid)
	}
	if opts.Topic == "" {
		return opts, fmt.Errorf("%w: topic is required", core.ErrConfigInvalid)
	}
	if opts.BatchSize < 0 || opts.BatchTimeout < 0 || opts.MaxAttempts < 0 {
		return opts, fmt.Errorf("%w: batch_size, batch_timeout and max_attempts must not be negative", core.ErrConfigInvalid)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout == 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Compression == "" {
		opts.Compression = defaultCompression
	}
	return opts, nil
}

func codec(name string) (kafka.Compression, error) {
	switch name {
	case "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("%w: invalid compression %q", core.ErrConfigInvalid, name)
	}
}

// Pull publishes every record in batches of batch_size. The last partial
// batch is written even when ctx was cancelled, then the writer is closed.
func (s *Sink) Pull(ctx context.Context) error {
	up, err := s.Upstream()
	if err != nil {
		return err
	}

	_, err = chain.Drive(ctx, up, 0, func(rec *core.FlowRecord) error {
		if s.opts.OnlyClassified {
			if _, ok := rec.Classification(); !ok {
				return nil
			}
		}
		msg, err := Message(rec)
		if err != nil {
			return err
		}
		s.batch = append(s.batch, msg)
		if len(s.batch) < s.opts.BatchSize {
			return nil
		}
		return s.flush(ctx)
	})

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if ferr := s.flush(flushCtx); err == nil {
		err = ferr
	}
	if cerr := s.writer.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close kafka writer: %w", cerr)
	}

	s.logger.WithFields(map[string]interface{}{
		"topic":  s.opts.Topic,
		"sent":   s.sent,
		"failed": s.failed,
	}).Info("kafka sink finished")
	return err
}

func (s *Sink) flush(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	n := len(s.batch)
	err := s.writer.WriteMessages(ctx, s.batch...)
	s.batch = s.batch[:0]
	if err != nil {
		s.failed += n
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.sent += n
	return nil
}

// Sent returns the number of records written to the topic.
func (s *Sink) Sent() int {
	return s.sent
}

// Message encodes rec as a Kafka message. The value is the JSON view the
// print sink emits; the key names the connection with its endpoints in
// a fixed order.
func Message(rec *core.FlowRecord) (kafka.Message, error) {
	value, err := json.Marshal(console.NewView(rec))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	a, b := rec.Src, rec.Dst
	if b.Addr.Compare(a.Addr) < 0 || (b.Addr == a.Addr && b.Port < a.Port) {
		a, b = b, a
	}
	headers := []kafka.Header{
		{Key: "protocol", Value: []byte(rec.Protocol.String())},
		{Key: "direction", Value: []byte(rec.Direction.String())},
	}
	if c, ok := rec.Classification(); ok {
		headers = append(headers, kafka.Header{Key: "kind", Value: []byte(c.Kind().String())})
	}

	return kafka.Message{
		Key:     []byte(a.String() + "-" + b.String()),
		Value:   value,
		Headers: headers,
		Time:    rec.Timestamp,
	}, nil
}
