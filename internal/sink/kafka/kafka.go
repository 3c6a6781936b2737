// Package kafka implements the Kafka sink.
// Sends decoded events to Kafka with batching, compression, and retry support.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/sink"
)

const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink sends events to Kafka. Writes are asynchronous so the consumer never
// waits for a batch to fill; delivery results arrive through onCompletion.
type Sink struct {
	writer messageWriter
	config Config

	// Statistics
	queuedCount   atomic.Uint64
	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// Config represents Kafka sink configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
}

// New creates a new Kafka sink.
func New() sink.Sink {
	return &Sink{}
}

func init() {
	sink.Register(Name, New)
}

// Name returns the sink type.
func (s *Sink) Name() string {
	return Name
}

// Init initializes the sink with configuration.
func (s *Sink) Init(config map[string]any) error {
	if config == nil {
		return fmt.Errorf("kafka sink requires configuration")
	}

	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	if err := sink.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d", cfg.BatchSize)
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return err
	}
	s.config = cfg

	writerConfig := kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{}, // frames with the same id keep their order
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
		Async:            true,
	}
	w := kafka.NewWriter(writerConfig)
	w.Completion = s.onCompletion
	s.writer = w
	return nil
}

// onCompletion is called by the writer once a batch was delivered or given up on.
func (s *Sink) onCompletion(msgs []kafka.Message, err error) {
	if err != nil {
		s.errorCount.Add(uint64(len(msgs)))
		log.GetLogger().WithError(err).WithField("messages", len(msgs)).Warn("kafka delivery failed")
		return
	}
	s.reportedCount.Add(uint64(len(msgs)))
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// Start starts the sink.
func (s *Sink) Start(ctx context.Context) error {
	log.GetLogger().WithFields(map[string]any{
		"brokers":       s.config.Brokers,
		"topic":         s.config.Topic,
		"batch_size":    s.config.BatchSize,
		"batch_timeout": s.config.BatchTimeout,
		"compression":   s.config.Compression,
	}).Info("kafka sink started")
	return nil
}

// Stop closes the writer, flushing pending messages.
func (s *Sink) Stop(ctx context.Context) error {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			log.GetLogger().WithError(err).Error("error closing kafka writer")
			return err
		}
	}

	log.GetLogger().WithFields(map[string]any{
		"total_queued":   s.queuedCount.Load(),
		"total_reported": s.reportedCount.Load(),
		"total_errors":   s.errorCount.Load(),
	}).Info("kafka sink stopped")
	return nil
}

// OnDecodedEvent hands one event to the writer. It returns once the message is
// queued; a failed delivery is only counted.
func (s *Sink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	msg, err := buildMessage(ev)
	if err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("serialize event failed: %w", err)
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}

	s.queuedCount.Add(1)
	return nil
}

// buildMessage keys the message by frame id and carries the event source and
// session as headers.
func buildMessage(ev *core.DecodedEvent) (kafka.Message, error) {
	value, err := json.Marshal(sink.NewRecord(ev))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(ev.Frame.ID), 16)),
		Value: value,
		Time:  ev.Time(),
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(ev.Source.String())},
			{Key: "session", Value: []byte(ev.Session)},
		},
	}, nil
}

// Flush is a no-op: kafka.Writer flushes by BatchSize/BatchTimeout and Stop
// waits for the last batch.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Stats returns the delivered and failed message counts.
func (s *Sink) Stats() (reported, errors uint64) {
	return s.reportedCount.Load(), s.errorCount.Load()
}

// Queued returns how many messages were handed to the writer.
func (s *Sink) Queued() uint64 {
	return s.queuedCount.Load()
}
