package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/sink"
)

func TestKafkaSink_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "missing brokers",
			config:  map[string]any{"topic": "test"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			config:  map[string]any{"brokers": []any{"localhost:9092"}},
			wantErr: true,
		},
		{
			name: "valid minimal config",
			config: map[string]any{
				"brokers": []any{"localhost:9092"},
				"topic":   "can-frames",
			},
		},
		{
			name: "valid full config",
			config: map[string]any{
				"brokers":       []any{"broker1:9092", "broker2:9092"},
				"topic":         "can-frames",
				"batch_size":    float64(200),
				"batch_timeout": "200ms",
				"compression":   "gzip",
				"max_attempts":  5,
			},
		},
		{
			name: "invalid compression",
			config: map[string]any{
				"brokers":     []any{"localhost:9092"},
				"topic":       "can-frames",
				"compression": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid batch_timeout",
			config: map[string]any{
				"brokers":       []any{"localhost:9092"},
				"topic":         "can-frames",
				"batch_timeout": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid batch_size",
			config: map[string]any{
				"brokers":    []any{"localhost:9092"},
				"topic":      "can-frames",
				"batch_size": 0,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sink{}
			err := s.Init(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s.writer)
			assert.NoError(t, s.writer.Close())
		})
	}
}

func TestKafkaSink_Defaults(t *testing.T) {
	s := &Sink{}
	require.NoError(t, s.Init(map[string]any{"brokers": []any{"localhost:9092"}, "topic": "t"}))
	defer s.writer.Close()

	assert.Equal(t, defaultBatchSize, s.config.BatchSize)
	assert.Equal(t, defaultBatchTimeout, s.config.BatchTimeout)
	assert.Equal(t, defaultCompression, s.config.Compression)
	assert.Equal(t, defaultMaxAttempts, s.config.MaxAttempts)

	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)
}

// fakeWriter delivers in the background after delay, like an async kafka.Writer.
type fakeWriter struct {
	delay      time.Duration
	err        error // returned by WriteMessages
	deliverErr error // passed to completion
	completion func([]kafka.Message, error)

	mu     sync.Mutex
	msgs   []kafka.Message
	wg     sync.WaitGroup
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		time.Sleep(w.delay)
		w.completion(msgs, w.deliverErr)
	}()
	return nil
}

func (w *fakeWriter) Close() error {
	w.wg.Wait()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func newFakeSink(w *fakeWriter) *Sink {
	s := &Sink{writer: w}
	w.completion = s.onCompletion
	return s
}

func TestKafkaSink_OnDecodedEvent(t *testing.T) {
	w := &fakeWriter{}
	s := newFakeSink(w)

	ev := &core.DecodedEvent{
		Frame:     core.NewFrame(0x1A0, []byte{0x01, 0x02}),
		Signals:   []core.SignalValue{{Name: "Speed", Value: 12.5, Unit: "km/h"}},
		Source:    core.SourceLive,
		Session:   "s-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.OnDecodedEvent(context.Background(), ev))
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "1a0", string(msg.Key))
	assert.Equal(t, ev.Timestamp, msg.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "source", Value: []byte("live")},
		{Key: "session", Value: []byte("s-1")},
	}, msg.Headers)

	var rec sink.Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, uint32(0x1A0), rec.ID)
	assert.Equal(t, uint8(2), rec.DLC)
	require.Len(t, rec.Signals, 1)
	assert.Equal(t, 12.5, rec.Signals[0].Value)

	reported, failed := s.Stats()
	assert.Equal(t, uint64(1), reported)
	assert.Zero(t, failed)
	assert.Equal(t, uint64(1), s.Queued())
}

func TestKafkaSink_SlowBrokerDoesNotBlock(t *testing.T) {
	w := &fakeWriter{delay: 100 * time.Millisecond}
	s := newFakeSink(w)

	const n = 200
	start := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, s.OnDecodedEvent(context.Background(), &core.DecodedEvent{Frame: core.NewFrame(uint32(i+1), nil)}))
	}
	assert.Less(t, time.Since(start), w.delay, "events waited for delivery")
	assert.Equal(t, uint64(n), s.Queued())

	// Stop waits for outstanding deliveries
	require.NoError(t, s.Stop(context.Background()))
	reported, failed := s.Stats()
	assert.Equal(t, uint64(n), reported)
	assert.Zero(t, failed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s := newFakeSink(w)

	err := s.OnDecodedEvent(context.Background(), &core.DecodedEvent{Frame: core.NewFrame(1, nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	_, failed := s.Stats()
	assert.Equal(t, uint64(1), failed)
	assert.Error(t, s.OnDecodedEvent(context.Background(), nil))
}

func TestKafkaSink_DeliveryError(t *testing.T) {
	w := &fakeWriter{deliverErr: errors.New("leader not available")}
	s := newFakeSink(w)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnDecodedEvent(context.Background(), &core.DecodedEvent{Frame: core.NewFrame(1, nil)}))
	}
	require.NoError(t, s.Stop(context.Background()))
	reported, failed := s.Stats()
	assert.Zero(t, reported)
	assert.Equal(t, uint64(3), failed)
}
