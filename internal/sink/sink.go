// Package sink defines the consumer side contract: every decoded event a session
// produces is handed to each configured sink exactly once, in queue order.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
)

// Sink receives decoded events from the session consumer.
type Sink interface {
	Name() string
	Init(cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error
	Flush(ctx context.Context) error
}

// Factory creates an uninitialized sink.
type Factory func() Sink

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink type available to Build.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("sink %q already registered", name))
	}
	factories[name] = f
}

// Types lists the registered sink types.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates and initializes one sink.
func New(typ string, cfg map[string]any) (Sink, error) {
	mu.RLock()
	f, ok := factories[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink %q", core.ErrPluginNotFound, typ)
	}
	s := f()
	if err := s.Init(cfg); err != nil {
		return nil, fmt.Errorf("%w: sink %q: %v", core.ErrPluginInitFailed, typ, err)
	}
	return s, nil
}

// Build creates every configured sink in order.
func Build(cfgs []config.SinkConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := New(c.Type, c.Config)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// DecodeConfig decodes a sink's free-form configuration into out. Strings are
// accepted for numbers, booleans and durations.
func DecodeConfig(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Callback adapts a function into a sink. It is the hook a presentation layer
// registers to receive events.
type Callback struct {
	name string
	fn   func(ev *core.DecodedEvent)
}

// NewCallback returns a sink that calls fn for every event.
func NewCallback(name string, fn func(ev *core.DecodedEvent)) *Callback {
	return &Callback{name: name, fn: fn}
}

func (c *Callback) Name() string                { return c.name }
func (c *Callback) Init(map[string]any) error   { return nil }
func (c *Callback) Start(context.Context) error { return nil }
func (c *Callback) Stop(context.Context) error  { return nil }
func (c *Callback) Flush(context.Context) error { return nil }
func (c *Callback) OnDecodedEvent(_ context.Context, ev *core.DecodedEvent) error {
	c.fn(ev)
	return nil
}
