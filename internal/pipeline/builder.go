package pipeline

import (
	"time"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/queue"
	"firestige.xyz/canlens/internal/sink"
	"firestige.xyz/canlens/internal/transport"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			DropPolicy:   queue.PolicyBlock,
			ReadTimeout:  defaultReadTimeout,
			ConsumerWait: defaultConsumerWait,
		},
	}
}

// WithSessionID sets the session ID used in logs.
func (b *Builder) WithSessionID(id string) *Builder {
	b.config.SessionID = id
	return b
}

// WithTransport sets the bus driver.
func (b *Builder) WithTransport(t transport.Transport) *Builder {
	b.config.Transport = t
	return b
}

// WithCatalog sets the signal catalog.
func (b *Builder) WithCatalog(c *catalog.Catalog) *Builder {
	b.config.Catalog = c
	return b
}

// WithSinks sets the sink chain.
func (b *Builder) WithSinks(sinks ...sink.Sink) *Builder {
	b.config.Sinks = sinks
	return b
}

// WithQueue bounds the event queue. Capacity 0 keeps it unbounded.
func (b *Builder) WithQueue(capacity int, policy queue.Policy) *Builder {
	b.config.QueueCapacity = capacity
	b.config.DropPolicy = policy
	return b
}

// WithTimeouts sets the transport read timeout and the consumer wait.
func (b *Builder) WithTimeouts(read, consumerWait time.Duration) *Builder {
	b.config.ReadTimeout = read
	b.config.ConsumerWait = consumerWait
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l log.Logger) *Builder {
	b.config.Logger = l
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
