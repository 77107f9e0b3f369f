// Package pulse provides a thin wrapper around Pulse streams for the teavent
// publisher. Callers build a Redis client, pass it to New, and receive a typed
// handle bound to the single outgoing stream.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back the stream. Required.
		Redis *redis.Client
		// Stream names the outgoing stream. Required.
		Stream string
		// StreamMaxLen bounds the number of entries kept on the stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs the publisher needs, bound to
	// one stream. It doubles as a health pinger for the Redis connection.
	Client interface {
		health.Pinger
		// Add publishes an event with the given name and payload, returning
		// the entry ID assigned by Redis (e.g. "1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream for reading events.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages from Redis.
		Destroy(ctx context.Context) error
		// Close releases resources owned by the client. The caller owns the
		// Redis connection.
		Close(ctx context.Context) error
	}

	// Sink mirrors the subset of goa.design/pulse streaming sinks required by
	// consumers. It represents a consumer group reading from the stream.
	Sink interface {
		// Subscribe returns a channel that emits events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}

	// pinger is the slice of the Redis client used for health checks.
	pinger interface {
		Ping(ctx context.Context) *redis.StatusCmd
	}

	// stream is the slice of *streaming.Stream the client calls, extracted so
	// tests can substitute fakes.
	stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		Destroy(ctx context.Context) error
	}
)

// client wraps a Redis connection and a single Pulse stream.
type client struct {
	redis   pinger
	stream  stream
	timeout time.Duration
}

// New constructs a Pulse client bound to opts.Stream. The Redis and Stream
// fields are required; other fields are optional.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	str, err := streaming.NewStream(opts.Stream, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return newClientWithStream(opts.Redis, pulseStream{stream: str}, opts.OperationTimeout), nil
}

// newClientWithStream wires a client over an existing stream handle. Tests use
// it to substitute fakes.
func newClientWithStream(rdb pinger, str stream, timeout time.Duration) *client {
	return &client{redis: rdb, stream: str, timeout: timeout}
}

// Name implements health.Pinger.
func (c *client) Name() string { return "teavent-pulse" }

// Ping implements health.Pinger by pinging the backing Redis connection.
func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Add publishes an event to the stream with an optional timeout.
func (c *client) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := c.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the stream.
func (c *client) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	return c.stream.NewSink(ctx, name, opts...)
}

// Destroy deletes the stream and all its messages from Redis.
func (c *client) Destroy(ctx context.Context) error {
	return c.stream.Destroy(ctx)
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error {
	return nil
}

// pulseStream adapts *streaming.Stream to the stream interface.
type pulseStream struct {
	stream *streaming.Stream
}

func (s pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func (s pulseStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (s pulseStream) Destroy(ctx context.Context) error {
	return s.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface, making Close match
// the expected signature (return void instead of error).
type sinkAdapter struct {
	*streaming.Sink
}

// Close delegates to the underlying Pulse sink.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
