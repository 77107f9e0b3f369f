package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/teave/teave/features/publish/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a stream subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume entries. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to "teave_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes the outgoing stream and emits decoded envelopes.
	// Presenters use it to follow teavent updates; tests use it to observe
	// published snapshots.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a subscriber. The Client field in opts is required;
// SinkName and Buffer default to sensible values if not provided.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "teave_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a sink on the stream and returns channels for envelopes and
// errors. It spawns a goroutine that consumes from the sink, decodes payloads
// and acks each entry after emission. The returned cancel function stops
// consumption, closes the sink and closes both channels.
//
// Usage:
//
//	updates, errs, cancel, err := sub.Subscribe(ctx)
//	defer cancel()
//	for env := range updates {
//	    // process env.Teavent
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	opts ...streamopts.Sink,
) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	sink, err := s.client.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	updates := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, updates, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return updates, errs, cancelFunc, nil
}

// consume reads entries from the sink channel, decodes them and emits them on
// the out channel, acking after each successful emission. Closes both channels
// when ctx is cancelled or the sink channel closes. Sends decode and ack
// failures on the errs channel, then returns.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes one stream entry.
func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	if env.Teavent == nil {
		return Envelope{}, errors.New("envelope missing teavent")
	}
	return env, nil
}
