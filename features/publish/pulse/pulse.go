// Package pulse publishes teavent snapshots to a Redis stream after every
// transition. The stream is a notification bus, not the source of truth:
// consumers tolerate duplicates and dedupe per (id, state).
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	clientspulse "github.com/teave/teave/features/publish/pulse/clients/pulse"
	"github.com/teave/teave/runtime/executor"
	"github.com/teave/teave/runtime/flow"
	"github.com/teave/teave/runtime/teavent"
)

type (
	// Scheduler is the slice of the executor the publisher schedules on.
	Scheduler interface {
		Schedule(t executor.Task, delay time.Duration)
	}

	// Publisher is a flow listener that serializes each post-transition
	// snapshot onto the outgoing stream.
	//
	//   - Publishes run on group "<id>_pub" so they stay ordered per teavent
	//     and drain on shutdown instead of being cancelled.
	//   - Task names carry a random suffix: the same state can be scheduled
	//     twice while the lane is busy (e.g. two confirms back to back) and
	//     names must not collide.
	Publisher struct {
		client clientspulse.Client
		exec   Scheduler
	}

	// Envelope is the wire format of one stream entry. Type duplicates the
	// snapshot state so consumers can route without decoding the teavent.
	Envelope struct {
		Type    teavent.State    `json:"type"`
		Teavent *teavent.Teavent `json:"teavent"`
	}
)

// NewPublisher builds a publisher over client and exec.
func NewPublisher(client clientspulse.Client, exec Scheduler) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if exec == nil {
		return nil, errors.New("scheduler is required")
	}
	return &Publisher{client: client, exec: exec}, nil
}

// AfterTransition implements flow.TransitionListener.
func (p *Publisher) AfterTransition(_ context.Context, tr flow.Transition) error {
	snap := tr.Teavent.Clone()
	p.exec.Schedule(executor.Task{
		Group: snap.ID + "_pub",
		Name:  fmt.Sprintf("%s:%s", snap.State, uuid.NewString()[:8]),
		Fn: func(ctx context.Context) error {
			return p.publish(ctx, snap)
		},
	}, 0)
	return nil
}

func (p *Publisher) publish(ctx context.Context, snap *teavent.Teavent) error {
	payload, err := json.Marshal(Envelope{Type: snap.State, Teavent: snap})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = p.client.Add(ctx, string(snap.State), payload)
	if err == nil || ctx.Err() != nil {
		return err
	}
	log.Warnf(ctx, "publish %q failed, retrying: %v", snap.ID, err)
	if _, err = p.client.Add(ctx, string(snap.State), payload); err != nil {
		recordFailure(ctx, snap.State)
	}
	return err
}

var failureCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("github.com/teave/teave/features/publish/pulse").Int64Counter(
		"publish.failures",
		metric.WithDescription("Stream publishes that failed after retry."))
	if err != nil {
		return nil
	}
	return counter
})

func recordFailure(ctx context.Context, state teavent.State) {
	counter := failureCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}
