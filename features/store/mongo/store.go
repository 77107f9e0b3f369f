// Package mongo mirrors every teavent transition into MongoDB. The store is
// the recovery source of truth: after each transition the current event
// document is upserted, and entering the final state deletes it. Writes for
// one teavent are serialized through its own executor lane so the stored
// document always converges on the latest transition even if the driver
// overlaps requests.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	clientsmongo "github.com/teave/teave/features/store/mongo/clients/mongo"
	"github.com/teave/teave/runtime/executor"
	"github.com/teave/teave/runtime/flow"
	"github.com/teave/teave/runtime/teavent"
)

type (
	// Scheduler is the executor surface the listener needs: fire-and-forget
	// scheduling onto named group lanes.
	Scheduler interface {
		Schedule(t executor.Task, delay time.Duration)
	}

	// Listener persists teavents as they move through their flow.
	//
	// Contract:
	//   - AfterTransition into a non-final state schedules an upsert of the
	//     transition's snapshot; entering the final state schedules a delete.
	//   - Tasks land on group "<id>_db" named "<id>:dbupdate:<n>" with n
	//     increasing, so lane order matches transition order.
	//   - Transient write failures are retried once; the second failure is
	//     returned to the lane, which logs it. The flow is never vetoed.
	Listener struct {
		client clientsmongo.Client
		exec   Scheduler
		seq    atomic.Uint64
	}
)

// NewListener builds a store listener over client and exec.
func NewListener(client clientsmongo.Client, exec Scheduler) (*Listener, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if exec == nil {
		return nil, errors.New("scheduler is required")
	}
	return &Listener{client: client, exec: exec}, nil
}

// AfterTransition implements flow.TransitionListener.
func (l *Listener) AfterTransition(_ context.Context, tr flow.Transition) error {
	if tr.Target.Final() {
		return nil // the delete is scheduled on state entry
	}
	snap := tr.Teavent.Clone()
	l.schedule(snap.ID, func(ctx context.Context) error {
		return l.upsert(ctx, snap)
	})
	return nil
}

// OnEnterState implements flow.EnterListener.
func (l *Listener) OnEnterState(_ context.Context, state teavent.State, tr flow.Transition) {
	if !state.Final() {
		return
	}
	id := tr.Teavent.ID
	l.schedule(id, func(ctx context.Context) error {
		return l.delete(ctx, id)
	})
}

// FetchAll loads every stored teavent, for recovery.
func (l *Listener) FetchAll(ctx context.Context) ([]*teavent.Teavent, error) {
	return l.client.FetchAll(ctx)
}

func (l *Listener) schedule(id string, fn func(ctx context.Context) error) {
	l.exec.Schedule(executor.Task{
		Group: id + "_db",
		Name:  fmt.Sprintf("%s:dbupdate:%d", id, l.seq.Add(1)),
		Fn:    fn,
	}, 0)
}

func (l *Listener) upsert(ctx context.Context, t *teavent.Teavent) error {
	err := l.client.Upsert(ctx, t)
	if err == nil || ctx.Err() != nil {
		return err
	}
	log.Warnf(ctx, "store upsert %q failed, retrying: %v", t.ID, err)
	if err = l.client.Upsert(ctx, t); err != nil {
		recordFailure(ctx, "upsert")
	}
	return err
}

func (l *Listener) delete(ctx context.Context, id string) error {
	err := l.client.Delete(ctx, id)
	if err == nil || ctx.Err() != nil {
		return err
	}
	log.Warnf(ctx, "store delete %q failed, retrying: %v", id, err)
	if err = l.client.Delete(ctx, id); err != nil {
		recordFailure(ctx, "delete")
	}
	return err
}

var failureCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("github.com/teave/teave/features/store/mongo").Int64Counter(
		"store.failures",
		metric.WithDescription("Store writes that failed after retry."))
	if err != nil {
		return nil
	}
	return counter
})

func recordFailure(ctx context.Context, op string) {
	counter := failureCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
