// Package manager owns the teavent state machines. One mutation goroutine,
// the loop, holds the id to flow map; API handlers and fired timers post
// closures onto it and wait, so transitions for all events are serialized
// without locks. Outgoing effects (store writes, stream publishes, delay
// timers) run on executor lanes and never block the loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/teave/teave/runtime/clock"
	"github.com/teave/teave/runtime/executor"
	"github.com/teave/teave/runtime/flow"
	"github.com/teave/teave/runtime/teavent"
)

type (
	// Scheduler is the executor surface the manager drives. Production use
	// passes *executor.Executor; tests substitute a recording fake.
	Scheduler interface {
		Schedule(t executor.Task, delay time.Duration)
		Cancel(groupID string)
		Tasks(groupID string) []string
		Shutdown(ctx context.Context) error
	}

	// Action is one user-initiated trigger delivered over the RPC surface.
	Action struct {
		// Type is the trigger wire name, e.g. "confirm".
		Type string
		// UserID identifies the acting participant.
		UserID string
		// TeaventID selects the flow.
		TeaventID string
		// Force bypasses guards that restrict user-initiated flow.
		Force bool
	}

	// Manager coordinates every managed teavent.
	//
	// Contract:
	//   - All public methods are safe for concurrent use; they post to the
	//     loop and wait for the reply.
	//   - A posted mutation runs even if the caller's context expires while
	//     waiting, so callers that give up must treat the outcome as unknown.
	//   - Listeners passed to New are installed on every flow, before the
	//     manager's own reactions and the transitions logger.
	Manager struct {
		clock     clock.Clock
		exec      Scheduler
		listeners []any

		flows map[string]*flow.Flow

		calls    chan func()
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
	}
)

// New starts a manager loop. ctx is only used to carry the logger for loop
// lifecycle messages; stopping is explicit through Shutdown.
func New(ctx context.Context, clk clock.Clock, exec Scheduler, listeners ...any) *Manager {
	m := &Manager{
		clock:     clk,
		exec:      exec,
		listeners: listeners,
		flows:     make(map[string]*flow.Flow),
		calls:     make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.loop(ctx)
	return m
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	log.Debugf(ctx, "manager loop started")
	for {
		select {
		case call := <-m.calls:
			call()
		case <-m.stop:
			log.Debugf(ctx, "manager loop stopped")
			return
		}
	}
}

// post runs fn on the loop and waits for its result. ErrClosed reports a
// stopped loop; a context error reports a caller that gave up first.
func (m *Manager) post(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.calls <- func() { reply <- fn() }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manage takes ownership of t and seats its state machine.
//
// Contract:
//   - Returns ErrTeaventIsManaged when a flow for t.ID already exists and
//     ErrTeaventIsInFinalState when t arrives finalized.
//   - On success the flow observed an init transition: timings are
//     normalized for recurring series (teavent.ErrFromThePast when the
//     series cannot advance past now) and the state's timer is armed.
//   - The manager owns t after a successful return; callers must not
//     mutate it.
func (m *Manager) Manage(ctx context.Context, t *teavent.Teavent) error {
	return m.post(ctx, func() error { return m.manage(ctx, t) })
}

func (m *Manager) manage(ctx context.Context, t *teavent.Teavent) error {
	if _, ok := m.flows[t.ID]; ok {
		return fmt.Errorf("%w: %q", ErrTeaventIsManaged, t.ID)
	}
	if t.State.Final() {
		return fmt.Errorf("%w: %q", ErrTeaventIsInFinalState, t.ID)
	}

	listeners := make([]any, 0, len(m.listeners)+2)
	listeners = append(listeners, m.listeners...)
	listeners = append(listeners, m, transitionsLogger{})
	fl, err := flow.New(t, listeners...)
	if err != nil {
		return err
	}
	m.flows[t.ID] = fl

	args := flow.Args{Now: m.clock.Now(t.TZ()), Exceptions: m.exceptionsFor(t)}
	if err := fl.Send(ctx, flow.TriggerInit, args); err != nil {
		delete(m.flows, t.ID)
		return err
	}
	log.Printf(ctx, "managing teavent %q in state %q", t.ID, t.State)
	return nil
}

// List returns an id-ordered snapshot of every managed teavent.
func (m *Manager) List(ctx context.Context) ([]*teavent.Teavent, error) {
	var out []*teavent.Teavent
	err := m.post(ctx, func() error {
		out = make([]*teavent.Teavent, 0, len(m.flows))
		for _, fl := range m.flows {
			out = append(out, fl.Teavent().Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a snapshot of one teavent or ErrUnknownTeavent.
func (m *Manager) Get(ctx context.Context, id string) (*teavent.Teavent, error) {
	var out *teavent.Teavent
	err := m.post(ctx, func() error {
		fl, ok := m.flows[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTeavent, id)
		}
		out = fl.Teavent().Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleUserAction resolves the flow and sends the named trigger with the
// user id, the current time in the teavent's zone and the sibling exception
// instances. Guard and lookup failures return unchanged; on success the
// updated snapshot is returned.
func (m *Manager) HandleUserAction(ctx context.Context, a Action) (*teavent.Teavent, error) {
	trigger, err := flow.ParseTrigger(a.Type)
	if err != nil {
		return nil, err
	}
	var out *teavent.Teavent
	err = m.post(ctx, func() error {
		fl, ok := m.flows[a.TeaventID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTeavent, a.TeaventID)
		}
		ev := fl.Teavent()
		args := flow.Args{
			UserID:     a.UserID,
			Force:      a.Force,
			Now:        m.clock.Now(ev.TZ()),
			Exceptions: m.exceptionsFor(ev),
		}
		if err := fl.Send(ctx, trigger, args); err != nil {
			return err
		}
		out = ev.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Drop removes a finalized flow. Flows normally drop themselves on entering
// finalized; Drop covers operator cleanup of stragglers.
func (m *Manager) Drop(ctx context.Context, id string) error {
	return m.post(ctx, func() error {
		fl, ok := m.flows[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTeavent, id)
		}
		if !fl.State().Final() {
			return fmt.Errorf("teavent %q is %q, only finalized teavents can be dropped", id, fl.State())
		}
		delete(m.flows, id)
		m.exec.Cancel(id + "_sm")
		return nil
	})
}

// Tasks returns the executor's live task names, for diagnostics.
func (m *Manager) Tasks() []string {
	return m.exec.Tasks("")
}

// Recover fetches every stored teavent and manages it. Exception instances
// are seated first so series timings adjust against the full exclusion set.
// Per-teavent failures are logged and skipped; recovery continues.
func (m *Manager) Recover(ctx context.Context, fetch func(context.Context) ([]*teavent.Teavent, error)) error {
	teavents, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	log.Printf(ctx, "recovering %d teavents", len(teavents))
	recovered := 0
	for _, pass := range []bool{true, false} {
		for _, t := range teavents {
			if t.IsRecurringException() != pass {
				continue
			}
			if err := m.Manage(ctx, t); err != nil {
				log.Errorf(ctx, err, "recover teavent %q", t.ID)
				continue
			}
			recovered++
		}
	}
	log.Printf(ctx, "recovered %d/%d teavents", recovered, len(teavents))
	return nil
}

// Shutdown stops the loop, then shuts the executor down: pending delay
// timers drop and the store and publish lanes drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.exec.Shutdown(ctx)
}

// exceptionsFor lists the managed one-off instances of t's series. Runs on
// the loop.
func (m *Manager) exceptionsFor(t *teavent.Teavent) []*teavent.Teavent {
	var out []*teavent.Teavent
	for _, fl := range m.flows {
		ev := fl.Teavent()
		if ev.RecurringEventID == t.ID {
			out = append(out, ev)
		}
	}
	return out
}

// OnEnterState is the manager's own listener reaction: arm the state's
// timer, roll finished recurring teavents into their next occurrence,
// finalize finished one-offs and drop finalized flows. Runs on the loop as
// part of transition fan-out.
func (m *Manager) OnEnterState(ctx context.Context, state teavent.State, tr flow.Transition) {
	ev := tr.Teavent
	switch state {
	case teavent.StateCreated:
		m.scheduleTrigger(ctx, ev, flow.TriggerStartPoll, ev.StartPollAt())
	case teavent.StatePollOpen:
		m.scheduleTrigger(ctx, ev, flow.TriggerStopPoll, ev.StopPollAt())
	case teavent.StatePlanned:
		m.scheduleTrigger(ctx, ev, flow.TriggerStart, ev.Start)
	case teavent.StateStarted:
		m.scheduleTrigger(ctx, ev, flow.TriggerEnd, ev.End)
	case teavent.StateCancelled, teavent.StateEnded:
		m.finishOccurrence(ctx, ev)
	case teavent.StateFinalized:
		delete(m.flows, ev.ID)
		m.exec.Cancel(ev.ID + "_sm")
		log.Printf(ctx, "teavent %q finalized, dropped", ev.ID)
	}
}

// scheduleTrigger arms the event's single timer: the <id>_sm group is
// cancelled first, so at most one timer is ever outstanding per event. The
// fired task resolves the flow by id at firing time; a recreate may have
// replaced the occurrence since.
func (m *Manager) scheduleTrigger(ctx context.Context, ev *teavent.Teavent, trigger flow.Trigger, at time.Time) {
	id := ev.ID
	group := id + "_sm"
	m.exec.Cancel(group)

	delay := at.Sub(m.clock.Now(at.Location()))
	log.Debugf(ctx, "teavent %q: %s in %s (at %s)", id, trigger, delay, at)
	m.exec.Schedule(executor.Task{
		Group: group,
		Name:  string(trigger),
		Fn: func(taskCtx context.Context) error {
			return m.fire(taskCtx, id, trigger)
		},
	}, delay)
}

// fire posts a timer-driven trigger back onto the loop.
func (m *Manager) fire(taskCtx context.Context, id string, trigger flow.Trigger) error {
	err := m.post(taskCtx, func() error {
		if taskCtx.Err() != nil {
			return nil // cancelled while queued
		}
		fl, ok := m.flows[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTeavent, id)
		}
		ev := fl.Teavent()
		args := flow.Args{Now: m.clock.Now(ev.TZ()), Exceptions: m.exceptionsFor(ev)}
		return fl.Send(taskCtx, trigger, args)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// finishOccurrence reacts to a cancelled or ended occurrence: recurring
// series roll forward with recreate and re-init anchored at the finished
// occurrence's end; exhausted series and one-offs finalize.
func (m *Manager) finishOccurrence(ctx context.Context, ev *teavent.Teavent) {
	fl, ok := m.flows[ev.ID]
	if !ok {
		return
	}
	if !ev.IsRecurring() {
		m.finalize(ctx, fl)
		return
	}

	end := ev.End
	args := flow.Args{Now: end, Exceptions: m.exceptionsFor(ev)}
	if err := fl.Send(ctx, flow.TriggerRecreate, args); err != nil {
		if errors.Is(err, teavent.ErrFromThePast) {
			log.Printf(ctx, "teavent %q: series exhausted, finalizing", ev.ID)
			m.finalize(ctx, fl)
			return
		}
		log.Errorf(ctx, err, "teavent %q: recreate", ev.ID)
		return
	}
	if err := fl.Send(ctx, flow.TriggerInit, args); err != nil {
		log.Errorf(ctx, err, "teavent %q: re-init after recreate", ev.ID)
	}
}

func (m *Manager) finalize(ctx context.Context, fl *flow.Flow) {
	if err := fl.Send(ctx, flow.TriggerFinalize, flow.Args{}); err != nil {
		log.Errorf(ctx, err, "teavent %q: finalize", fl.Teavent().ID)
	}
}
