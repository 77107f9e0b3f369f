// Package flow implements the teavent lifecycle state machine. A Flow binds
// the transition table to one teavent and fans every completed transition out
// to an observer list; observers implement only the capabilities they care
// about and are detected by interface assertion.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/teave/teave/runtime/teavent"
)

// Trigger names a machine event. Trigger values are the wire names accepted
// by the user action surface.
type Trigger string

const (
	// TriggerInit re-seats the machine at its declared state. The arm is a
	// self transition, so entering the state fires again and timers re-arm.
	TriggerInit Trigger = "init"
	// TriggerStartPoll opens the registration poll.
	TriggerStartPoll Trigger = "start_poll"
	// TriggerConfirm adds a participant. From created it requires force.
	TriggerConfirm Trigger = "confirm"
	// TriggerReject removes a participant. From planned it requires a
	// non-empty reserve unless forced.
	TriggerReject Trigger = "reject"
	// TriggerStopPoll closes the poll, to planned when ready and to
	// cancelled otherwise.
	TriggerStopPoll Trigger = "stop_poll"
	// TriggerStart marks the occurrence as started.
	TriggerStart Trigger = "start_"
	// TriggerIAmLate flags a confirmed participant as late.
	TriggerIAmLate Trigger = "i_am_late"
	// TriggerEnd marks the occurrence as ended.
	TriggerEnd Trigger = "end"
	// TriggerCancel cancels the occurrence before it starts.
	TriggerCancel Trigger = "cancel"
	// TriggerRecreate rolls a recurring teavent to its next occurrence.
	TriggerRecreate Trigger = "recreate"
	// TriggerFinalize retires a cancelled or ended teavent.
	TriggerFinalize Trigger = "finalize"
)

var triggers = map[Trigger]struct{}{
	TriggerInit:      {},
	TriggerStartPoll: {},
	TriggerConfirm:   {},
	TriggerReject:    {},
	TriggerStopPoll:  {},
	TriggerStart:     {},
	TriggerIAmLate:   {},
	TriggerEnd:       {},
	TriggerCancel:    {},
	TriggerRecreate:  {},
	TriggerFinalize:  {},
}

// ParseTrigger maps a wire name to a Trigger. Unknown names return
// ErrUnknownTrigger.
func ParseTrigger(name string) (Trigger, error) {
	tr := Trigger(name)
	if _, ok := triggers[tr]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
	return tr, nil
}

type (
	// Args carries the parameters a trigger may consume. Triggers ignore
	// the fields they do not use: user triggers read UserID and Force,
	// init and recreate read Now and Exceptions.
	Args struct {
		// UserID identifies the acting participant.
		UserID string
		// Force bypasses guards that restrict user-initiated flow.
		Force bool
		// Now is the instant timing adjustments advance past.
		Now time.Time
		// Exceptions are the sibling one-off instances of the series,
		// excluded from recurrence when timings adjust.
		Exceptions []*teavent.Teavent
	}

	// Transition describes one completed machine step. Teavent is the live
	// model owned by the flow's loop; listeners that hand it to another
	// goroutine must Clone it first.
	Transition struct {
		Trigger  Trigger
		Source   teavent.State
		Target   teavent.State
		Internal bool
		Teavent  *teavent.Teavent
	}

	// TransitionListener observes every completed transition, internal
	// ones included. A returned error is logged and never vetoes the
	// transition.
	TransitionListener interface {
		AfterTransition(ctx context.Context, tr Transition) error
	}

	// EnterListener observes state entries. Self transitions re-enter
	// their state and are delivered again; internal arms are not.
	EnterListener interface {
		OnEnterState(ctx context.Context, state teavent.State, tr Transition)
	}

	// Flow drives one teavent through the transition table.
	//
	// Contract:
	//   - Not safe for concurrent use. All Sends must come from the single
	//     goroutine that owns the teavent.
	//   - Listeners run synchronously on the sending goroutine, after the
	//     model mutated. AfterTransition is delivered to all listeners
	//     before any OnEnterState, so durable effects snapshot the
	//     transition's own result before enter reactions cascade.
	Flow struct {
		t         *teavent.Teavent
		listeners []any
	}
)

// New binds a machine to t. Listeners observe transitions in registration
// order. The teavent must carry a known state.
func New(t *teavent.Teavent, listeners ...any) (*Flow, error) {
	if !t.State.Valid() {
		return nil, fmt.Errorf("teavent %q: unknown state %q", t.ID, t.State)
	}
	return &Flow{t: t, listeners: listeners}, nil
}

// Teavent returns the live model.
func (f *Flow) Teavent() *teavent.Teavent { return f.t }

// State returns the current state.
func (f *Flow) State() teavent.State { return f.t.State }

// Send drives the machine with one trigger.
//
// Contract:
//   - Unknown triggers return ErrUnknownTrigger.
//   - Triggers with no arm from the current state, or whose every arm's
//     cond fails, return *TransitionError; the model is untouched.
//   - Guard rejections return *GuardError; the model is untouched.
//   - Effect failures abort the transition and return the effect's error
//     unchanged; the state does not change and listeners are not notified.
//   - On success the state is updated and listeners observe the transition.
func (f *Flow) Send(ctx context.Context, trigger Trigger, a Args) error {
	if _, ok := triggers[trigger]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}

	src := f.t.State
	var chosen *arm
	for i := range machine {
		m := &machine[i]
		if m.trigger != trigger || m.source != src {
			continue
		}
		if m.cond != nil && !m.cond(f.t, a) {
			continue
		}
		chosen = m
		break
	}
	if chosen == nil {
		return &TransitionError{Trigger: trigger, State: src}
	}

	for _, guard := range chosen.guards {
		if err := guard(f.t, a); err != nil {
			return &GuardError{Trigger: trigger, State: src, Reason: err.Error()}
		}
	}

	if !chosen.internal {
		if exit, ok := exitEffects[src]; ok {
			exit(f.t)
		}
	}
	for _, effect := range chosen.effects {
		if err := effect(f.t, a); err != nil {
			return err
		}
	}
	f.t.State = chosen.target

	tr := Transition{
		Trigger:  trigger,
		Source:   src,
		Target:   chosen.target,
		Internal: chosen.internal,
		Teavent:  f.t,
	}
	f.record(ctx, tr)
	f.notify(ctx, tr)
	return nil
}

func (f *Flow) notify(ctx context.Context, tr Transition) {
	for _, l := range f.listeners {
		if tl, ok := l.(TransitionListener); ok {
			if err := tl.AfterTransition(ctx, tr); err != nil {
				log.Errorf(ctx, err, "teavent %q: after %s", tr.Teavent.ID, tr.Trigger)
			}
		}
	}
	if tr.Internal {
		return
	}
	for _, l := range f.listeners {
		if el, ok := l.(EnterListener); ok {
			el.OnEnterState(ctx, tr.Target, tr)
		}
	}
}

var transitionCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("github.com/teave/teave/runtime/flow").Int64Counter(
		"flow.transitions",
		metric.WithDescription("Completed flow transitions."))
	if err != nil {
		return nil
	}
	return counter
})

func (f *Flow) record(ctx context.Context, tr Transition) {
	counter := transitionCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", string(tr.Trigger)),
		attribute.String("target", string(tr.Target)),
	))
}
