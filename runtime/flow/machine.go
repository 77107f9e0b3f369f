package flow

import (
	"errors"
	"fmt"

	"github.com/teave/teave/runtime/teavent"
)

type (
	// condFn selects between arms of the same trigger. A false result moves
	// matching on to the next arm, it is not an error.
	condFn func(t *teavent.Teavent, a Args) bool

	// guardFn validates a selected arm. A non-nil result aborts the
	// transition and surfaces as *GuardError.
	guardFn func(t *teavent.Teavent, a Args) error

	// effectFn mutates the model once all guards passed. An error aborts
	// the transition before the state changes.
	effectFn func(t *teavent.Teavent, a Args) error

	// arm is one row of the transition table. Internal arms keep the
	// machine in its state without leaving it, so exit and enter effects
	// do not run and enter listeners are not notified.
	arm struct {
		trigger  Trigger
		source   teavent.State
		target   teavent.State
		internal bool
		cond     condFn
		guards   []guardFn
		effects  []effectFn
	}
)

// machine is the transition table. Arms of the same trigger are tried in
// order; the first one whose source matches the current state and whose cond
// passes is taken.
var machine = []arm{
	{trigger: TriggerStartPoll, source: teavent.StateCreated, target: teavent.StatePollOpen},

	{trigger: TriggerConfirm, source: teavent.StateCreated, target: teavent.StateCreated, internal: true, cond: condForced, guards: []guardFn{guardNotConfirmedBefore}, effects: []effectFn{effectAddParticipant}},
	{trigger: TriggerConfirm, source: teavent.StatePollOpen, target: teavent.StatePollOpen, internal: true, guards: []guardFn{guardNotConfirmedBefore}, effects: []effectFn{effectAddParticipant}},
	{trigger: TriggerConfirm, source: teavent.StatePlanned, target: teavent.StatePlanned, internal: true, guards: []guardFn{guardNotConfirmedBefore}, effects: []effectFn{effectAddParticipant}},

	{trigger: TriggerReject, source: teavent.StateCreated, target: teavent.StateCreated, internal: true, guards: []guardFn{guardConfirmedBefore}, effects: []effectFn{effectRemoveParticipant}},
	{trigger: TriggerReject, source: teavent.StatePollOpen, target: teavent.StatePollOpen, internal: true, guards: []guardFn{guardConfirmedBefore}, effects: []effectFn{effectRemoveParticipant}},
	{trigger: TriggerReject, source: teavent.StatePlanned, target: teavent.StatePlanned, internal: true, guards: []guardFn{guardHasReserve, guardConfirmedBefore}, effects: []effectFn{effectRemoveParticipant}},

	{trigger: TriggerStopPoll, source: teavent.StatePollOpen, target: teavent.StatePlanned, cond: condReady},
	{trigger: TriggerStopPoll, source: teavent.StatePollOpen, target: teavent.StateCancelled, cond: condNotReady},

	{trigger: TriggerCancel, source: teavent.StateCreated, target: teavent.StateCancelled},
	{trigger: TriggerCancel, source: teavent.StatePollOpen, target: teavent.StateCancelled},
	{trigger: TriggerCancel, source: teavent.StatePlanned, target: teavent.StateCancelled},

	{trigger: TriggerStart, source: teavent.StatePlanned, target: teavent.StateStarted},

	{trigger: TriggerIAmLate, source: teavent.StateStarted, target: teavent.StateStarted, internal: true, guards: []guardFn{guardConfirmedBefore}, effects: []effectFn{effectAddLatee}},

	{trigger: TriggerEnd, source: teavent.StateStarted, target: teavent.StateEnded},

	{trigger: TriggerRecreate, source: teavent.StateCreated, target: teavent.StateCreated, guards: []guardFn{guardIsRecurring}, effects: []effectFn{effectAdjustTimings, effectResetOccurrence}},
	{trigger: TriggerRecreate, source: teavent.StateCancelled, target: teavent.StateCreated, guards: []guardFn{guardIsRecurring}, effects: []effectFn{effectAdjustTimings, effectResetOccurrence}},
	{trigger: TriggerRecreate, source: teavent.StateEnded, target: teavent.StateCreated, guards: []guardFn{guardIsRecurring}, effects: []effectFn{effectAdjustTimings, effectResetOccurrence}},

	{trigger: TriggerFinalize, source: teavent.StateCancelled, target: teavent.StateFinalized},
	{trigger: TriggerFinalize, source: teavent.StateEnded, target: teavent.StateFinalized},

	// init from created normalizes a recurring series onto its next upcoming
	// occurrence. From any later state the stored timings describe the
	// occurrence in flight (or just finished) and must survive re-entry: the
	// re-armed timer or the roll-forward reaction is anchored on them.
	{trigger: TriggerInit, source: teavent.StateCreated, target: teavent.StateCreated, effects: []effectFn{effectAdjustIfRecurring}},
	{trigger: TriggerInit, source: teavent.StatePollOpen, target: teavent.StatePollOpen},
	{trigger: TriggerInit, source: teavent.StatePlanned, target: teavent.StatePlanned},
	{trigger: TriggerInit, source: teavent.StateStarted, target: teavent.StateStarted},
	{trigger: TriggerInit, source: teavent.StateCancelled, target: teavent.StateCancelled},
	{trigger: TriggerInit, source: teavent.StateEnded, target: teavent.StateEnded},
}

// exitEffects run when a state is left through a non-internal arm, before the
// arm's own effects. Self transitions such as init leave and re-enter their
// state, so they run these too.
var exitEffects = map[teavent.State]func(t *teavent.Teavent){
	teavent.StatePollOpen: func(t *teavent.Teavent) {
		n := t.NumParticipants()
		t.EffectiveMax = &n
	},
}

func condForced(_ *teavent.Teavent, a Args) bool { return a.Force }

func condReady(t *teavent.Teavent, _ Args) bool { return t.Ready() }

func condNotReady(t *teavent.Teavent, _ Args) bool { return !t.Ready() }

func guardNotConfirmedBefore(t *teavent.Teavent, a Args) error {
	if t.ConfirmedBy(a.UserID) {
		return fmt.Errorf("'%s' has already confirmed", a.UserID)
	}
	return nil
}

func guardConfirmedBefore(t *teavent.Teavent, a Args) error {
	if !t.ConfirmedBy(a.UserID) {
		return fmt.Errorf("it is not confirmed by '%s'", a.UserID)
	}
	return nil
}

func guardHasReserve(t *teavent.Teavent, a Args) error {
	if a.Force {
		return nil
	}
	if !t.HasReserve() {
		return errors.New("no reserve")
	}
	return nil
}

func guardIsRecurring(t *teavent.Teavent, _ Args) error {
	if !t.IsRecurring() {
		return errors.New("teavent must be recurring to recreate")
	}
	return nil
}

func effectAddParticipant(t *teavent.Teavent, a Args) error {
	t.AddParticipant(a.UserID)
	return nil
}

func effectRemoveParticipant(t *teavent.Teavent, a Args) error {
	t.RemoveParticipant(a.UserID)
	return nil
}

func effectAddLatee(t *teavent.Teavent, a Args) error {
	t.AddLatee(a.UserID)
	return nil
}

func effectAdjustTimings(t *teavent.Teavent, a Args) error {
	return t.AdjustTimings(a.Now, a.Exceptions)
}

func effectResetOccurrence(t *teavent.Teavent, _ Args) error {
	t.ResetOccurrence()
	return nil
}

func effectAdjustIfRecurring(t *teavent.Teavent, a Args) error {
	if !t.IsRecurring() {
		return nil
	}
	return t.AdjustTimings(a.Now, a.Exceptions)
}
