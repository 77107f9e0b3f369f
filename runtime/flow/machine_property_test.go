package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/teave/teave/runtime/teavent"
)

type participantOp struct {
	confirm bool
	user    string
}

func genParticipantOps() gopter.Gen {
	genOp := gopter.CombineGens(gen.Bool(), gen.IntRange(1, 8)).Map(func(vals []any) participantOp {
		return participantOp{confirm: vals[0].(bool), user: fmt.Sprintf("u%d", vals[1].(int))}
	})
	return gen.SliceOf(genOp)
}

// TestParticipantCountProperty verifies that the participant set grows by
// exactly one on every successful confirm, shrinks by exactly one on every
// successful reject, and is untouched by rejected sends.
func TestParticipantCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("count moves by one per successful mutation", prop.ForAll(
		func(ops []participantOp) bool {
			ctx := context.Background()
			ev := fixture()
			ev.State = teavent.StatePollOpen
			fl, err := New(ev)
			if err != nil {
				return false
			}

			for _, op := range ops {
				before := ev.NumParticipants()
				trigger := TriggerReject
				if op.confirm {
					trigger = TriggerConfirm
				}
				err := fl.Send(ctx, trigger, Args{UserID: op.user})
				after := ev.NumParticipants()
				if err != nil {
					var gerr *GuardError
					if !errors.As(err, &gerr) {
						return false
					}
					if after != before {
						return false
					}
					continue
				}
				if op.confirm && after != before+1 {
					return false
				}
				if !op.confirm && after != before-1 {
					return false
				}
			}
			return true
		},
		genParticipantOps(),
	))

	properties.TestingRun(t)
}

// TestParticipantUniquenessProperty verifies that no sequence of confirms and
// rejects ever produces a duplicate participant entry, and that membership
// always agrees with ConfirmedBy.
func TestParticipantUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a user appears at most once", prop.ForAll(
		func(ops []participantOp) bool {
			ctx := context.Background()
			ev := fixture()
			ev.State = teavent.StatePollOpen
			fl, err := New(ev)
			if err != nil {
				return false
			}

			for _, op := range ops {
				trigger := TriggerReject
				if op.confirm {
					trigger = TriggerConfirm
				}
				_ = fl.Send(ctx, trigger, Args{UserID: op.user})

				seen := make(map[string]struct{}, len(ev.ParticipantIDs))
				for _, id := range ev.ParticipantIDs {
					if _, dup := seen[id]; dup {
						return false
					}
					seen[id] = struct{}{}
					if !ev.ConfirmedBy(id) {
						return false
					}
				}
			}
			return true
		},
		genParticipantOps(),
	))

	properties.TestingRun(t)
}

// TestGuardErrorsLeaveStateProperty verifies that a rejected trigger never
// changes the machine state, whatever state the machine is in.
func TestGuardErrorsLeaveStateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	states := []teavent.State{
		teavent.StateCreated, teavent.StatePollOpen, teavent.StatePlanned,
		teavent.StateStarted, teavent.StateCancelled, teavent.StateEnded,
	}
	userTriggers := []Trigger{TriggerConfirm, TriggerReject, TriggerIAmLate}

	properties.Property("rejected sends are side-effect free", prop.ForAll(
		func(stateIdx, triggerIdx, userIdx int) bool {
			ctx := context.Background()
			ev := fixture()
			ev.State = states[stateIdx]
			fl, err := New(ev)
			if err != nil {
				return false
			}

			before := ev.Clone()
			sendErr := fl.Send(ctx, userTriggers[triggerIdx], Args{UserID: fmt.Sprintf("u%d", userIdx)})
			if sendErr == nil {
				return true
			}
			return ev.State == before.State &&
				len(ev.ParticipantIDs) == len(before.ParticipantIDs) &&
				len(ev.Latees) == len(before.Latees)
		},
		gen.IntRange(0, len(states)-1),
		gen.IntRange(0, len(userTriggers)-1),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
