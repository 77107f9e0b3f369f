package flow

import (
	"errors"
	"fmt"

	"github.com/teave/teave/runtime/teavent"
)

// ErrUnknownTrigger is returned when a trigger name does not match any
// machine event.
var ErrUnknownTrigger = errors.New("unknown trigger")

type (
	// GuardError reports a transition rejected by one of its guards. The
	// model is left untouched.
	GuardError struct {
		Trigger Trigger
		State   teavent.State
		Reason  string
	}

	// TransitionError reports a trigger that is not allowed from the
	// current state.
	TransitionError struct {
		Trigger Trigger
		State   teavent.State
	}
)

// Error implements error.
func (e *GuardError) Error() string {
	return fmt.Sprintf("%s rejected in state %q: %s", e.Trigger, e.State, e.Reason)
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("can't %s when in %q", e.Trigger, e.State)
}
