package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/teave/teave/runtime/flow"
	"github.com/teave/teave/runtime/manager"
	"github.com/teave/teave/runtime/teavent"
)

// Error kinds carried in the envelope Name field.
const (
	KindUnknownTeavent        = "unknown_teavent"
	KindTeaventIsManaged      = "teavent_is_managed"
	KindTeaventIsInFinalState = "teavent_is_in_final_state"
	KindTeaventFromThePast    = "teavent_from_the_past"
	KindGuardFailure          = "guard_failure"
	KindBadRequest            = "bad_request"
	KindRateLimited           = "rate_limited"
	KindInternal              = "internal"
)

// ServiceError is the JSON error envelope of the teavent API.
type ServiceError struct {
	// Name is the machine-readable error kind.
	Name string `json:"name"`
	// ID carries the teavent id when the failure concerns one.
	ID string `json:"id,omitempty"`
	// Message is the human-readable cause.
	Message string `json:"message"`
}

// Error implements error.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// newServiceError maps err onto the wire envelope and its HTTP status. Errors
// with no mapping are rewrapped into the internal kind so the original
// message still reaches the caller.
func newServiceError(err error, id string) (*ServiceError, int) {
	var (
		guard      *flow.GuardError
		transition *flow.TransitionError
	)
	kind, status := KindInternal, http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrUnknownTeavent):
		kind, status = KindUnknownTeavent, http.StatusNotFound
	case errors.Is(err, manager.ErrTeaventIsManaged):
		kind, status = KindTeaventIsManaged, http.StatusConflict
	case errors.Is(err, manager.ErrTeaventIsInFinalState):
		kind, status = KindTeaventIsInFinalState, http.StatusConflict
	case errors.Is(err, teavent.ErrFromThePast):
		kind, status = KindTeaventFromThePast, http.StatusUnprocessableEntity
	case errors.As(err, &guard), errors.As(err, &transition):
		kind, status = KindGuardFailure, http.StatusConflict
	case errors.Is(err, flow.ErrUnknownTrigger):
		kind, status = KindBadRequest, http.StatusBadRequest
	case errors.Is(err, teavent.ErrDescriptionParse):
		kind, status = KindBadRequest, http.StatusUnprocessableEntity
	}
	return &ServiceError{Name: kind, ID: id, Message: err.Error()}, status
}
