// Package teavent defines the event record the manager coordinates: a
// single occurrence of a group activity together with its participation
// state, per-event configuration and the recurrence identity linking series
// and exception instances.
package teavent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/teave/teave/runtime/recurrence"
)

type (
	// Teavent is one occurrence of a group event.
	//
	// Contract:
	// - ID is stable and caller-provided (the calendar item id).
	// - Identity attributes (CalID, Summary, Description, Location, RRule,
	//   RecurringEventID, OriginalStartTime, Config, CommunicationIDs) never
	//   change after ingestion.
	// - Start/End shift forward together on recurring series; End-Start is
	//   preserved by every shift.
	// - ParticipantIDs is ordered and duplicate-free: the first Config.Max
	//   entries are active, the rest are reserve.
	// - A series instance has RRule set and no RecurringEventID; an exception
	//   instance has RecurringEventID set and no RRule.
	Teavent struct {
		ID          string `json:"id"`
		CalID       string `json:"cal_id"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Location    string `json:"location,omitempty"`

		Start time.Time `json:"start"`
		End   time.Time `json:"end"`

		RRule             []string  `json:"rrule,omitempty"`
		RecurringEventID  string    `json:"recurring_event_id,omitempty"`
		OriginalStartTime time.Time `json:"original_start_time"`

		ParticipantIDs []string `json:"participant_ids"`
		Latees         []string `json:"latees"`
		State          State    `json:"state"`
		EffectiveMax   *int     `json:"effective_max,omitempty"`

		Config Config `json:"config"`

		CommunicationIDs []string `json:"communication_ids"`
	}

	// State names a lifecycle state of a teavent's flow.
	State string
)

const (
	// StateCreated is the initial state: the event is known, its poll has
	// not opened yet.
	StateCreated State = "created"
	// StatePollOpen means the registration poll is accepting confirms.
	StatePollOpen State = "poll_open"
	// StatePlanned means the poll closed with enough participants.
	StatePlanned State = "planned"
	// StateStarted means the occurrence is in progress.
	StateStarted State = "started"
	// StateCancelled means the occurrence will not happen.
	StateCancelled State = "cancelled"
	// StateEnded means the occurrence finished.
	StateEnded State = "ended"
	// StateFinalized is terminal: the flow is dropped and the stored
	// document deleted.
	StateFinalized State = "finalized"
)

// ErrFromThePast reports a recurring teavent whose next occurrence cannot be
// advanced past the given instant because the series is exhausted.
var ErrFromThePast = errors.New("teavent is from the past")

// Final reports whether s is terminal.
func (s State) Final() bool { return s == StateFinalized }

// Valid reports whether s names a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePollOpen, StatePlanned, StateStarted,
		StateCancelled, StateEnded, StateFinalized:
		return true
	}
	return false
}

// NumParticipants returns the number of confirmed participants, reserve
// included.
func (t *Teavent) NumParticipants() int { return len(t.ParticipantIDs) }

// Ready reports whether enough participants confirmed for the event to be
// planned.
func (t *Teavent) Ready() bool { return t.NumParticipants() >= t.Config.min() }

// IsRecurring reports whether the teavent is a series instance.
func (t *Teavent) IsRecurring() bool { return len(t.RRule) > 0 }

// IsRecurringException reports whether the teavent is a one-off exception of
// a series.
func (t *Teavent) IsRecurringException() bool { return t.RecurringEventID != "" }

// ConfirmedBy reports whether userID confirmed participation.
func (t *Teavent) ConfirmedBy(userID string) bool {
	for _, id := range t.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends userID to the participant list. Callers guard
// against duplicates first.
func (t *Teavent) AddParticipant(userID string) {
	t.ParticipantIDs = append(t.ParticipantIDs, userID)
}

// RemoveParticipant removes userID from the participant list. Removing an
// absent user is a no-op.
func (t *Teavent) RemoveParticipant(userID string) {
	for i, id := range t.ParticipantIDs {
		if id == userID {
			t.ParticipantIDs = append(t.ParticipantIDs[:i], t.ParticipantIDs[i+1:]...)
			return
		}
	}
}

// AddLatee flags userID as late. Re-adding is a no-op.
func (t *Teavent) AddLatee(userID string) {
	for _, id := range t.Latees {
		if id == userID {
			return
		}
	}
	t.Latees = append(t.Latees, userID)
}

// EffectiveParticipants returns the first Config.Max participants, the ones
// holding an active spot.
func (t *Teavent) EffectiveParticipants() []string {
	if max := t.Config.max(); len(t.ParticipantIDs) > max {
		return t.ParticipantIDs[:max]
	}
	return t.ParticipantIDs
}

// ReserveParticipants returns the participants beyond Config.Max, queued in
// confirmation order.
func (t *Teavent) ReserveParticipants() []string {
	if max := t.Config.max(); len(t.ParticipantIDs) > max {
		return t.ParticipantIDs[max:]
	}
	return nil
}

// HasReserve reports whether anyone is queued beyond the cap.
func (t *Teavent) HasReserve() bool { return len(t.ReserveParticipants()) > 0 }

// StartPollAt returns the instant the registration poll opens: the
// configured anchor, or Start minus the start-poll delta.
func (t *Teavent) StartPollAt() time.Time {
	if a := t.Config.StartPollAt; a != nil {
		return a.Resolve(t.Start)
	}
	return t.Start.Add(-t.Config.startPollDelta())
}

// StopPollAt returns the instant the registration poll closes: the
// configured anchor, or Start minus the stop-poll delta.
func (t *Teavent) StopPollAt() time.Time {
	if a := t.Config.StopPollAt; a != nil {
		return a.Resolve(t.Start)
	}
	return t.Start.Add(-t.Config.stopPollDelta())
}

// TZ returns the timezone the event lives in, taken from its start.
func (t *Teavent) TZ() *time.Location { return t.Start.Location() }

// Duration returns End minus Start.
func (t *Teavent) Duration() time.Duration { return t.End.Sub(t.Start) }

// AdjustTimings shifts a recurring teavent to its next occurrence strictly
// after now, skipping the dates covered by exception instances. Returns
// ErrFromThePast when the series has no occurrence left.
func (t *Teavent) AdjustTimings(now time.Time, exceptions []*Teavent) error {
	if !t.IsRecurring() {
		return fmt.Errorf("teavent %s is not recurring", t.ID)
	}
	next, ok, err := recurrence.NextAfter(t.RRule, t.OriginalStartTime, t.Start, t.exceptionStarts(exceptions), now)
	if err != nil {
		return fmt.Errorf("teavent %s: %w", t.ID, err)
	}
	if !ok {
		return fmt.Errorf("teavent %s has no occurrence after %s: %w", t.ID, now, ErrFromThePast)
	}
	t.ShiftTo(next)
	return nil
}

// IsLastRecurrence reports whether the series has no occurrence after now.
func (t *Teavent) IsLastRecurrence(now time.Time, exceptions []*Teavent) (bool, error) {
	if !t.IsRecurring() {
		return false, fmt.Errorf("teavent %s is not recurring", t.ID)
	}
	_, ok, err := recurrence.NextAfter(t.RRule, t.OriginalStartTime, t.Start, t.exceptionStarts(exceptions), now)
	if err != nil {
		return false, fmt.Errorf("teavent %s: %w", t.ID, err)
	}
	return !ok, nil
}

// ShiftTo moves the event to day's date, preserving its time-of-day,
// timezone and duration.
func (t *Teavent) ShiftTo(day time.Time) {
	d := t.Duration()
	y, m, dd := day.Date()
	hh, mm, ss := t.Start.Clock()
	t.Start = time.Date(y, m, dd, hh, mm, ss, t.Start.Nanosecond(), t.Start.Location())
	t.End = t.Start.Add(d)
}

// ResetOccurrence clears the participation state accumulated by the previous
// occurrence.
func (t *Teavent) ResetOccurrence() {
	t.ParticipantIDs = []string{}
	t.Latees = []string{}
	t.EffectiveMax = nil
}

// Clone returns an independent deep copy. Published and RPC-returned
// snapshots are clones so listeners never share the live record.
func (t *Teavent) Clone() *Teavent {
	c := *t
	c.RRule = append([]string(nil), t.RRule...)
	c.ParticipantIDs = append([]string{}, t.ParticipantIDs...)
	c.Latees = append([]string{}, t.Latees...)
	c.CommunicationIDs = append([]string{}, t.CommunicationIDs...)
	if t.EffectiveMax != nil {
		m := *t.EffectiveMax
		c.EffectiveMax = &m
	}
	if t.Config.StartPollAt != nil {
		a := *t.Config.StartPollAt
		c.Config.StartPollAt = &a
	}
	if t.Config.StopPollAt != nil {
		a := *t.Config.StopPollAt
		c.Config.StopPollAt = &a
	}
	return &c
}

// Link renders the calendar permalink of the occurrence.
func (t *Teavent) Link() string {
	var eid string
	if t.IsRecurring() {
		start := t.Start.UTC().Format("20060102T150405Z")
		eid = fmt.Sprintf("%s_%s %s", t.ID, start, t.CalID)
	} else {
		eid = fmt.Sprintf("%s %s", t.ID, t.CalID)
	}
	return "https://www.google.com/calendar/event?eid=" + base64.RawStdEncoding.EncodeToString([]byte(eid))
}

// exceptionStarts collects the start times of the exception instances that
// belong to this series.
func (t *Teavent) exceptionStarts(exceptions []*Teavent) []time.Time {
	var starts []time.Time
	for _, ex := range exceptions {
		if ex.RecurringEventID == t.ID {
			starts = append(starts, ex.Start)
		}
	}
	return starts
}
