// Package clock provides the single source of wall time for the event
// manager. Every component that needs the current time takes a Clock so
// tests can pin the instant and drive timer math deterministically.
package clock

import (
	"sync"
	"time"
)

type (
	// Clock returns the current time in a given location.
	Clock interface {
		// Now returns the current time in loc. A nil loc means time.Local.
		Now(loc *time.Location) time.Time
	}

	// System reads the operating system clock.
	System struct{}

	// Frozen is a test clock pinned to an instant. The zero value is not
	// usable; construct with NewFrozen.
	Frozen struct {
		mu  sync.Mutex
		now time.Time
	}
)

// NewSystem returns a Clock backed by time.Now.
func NewSystem() *System { return &System{} }

// Now implements Clock.
func (*System) Now(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc)
}

// NewFrozen returns a Clock pinned to now.
func NewFrozen(now time.Time) *Frozen {
	return &Frozen{now: now}
}

// Now implements Clock.
func (f *Frozen) Now(loc *time.Location) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	return f.now.In(loc)
}

// Set pins the clock to a new instant.
func (f *Frozen) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Advance moves the clock forward by d and returns the new instant.
func (f *Frozen) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
