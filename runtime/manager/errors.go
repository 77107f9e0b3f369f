package manager

import "errors"

var (
	// ErrUnknownTeavent reports an id with no managed flow.
	ErrUnknownTeavent = errors.New("unknown teavent")

	// ErrTeaventIsManaged reports an attempt to manage an id twice.
	ErrTeaventIsManaged = errors.New("teavent is already managed")

	// ErrTeaventIsInFinalState reports an attempt to ingest a finalized
	// teavent.
	ErrTeaventIsInFinalState = errors.New("teavent is in final state")

	// ErrClosed reports a call made after Shutdown.
	ErrClosed = errors.New("manager is closed")
)
