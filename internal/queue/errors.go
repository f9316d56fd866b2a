package queue

import "errors"

var (
	// ErrNotFound means a referenced playlist, entry or media id is absent.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded means the submitter reached their per-session song limit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrAlreadyQueued means the submitter already has this media pending.
	ErrAlreadyQueued = errors.New("already queued")
	// ErrInvalidState means the operation is illegal for the entry's current state.
	ErrInvalidState = errors.New("invalid state")
)
