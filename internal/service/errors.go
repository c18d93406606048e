package service

import (
	"errors"

	"github.com/djsplit/api/internal/store"
)

var (
	// ErrInvalidRequest rejects malformed submissions or listing parameters
	// synchronously; such requests never enter the job state machine.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned for unknown job identifiers.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyTerminal is returned when cancelling a job that has already
	// finished, so callers can tell "too late" from "accepted".
	ErrAlreadyTerminal = errors.New("job already finished")
)
