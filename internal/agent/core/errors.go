package core

import (
	"errors"
	"fmt"
)

var (
	// ErrLLMUnavailable marks a model call that could not be completed. It is fatal to the turn.
	ErrLLMUnavailable = errors.New("language model unavailable")
	// ErrSessionStore marks a session store failure. It is fatal to the turn.
	ErrSessionStore = errors.New("session store unavailable")
	// ErrEmptyMessage rejects turns without user text.
	ErrEmptyMessage = errors.New("empty message")
)

// MalformedOutputError reports structured model output that could not be
// parsed or failed validation.
type MalformedOutputError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("%s returned malformed output: %v", e.Stage, e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformedOutput) match any MalformedOutputError.
func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

// ErrMalformedOutput is the sentinel matched by every MalformedOutputError.
var ErrMalformedOutput = errors.New("malformed structured output")

// IsFatal reports whether err must end the turn as a failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLLMUnavailable) || errors.Is(err, ErrSessionStore)
}
