package agent

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTool   = errors.New("tool already registered")
	ErrToolNotFound    = errors.New("tool not found")
	ErrRegistrySealed  = errors.New("registry is sealed")
	ErrCompletion      = errors.New("completion service failed")
	ErrRoundTripLimit  = errors.New("round-trip limit reached")
	ErrEmptyCompletion = errors.New("completion has neither text nor tool requests")
)

// CompletionError aborts a turn. The conversation keeps every message
// appended before the failing call.
type CompletionError struct {
	SessionID string
	RoundTrip int
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("session %q round trip %d: %v: %v", e.SessionID, e.RoundTrip, ErrCompletion, e.Err)
}

func (e *CompletionError) Unwrap() []error {
	return []error{ErrCompletion, e.Err}
}

// UserMessage is the text shown to the end user for a failed turn.
func (e *CompletionError) UserMessage() string {
	return fmt.Sprintf("The assistant could not answer right now: %v", e.Err)
}
