package repository

import (
	"context"

	"github.com/m2tx/weather_agent/internal/model"
)

// TurnArchive stores finished turns. Nothing read from it is ever fed back
// into a live conversation.
type TurnArchive interface {
	// Save stores one finished turn. Saving a record whose ID already exists
	// replaces it.
	Save(ctx context.Context, record model.TurnRecord) error

	// ListSession returns the archived turns of a session, oldest first.
	// Returns an empty slice if the session has no turns.
	ListSession(ctx context.Context, sessionID string) ([]model.TurnRecord, error)

	// DeleteSession removes every archived turn of a session.
	// Is a no-op if the session does not exist.
	DeleteSession(ctx context.Context, sessionID string) error
}
