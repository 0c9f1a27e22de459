package session

import (
	"context"

	"github.com/purdue-af/cluster-session-broker/internal/types"
)

// Store defines the interface for session storage
type Store interface {
	// Get retrieves a session by ID, returning nil when no record exists
	Get(ctx context.Context, sessionID string) (*types.Session, error)

	// Set creates or replaces the session record
	Set(ctx context.Context, sessionID string, session *types.Session) error

	// Destroy removes a session; destroying a missing session is not an error
	Destroy(ctx context.Context, sessionID string) error

	// Cleanup removes expired records
	Cleanup(ctx context.Context) error
}
