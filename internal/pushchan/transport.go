package pushchan

import (
	"context"

	"github.com/forgeline/jobsync/pkg/types"
)

// Conn is one live session with the event bus
type Conn interface {
	// Join subscribes the session to a room's events
	Join(ctx context.Context, room string) error

	// Leave unsubscribes the session from a room
	Leave(ctx context.Context, room string) error

	// Receive blocks for the next envelope. Any error means the session is lost.
	Receive(ctx context.Context) (types.Envelope, error)

	Close() error
}

// Transport opens authenticated sessions with the event bus
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}
