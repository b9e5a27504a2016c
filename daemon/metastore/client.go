package metastore

import "context"

// Client is a connection to an upstream metastore's notification log and
// snapshot facility. Implementations must be safe to Connect repeatedly;
// Connect on an established client is a no-op.
type Client interface {
	// Connect establishes (or re-validates) the upstream connection.
	Connect(ctx context.Context) error
	// Disconnect releases the connection. Safe to call when not connected.
	Disconnect() error
	// CurrentNotificationID returns the upstream's newest event id.
	CurrentNotificationID(ctx context.Context) (int64, error)
	// Notifications returns at most max events with id strictly greater
	// than after, in ascending id order as delivered upstream. It returns
	// ErrOutOfSync when the log no longer retains position after+1.
	Notifications(ctx context.Context, after int64, max int) ([]*Event, error)
	// FullSnapshot produces a complete path image together with the last
	// notification id it covers.
	FullSnapshot(ctx context.Context) (*PathsImage, error)
}
