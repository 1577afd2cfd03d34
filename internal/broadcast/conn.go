package broadcast

import (
	"context"
	"encoding/json"

	"github.com/pscheid92/liveview/internal/domain"
)

// Conn is the transport side of one subscriber connection.
type Conn interface {
	// Send writes one message. Implementations must bound the write with a deadline.
	Send(data []byte) error
	// Finish writes a close frame carrying reason, then closes the connection.
	// It is only called from the session's send path.
	Finish(reason string)
	// Close tears the connection down immediately. Safe for concurrent use.
	Close() error
	// Done is closed once the peer has gone away or the connection was closed.
	Done() <-chan struct{}
}

// Snapshotter reads the full current state of the collection.
type Snapshotter interface {
	ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (domain.Position, error)
}

// Close reasons passed to Conn.Finish.
const (
	ReasonShutdown = "server shutting down"
	ReasonResync   = "resync"
)
