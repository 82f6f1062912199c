package iface

import (
	"context"
	"time"

	"github.com/efritz/failcache/resp"
)

// Conn abstracts a single connection to one cache server. A connection
// is owned by exactly one borrower at a time.
type Conn interface {
	// Addr returns the address of the remote server.
	Addr() string

	// Close the connection to the remote server.
	Close() error

	// Do writes the command and reads its reply.
	Do(ctx context.Context, command resp.Command) (resp.Reply, error)

	// Send buffers the command without flushing it to the server. The
	// reply must be read by Receive after a call to Flush.
	Send(ctx context.Context, command resp.Command) error

	// Flush writes all buffered commands to the server.
	Flush(ctx context.Context) error

	// Receive reads the reply of the oldest sent command.
	Receive(ctx context.Context) (resp.Reply, error)

	// Pending returns the number of sent commands whose reply has not
	// yet been received.
	Pending() int

	// Logined returns true and the time of login if the connection has
	// authenticated with the server.
	Logined() (bool, time.Time)

	// Reset discards any unfinished pipeline state so that the connection
	// can be handed to a new borrower.
	Reset()
}
