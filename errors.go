package failcache

import (
	"errors"
	"fmt"

	"github.com/efritz/failcache/resp"
)

var (
	// ErrProtocol is matched by errors caused by malformed replies.
	ErrProtocol = resp.ErrProtocol

	// ErrTransport is matched by socket and IO failures. The connection
	// on which the failure occurred is destroyed.
	ErrTransport = errors.New("transport error")

	// ErrAuth is returned when the server rejects the configured
	// credentials. It is never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrUnsupported is returned for operations outside of the supported
	// protocol subset. Use a fuller-featured client for these.
	ErrUnsupported = errors.New("operation not supported")

	// ErrNoConnection is returned when the borrow timeout elapses.
	ErrNoConnection = errors.New("no connection available in pool")

	// ErrLockTimeout is returned by AcquireLock when configured to fail
	// loudly and the lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock not acquired before timeout")

	// ErrPending is returned from a future whose pipeline has not
	// been flushed.
	ErrPending = errors.New("pipelined command has not been flushed")

	// ErrPipelineClosed is returned when using a stopped pipeline.
	ErrPipelineClosed = errors.New("pipeline is stopped")
)

type (
	// connErr wraps an IO error that occurred on a connection so the
	// executor knows to destroy the connection and fail over.
	connErr struct {
		addr string
		err  error
	}

	// dialErr is a connErr raised before anything was written to the
	// socket.
	dialErr struct {
		connErr
	}

	authErr struct {
		addr   string
		reason string
	}
)

func (e connErr) Error() string {
	return fmt.Sprintf("transport error on %s: %s", e.addr, e.err.Error())
}

func (e connErr) Unwrap() error     { return e.err }
func (e connErr) Is(err error) bool { return err == ErrTransport }

func (e authErr) Error() string {
	return fmt.Sprintf("authentication failed on %s: %s", e.addr, e.reason)
}

func (e authErr) Is(err error) bool { return err == ErrAuth }

func unsupported(operation string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, operation)
}

// isDialError determines if the command never reached the server
// because no socket could be opened.
func isDialError(err error) bool {
	var de dialErr
	return errors.As(err, &de)
}

// isTransportError determines if we should destroy the connection and
// try to re-invoke the command against the next server.
func isTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}
