package iface

import "time"

// Pool abstracts a bounded pool of connections to a single server.
type Pool interface {
	// Close will drain all available connections from the pool.
	// Every live connection is closed. This method blocks until all
	// borrowed connections have been released.
	Close()

	// Borrow will block until a connection is available in the pool.
	// The connection is reset before it is returned.
	Borrow() (Conn, error)

	// BorrowTimeout is like borrow, but will return an error if no
	// connection becomes available within the given timeout.
	BorrowTimeout(timeout time.Duration) (Conn, error)

	// Release returns a connection to the pool. A nil connection frees
	// the slot of a connection which was destroyed by the borrower.
	Release(conn Conn)
}
