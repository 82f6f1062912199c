// Package redistest provides an in-process server speaking the protocol
// subset of failcache, backed by an in-memory keyspace. It is meant for
// tests and examples only.
package redistest

import (
	"bufio"
	"net"
	"sync"

	"github.com/efritz/failcache/resp"
)

type (
	// Server is a test server listening on a loopback port.
	Server struct {
		Addr string

		handler  Handler
		listener net.Listener
		done     chan struct{}
		wg       sync.WaitGroup
		mutex    sync.Mutex
		conns    map[net.Conn]struct{}
		accepted int
	}

	// Handler produces the reply to one command received on a session.
	Handler func(s *Session, command resp.Command) resp.Reply

	// Session is the server side state of one client connection.
	Session struct {
		Authenticated bool
		DB            int

		raw    []byte
		closed bool
	}
)

// NewServer starts a server which answers every command with handler.
// The caller should close the server after use.
func NewServer(handler Handler) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		handler:  handler,
		listener: listener,
		done:     make(chan struct{}),
		conns:    map[net.Conn]struct{}{},
	}

	go s.serve()
	return s, nil
}

// NewStoreServer starts a server backed by the given store.
func NewStoreServer(store *Store) (*Server, error) {
	return NewServer(store.Handle)
}

// UnusedAddr returns a loopback address on which nothing listens.
func UnusedAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}

	addr := listener.Addr().String()
	return addr, listener.Close()
}

// Close stops accepting connections, closes every open connection and
// waits for their goroutines to exit.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	err := s.listener.Close()
	<-s.done

	s.DropConnections()
	s.wg.Wait()
	return err
}

// DropConnections closes every open client connection. The server keeps
// accepting new ones.
func (s *Server) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.accepted
}

// WriteRaw makes the server answer the current command with the given
// bytes instead of the reply returned by the handler. It is used to
// produce replies outside of the supported subset.
func (s *Session) WriteRaw(data []byte) {
	s.raw = append(s.raw, data...)
}

// Close makes the server close the connection instead of replying to
// the current command.
func (s *Session) Close() {
	s.closed = true
}

func (s *Server) serve() {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		conn.Close()
	}()

	var (
		session = &Session{}
		br      = bufio.NewReader(conn)
		bw      = bufio.NewWriter(conn)
	)

	for {
		command, err := resp.ReadCommand(br)
		if err != nil {
			return
		}

		reply := s.handler(session, command)
		if session.closed {
			return
		}

		if session.raw != nil {
			_, err = bw.Write(session.raw)
			session.raw = nil
		} else {
			err = resp.WriteReply(bw, reply)
		}

		if err != nil {
			return
		}

		// Pipelined commands are answered together.
		if br.Buffered() == 0 {
			if err := bw.Flush(); err != nil {
				return
			}
		}
	}
}
