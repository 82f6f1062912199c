package failcache

import (
	"sync"
	"time"

	"github.com/efritz/glock"
)

// ServerSelector tracks which of the configured servers receives
// commands. The first server is the primary. After a failover the
// selector moves forward through the list and returns to the primary
// once the failover window has elapsed.
type ServerSelector struct {
	addrs      []string
	window     time.Duration
	clock      glock.Clock
	logger     Logger
	mutex      sync.Mutex
	index      int
	switchedAt time.Time
	logged     int
}

// NewServerSelector creates a selector over a non-empty address list.
func NewServerSelector(addrs []string, window time.Duration, clock glock.Clock, logger Logger) *ServerSelector {
	return &ServerSelector{
		addrs:  append([]string(nil), addrs...),
		window: window,
		clock:  clock,
		logger: logger,
	}
}

// Len returns the number of configured servers.
func (s *ServerSelector) Len() int {
	return len(s.addrs)
}

// Addr returns the address of the server at the given index.
func (s *ServerSelector) Addr(index int) string {
	return s.addrs[index%len(s.addrs)]
}

// Addrs returns a copy of the configured server list.
func (s *ServerSelector) Addrs() []string {
	return append([]string(nil), s.addrs...)
}

// Current returns the index and address of the server that should
// receive the next command.
func (s *ServerSelector) Current() (int, string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.index != 0 && s.window > 0 && s.clock.Now().Sub(s.switchedAt) >= s.window {
		s.logger.Printf("Failover window elapsed, returning to primary server %s", s.addrs[0])
		s.index = 0
		s.logged = 0
		s.switchedAt = time.Time{}
	}

	return s.index, s.addrs[s.index]
}

// Failover moves past the server at the failed index. If a concurrent
// caller has already moved past it, the current index is kept so that
// one outage advances the selector only once.
func (s *ServerSelector) Failover(failed int) (int, string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.index == failed {
		s.index = (failed + 1) % len(s.addrs)
		s.switchedAt = s.clock.Now()

		if s.logged != s.index {
			s.logger.Printf("Server %s failed, switching to %s", s.addrs[failed], s.addrs[s.index])
			s.logged = s.index
		}
	}

	return s.index, s.addrs[s.index]
}

// Success records a successful command on the server at the given
// index. The failover window keeps running while a secondary server
// is in use.
func (s *ServerSelector) Success(index int) {
	if index == 0 {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.index == index && s.switchedAt.IsZero() {
		s.switchedAt = s.clock.Now()
	}
}
