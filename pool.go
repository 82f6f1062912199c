package failcache

import (
	"sort"
	"sync"
	"time"

	"github.com/efritz/glock"

	"github.com/efritz/failcache/iface"
)

type (
	// Pool abstracts a bounded pool of connections to one server.
	Pool = iface.Pool

	// PoolOptions sizes a pool and controls how idle connections are
	// reclaimed. A zero IdleTime or AllIdleTime disables that rule.
	PoolOptions struct {
		// Min is the number of idle connections kept regardless of IdleTime.
		Min int

		// Max is the hard cap on concurrent connections.
		Max int

		// IdleTime is how long a connection may sit unused before it
		// is closed.
		IdleTime time.Duration

		// AllIdleTime is how long the pool may go without a borrow
		// before every idle connection is closed.
		AllIdleTime time.Duration
	}

	pool struct {
		dialer         DialFunc
		options        PoolOptions
		logger         Logger
		clock          glock.Clock
		connections    chan *idleConn
		nilConnections chan Conn
		done           chan struct{}
		mutex          sync.Mutex
		lastBorrow     time.Time
		closeOnce      sync.Once
	}

	idleConn struct {
		conn  Conn
		since time.Time
	}
)

// NewPool creates a pool with initially nil-connections. When either
// idle rule is enabled, a background goroutine reclaims idle connections.
func NewPool(
	dialer DialFunc,
	options PoolOptions,
	logger Logger,
	clock glock.Clock,
) Pool {
	p := newPool(dialer, options, logger, clock)

	if interval := p.reapInterval(); interval > 0 {
		go p.reap(interval)
	}

	return p
}

func newPool(dialer DialFunc, options PoolOptions, logger Logger, clock glock.Clock) *pool {
	if options.Max <= 0 {
		options.Max = 1
	}

	if clock == nil {
		clock = glock.NewRealClock()
	}

	p := &pool{
		dialer:         dialer,
		options:        options,
		logger:         logger,
		clock:          clock,
		connections:    make(chan *idleConn, options.Max),
		nilConnections: make(chan Conn, options.Max),
		done:           make(chan struct{}),
		lastBorrow:     clock.Now(),
	}

	// Set the capacity of the pool. Each time a nil value is borrowed, a new
	// connection is established and used in its place.

	for i := 0; i < options.Max; i++ {
		p.nilConnections <- nil
	}

	return p
}

func (p *pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })

	for i := 0; i < p.options.Max; i++ {
		if conn, _ := p.get(nil); conn != nil {
			if err := conn.Close(); err != nil {
				p.logger.Printf("Could not close connection (%s)", err.Error())
			}
		}
	}
}

func (p *pool) Borrow() (Conn, error) {
	return p.borrow(nil)
}

func (p *pool) BorrowTimeout(timeout time.Duration) (Conn, error) {
	return p.borrow(&timeout)
}

func (p *pool) Release(conn Conn) {
	if conn == nil {
		p.nilConnections <- nil
		return
	}

	p.connections <- &idleConn{conn: conn, since: p.clock.Now()}
}

//
// Pool Helper Functions

func (p *pool) borrow(timeout *time.Duration) (Conn, error) {
	p.mutex.Lock()
	p.lastBorrow = p.clock.Now()
	p.mutex.Unlock()

	conn, ok := p.get(timeout)
	if !ok {
		return nil, ErrNoConnection
	}

	if conn == nil {
		if conn, ok = p.dial(); !ok {
			return nil, ErrNoConnection
		}
	}

	conn.Reset()
	return conn, nil
}

// Get a value from the pool. If timeout is nil, no timeout is applied.
// This method attempts to read from the non-nil connection channel first
// in order to minimize the number of open connections when the pool is
// not under heavy concurrent load.
func (p *pool) get(timeout *time.Duration) (Conn, bool) {
	select {
	case ic := <-p.connections:
		return ic.conn, true
	default:
	}

	select {
	case ic := <-p.connections:
		return ic.conn, true

	case conn := <-p.nilConnections:
		return conn, true

	case <-makeTimeoutChan(timeout, p.clock):
		return nil, false
	}
}

// Create a connection to fill an empty slot.
func (p *pool) dial() (Conn, bool) {
	conn, err := p.dialer()
	if err != nil {
		// We were dialing a nil connection, put this back in the pool
		// so that we're not draining our pool on connection errors.
		p.nilConnections <- nil

		p.logger.Printf("Could not create connection (%s)", err.Error())
		return nil, false
	}

	return conn, true
}

// evict closes idle connections that have outlived IdleTime, keeping
// the Min most recently used ones. If the pool has not been borrowed
// from within AllIdleTime, every idle connection is closed.
func (p *pool) evict() int {
	now := p.clock.Now()

	p.mutex.Lock()
	drainAll := p.options.AllIdleTime > 0 && now.Sub(p.lastBorrow) >= p.options.AllIdleTime
	p.mutex.Unlock()

	idle := []*idleConn{}

loop:
	for {
		select {
		case ic := <-p.connections:
			idle = append(idle, ic)
		default:
			break loop
		}
	}

	// Newest first so that the connections kept for Min are the
	// ones most likely to still be open on the server side.
	sort.Slice(idle, func(i, j int) bool { return idle[i].since.After(idle[j].since) })

	evicted := 0
	for i, ic := range idle {
		expired := p.options.IdleTime > 0 && now.Sub(ic.since) >= p.options.IdleTime && i >= p.options.Min

		if !drainAll && !expired {
			p.connections <- ic
			continue
		}

		if err := ic.conn.Close(); err != nil {
			p.logger.Printf("Could not close connection (%s)", err.Error())
		}

		p.nilConnections <- nil
		evicted++
	}

	if evicted > 0 {
		p.logger.Printf("Closed %d idle connections", evicted)
	}

	return evicted
}

func (p *pool) reapInterval() time.Duration {
	interval := p.options.IdleTime
	if interval <= 0 || (p.options.AllIdleTime > 0 && p.options.AllIdleTime < interval) {
		interval = p.options.AllIdleTime
	}

	return interval / 2
}

func (p *pool) reap(interval time.Duration) {
	for {
		select {
		case <-p.clock.After(interval):
			p.evict()
		case <-p.done:
			return
		}
	}
}

var blockingChan = make(chan time.Time)

// Wraps time.After around a possibly nil-timeout. When timeout is nil this
// method will return a channel which is always open but never written to.
func makeTimeoutChan(timeout *time.Duration, clock glock.Clock) <-chan time.Time {
	if timeout == nil {
		return blockingChan
	}

	return clock.After(*timeout)
}
