package failcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/efritz/failcache/iface"
	"github.com/efritz/failcache/resp"
)

type (
	// Conn abstracts a single connection to one cache server.
	Conn = iface.Conn

	connection struct {
		addr      string
		config    *clientConfig
		nc        net.Conn
		br        *bufio.Reader
		bw        *bufio.Writer
		logined   bool
		loginTime time.Time
		pending   int
		check     bool
	}

	// DialFunc creates a connection or returns an error.
	DialFunc func() (Conn, error)
)

var (
	errPendingReplies = errors.New("connection has unread pipelined replies")
	errNoPending      = errors.New("connection has no pending replies")
	aLongTimeAgo      = time.Unix(1, 0)
)

// makeDialer creates connections to the given address. Connections
// do not touch the network until their first command.
func makeDialer(addr string, config *clientConfig) DialFunc {
	return func() (Conn, error) {
		return newConnection(addr, config), nil
	}
}

func newConnection(addr string, config *clientConfig) *connection {
	return &connection{
		addr:   addr,
		config: config,
	}
}

func (c *connection) Addr() string {
	return c.addr
}

func (c *connection) Close() error {
	if c.nc == nil {
		return nil
	}

	err := c.nc.Close()
	c.nc = nil
	c.drop()
	return err
}

func (c *connection) Logined() (bool, time.Time) {
	return c.logined, c.loginTime
}

func (c *connection) Pending() int {
	return c.pending
}

func (c *connection) Reset() {
	if c.pending > 0 {
		// Replies may already be on the wire. The stream can't be
		// resynchronized so the socket is reopened on next use.
		c.drop()
	}

	if c.nc != nil {
		c.bw.Reset(c.nc)
	}

	c.check = true
}

func (c *connection) Do(ctx context.Context, command resp.Command) (resp.Reply, error) {
	if c.pending > 0 {
		return resp.Reply{}, errPendingReplies
	}

	if err := c.prepare(ctx, command); err != nil {
		return resp.Reply{}, err
	}

	return c.roundTrip(ctx, command)
}

func (c *connection) Send(ctx context.Context, command resp.Command) error {
	if c.pending == 0 {
		if err := c.prepare(ctx, command); err != nil {
			return err
		}
	}

	defer c.arm(ctx)()

	if err := resp.WriteCommand(c.bw, command); err != nil {
		return c.fail(ctx, err)
	}

	c.pending++
	return nil
}

func (c *connection) Flush(ctx context.Context) error {
	if c.nc == nil {
		return nil
	}

	defer c.arm(ctx)()

	if err := c.bw.Flush(); err != nil {
		return c.fail(ctx, err)
	}

	return nil
}

func (c *connection) Receive(ctx context.Context) (resp.Reply, error) {
	if c.pending == 0 || c.nc == nil {
		return resp.Reply{}, errNoPending
	}

	defer c.arm(ctx)()

	reply, err := c.read(ctx)
	if err != nil {
		return reply, err
	}

	c.pending--
	return reply, nil
}

//
// Connection Helper Functions

// Ensure the socket is open and authenticated before writing a command.
func (c *connection) prepare(ctx context.Context, command resp.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.ensure(ctx); err != nil {
		return err
	}

	if command.Is("AUTH") {
		return nil
	}

	return c.login(ctx)
}

// Dial a socket if there is none. A socket handed to a new borrower is
// checked first; a closed socket or one with unsolicited bytes waiting is
// replaced.
func (c *connection) ensure(ctx context.Context) error {
	if c.nc != nil && c.check {
		c.check = false

		if !c.alive() {
			c.config.logger.Printf("Connection to %s was stale, reconnecting", c.addr)
			c.drop()
		}
	}

	if c.nc != nil {
		return nil
	}

	return c.connect(ctx)
}

// alive peeks at the socket with an immediate deadline. A timeout means
// the socket is open and idle. Nothing is written to the server.
func (c *connection) alive() bool {
	if c.br.Buffered() > 0 {
		return false
	}

	if err := c.nc.SetReadDeadline(time.Now()); err != nil {
		return false
	}

	_, err := c.br.Peek(1)
	c.nc.SetReadDeadline(time.Time{})

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Dial a new socket. The dial is wrapped in a circuit breaker so that
// if the remote end is down we are not going to hammer it.
func (c *connection) connect(ctx context.Context) error {
	var nc net.Conn
	err := c.config.breakerFunc(func(context.Context) error {
		dialer := &net.Dialer{Timeout: c.config.connectTimeout}
		temp, err := dialer.DialContext(ctx, "tcp", c.addr)
		nc = temp
		return err
	})

	if err != nil {
		c.config.logger.Printf("Could not connect to %s (%s)", c.addr, err.Error())

		if ctxErr := contextErr(ctx); ctxErr != nil {
			return ctxErr
		}

		return dialErr{connErr{c.addr, err}}
	}

	c.config.logger.Printf("Established a new connection with %s", c.addr)
	c.nc = nc
	c.br = bufio.NewReader(nc)
	c.bw = bufio.NewWriter(nc)
	c.logined = false
	c.pending = 0
	return nil
}

func (c *connection) login(ctx context.Context) error {
	if c.logined {
		return nil
	}

	if c.config.password != "" {
		args := []interface{}{c.config.password}
		if c.config.userName != "" {
			args = []interface{}{c.config.userName, c.config.password}
		}

		reply, err := c.roundTrip(ctx, resp.NewCommand("AUTH", args...))
		if err != nil {
			return err
		}

		if !reply.IsOK() {
			c.drop()
			return authErr{c.addr, reply.String()}
		}
	}

	if c.config.database > 0 {
		reply, err := c.roundTrip(ctx, resp.NewCommand("SELECT", c.config.database))
		if err != nil {
			return err
		}

		if reply.Kind == resp.Error {
			c.drop()
			return fmt.Errorf("select db %d on %s: %w", c.config.database, c.addr, redis.Error(reply.Str))
		}
	}

	c.logined = true
	c.loginTime = c.config.clock.Now()
	return nil
}

func (c *connection) roundTrip(ctx context.Context, command resp.Command) (resp.Reply, error) {
	defer c.arm(ctx)()

	if err := resp.WriteCommand(c.bw, command); err != nil {
		return resp.Reply{}, c.fail(ctx, err)
	}

	if err := c.bw.Flush(); err != nil {
		return resp.Reply{}, c.fail(ctx, err)
	}

	return c.read(ctx)
}

func (c *connection) read(ctx context.Context) (resp.Reply, error) {
	reply, err := resp.Decode(c.br)
	if err == nil {
		return reply, nil
	}

	// In both cases the rest of the frame is still unread and the
	// stream cannot be resynchronized.

	if errors.Is(err, resp.ErrProtocol) {
		c.drop()
		return resp.Reply{}, err
	}

	if err == resp.ErrArrayReply {
		c.drop()
		return resp.Reply{}, fmt.Errorf("%w: %s", ErrUnsupported, err.Error())
	}

	return resp.Reply{}, c.fail(ctx, err)
}

// arm applies the read and write timeouts (capped by the context's
// deadline) to the socket. Cancelling the context expires the deadline
// immediately so a blocked read or write returns. The returned function
// must be called once the IO completes. If the context was cancelled in
// the meantime it waits for the expired deadline to be set, so that the
// next call to arm overrides it.
func (c *connection) arm(ctx context.Context) func() {
	nc := c.nc
	if nc == nil {
		return func() {}
	}

	now := time.Now()
	nc.SetReadDeadline(deadline(ctx, now, c.config.readTimeout))
	nc.SetWriteDeadline(deadline(ctx, now, c.config.writeTimeout))

	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(expired)
		nc.SetDeadline(aLongTimeAgo)
	})

	return func() {
		if !stop() {
			<-expired
		}
	}
}

// fail closes the socket after an IO error. Errors caused by the
// caller's context are returned as the context's error so they do
// not trigger a failover.
func (c *connection) fail(ctx context.Context, err error) error {
	c.drop()

	if ctxErr := contextErr(ctx); ctxErr != nil {
		return ctxErr
	}

	return connErr{c.addr, err}
}

// drop closes the socket and forgets all per-socket state.
func (c *connection) drop() {
	if c.nc != nil {
		c.nc.Close()
	}

	c.nc = nil
	c.br = nil
	c.bw = nil
	c.logined = false
	c.pending = 0
}

// contextErr also reports a passed deadline whose timer has not fired
// yet, as the socket deadline may expire first.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}

	return nil
}

func deadline(ctx context.Context, now time.Time, timeout time.Duration) time.Time {
	var t time.Time
	if timeout > 0 {
		t = now.Add(timeout)
	}

	if d, ok := ctx.Deadline(); ok && (t.IsZero() || d.Before(t)) {
		t = d
	}

	return t
}
