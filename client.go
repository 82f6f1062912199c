package failcache

import (
	"context"
	"errors"
	"time"

	"github.com/bradhe/stopwatch"
	"github.com/efritz/backoff"
	"github.com/efritz/glock"
	"github.com/efritz/overcurrent"
	"github.com/gomodule/redigo/redis"

	"github.com/efritz/failcache/resp"
)

type (
	// Client is a goroutine-safe, pooled client for a fixed list of cache
	// servers. Commands go to the first reachable server; when a server
	// fails the client moves on to the next one and returns to the first
	// server after the failover window.
	Client struct {
		servers       *ServerSelector
		pools         []Pool
		retry         int
		autoPipeline  int
		fullPipeline  bool
		borrowTimeout *time.Duration
		clock         glock.Clock
		logger        Logger
		counter       Counter
		tracer        Tracer
		lockBackoff   func() backoff.Backoff
	}

	clientConfig struct {
		userName       string
		password       string
		database       int
		connectTimeout time.Duration
		readTimeout    time.Duration
		writeTimeout   time.Duration
		poolOptions    PoolOptions
		retry          int
		failoverWindow time.Duration
		autoPipeline   int
		fullPipeline   bool
		breakerFunc    BreakerFunc
		clock          glock.Clock
		borrowTimeout  *time.Duration
		logger         Logger
		counter        Counter
		tracer         Tracer
		lockBackoff    func() backoff.Backoff
		dialerFactory  func(addr string, config *clientConfig) DialFunc
	}

	// ConfigFunc is a function used to initialize a new client.
	ConfigFunc func(*clientConfig)

	// BreakerFunc bridges the interface between the Call function of
	// an overcurrent breaker and an overcurrent registry.
	BreakerFunc func(overcurrent.BreakerFunc) error
)

// NoExpire is returned by GetExpire for keys without a time to live.
const NoExpire = time.Duration(-1)

func noopBreakerFunc(f overcurrent.BreakerFunc) error {
	return f(context.Background())
}

func defaultLockBackoff() backoff.Backoff {
	return backoff.NewConstantBackoff(time.Millisecond * 10)
}

// NewClient creates a new Client from a connection string (see ParseConfig).
// Values set by config functions override the connection string.
func NewClient(connection string, configs ...ConfigFunc) (*Client, error) {
	parsed, err := ParseConfig(connection)
	if err != nil {
		return nil, err
	}

	config := &clientConfig{
		userName:       parsed.UserName,
		password:       parsed.Password,
		database:       parsed.Db,
		connectTimeout: time.Second * 5,
		readTimeout:    time.Second * 15,
		writeTimeout:   time.Second * 5,
		poolOptions: PoolOptions{
			Min:         2,
			Max:         10,
			IdleTime:    time.Second * 20,
			AllIdleTime: time.Second * 120,
		},
		retry:          3,
		failoverWindow: time.Second * 300,
		breakerFunc:    noopBreakerFunc,
		clock:          glock.NewRealClock(),
		logger:         &defaultLogger{},
		counter:        &nilCounter{},
		tracer:         &nilTracer{},
		lockBackoff:    defaultLockBackoff,
		dialerFactory:  makeDialer,
	}

	if parsed.Timeout > 0 {
		config.connectTimeout = parsed.Timeout
		config.readTimeout = parsed.Timeout
		config.writeTimeout = parsed.Timeout
	}

	for _, f := range configs {
		f(config)
	}

	servers := NewServerSelector(parsed.Servers, config.failoverWindow, config.clock, config.logger)

	pools := make([]Pool, 0, servers.Len())
	for _, addr := range servers.Addrs() {
		pools = append(pools, NewPool(
			config.dialerFactory(addr, config),
			config.poolOptions,
			config.logger,
			config.clock,
		))
	}

	return &Client{
		servers:       servers,
		pools:         pools,
		retry:         config.retry,
		autoPipeline:  config.autoPipeline,
		fullPipeline:  config.fullPipeline,
		borrowTimeout: config.borrowTimeout,
		clock:         config.clock,
		logger:        config.logger,
		counter:       config.counter,
		tracer:        config.tracer,
		lockBackoff:   config.lockBackoff,
	}, nil
}

// WithUserName sets the user name sent with AUTH (default is none).
func WithUserName(userName string) ConfigFunc {
	return func(c *clientConfig) { c.userName = userName }
}

// WithPassword sets the password (default is "").
func WithPassword(password string) ConfigFunc {
	return func(c *clientConfig) { c.password = password }
}

// WithDatabase sets the database index (default is 0).
func WithDatabase(database int) ConfigFunc {
	return func(c *clientConfig) { c.database = database }
}

// WithConnectTimeout sets the connect timeout for new connections
// (default is 5 seconds).
func WithConnectTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.connectTimeout = timeout }
}

// WithReadTimeout sets the read timeout for all connections in the
// pool (default is 15 seconds).
func WithReadTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.readTimeout = timeout }
}

// WithWriteTimeout sets the write timeout for all connections in the
// pool (default is 5 seconds).
func WithWriteTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.writeTimeout = timeout }
}

// WithPoolCapacity sets the maximum number of concurrent connections
// to each server (default is 10).
func WithPoolCapacity(capacity int) ConfigFunc {
	return func(c *clientConfig) { c.poolOptions.Max = capacity }
}

// WithPoolOptions replaces the sizing and idle eviction settings of the
// per-server pools (default is Min 2, Max 10, IdleTime 20s, AllIdleTime
// 120s).
func WithPoolOptions(options PoolOptions) ConfigFunc {
	return func(c *clientConfig) { c.poolOptions = options }
}

// WithRetry sets the number of times a command is retried on the same
// connection after a protocol error (default is 3).
func WithRetry(retry int) ConfigFunc {
	return func(c *clientConfig) { c.retry = retry }
}

// WithFailoverWindow sets how long the client stays on a secondary server
// before trying the primary again (default is 300 seconds).
func WithFailoverWindow(window time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.failoverWindow = window }
}

// WithAutoPipeline makes pipelines flush once the given number of
// commands are buffered (default is 0, never).
func WithAutoPipeline(count int) ConfigFunc {
	return func(c *clientConfig) { c.autoPipeline = count }
}

// WithFullPipeline makes pipelines buffer reads as well as writes.
// By default a read flushes the pipeline and runs directly.
func WithFullPipeline() ConfigFunc {
	return func(c *clientConfig) { c.fullPipeline = true }
}

// WithBreaker sets the circuit breaker instance to use around new
// connections. The default uses a no-op circuit breaker.
func WithBreaker(breaker overcurrent.CircuitBreaker) ConfigFunc {
	return func(c *clientConfig) { c.breakerFunc = breaker.Call }
}

// WithBreakerRegistry sets the overcurrent registry to use and the
// name of the circuit breaker config tu use around new connections.
// The default uses a no-op circuit breaker.
func WithBreakerRegistry(registry overcurrent.Registry, name string) ConfigFunc {
	return func(c *clientConfig) {
		c.breakerFunc = func(f overcurrent.BreakerFunc) error {
			return registry.Call(name, f, nil)
		}
	}
}

// WithBorrowTimeout sets the maximum time to wait for a connection from
// a full pool. The default waits forever.
func WithBorrowTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.borrowTimeout = &timeout }
}

// WithLogger sets the logger instance (the default will use Go's
// builtin logging library).
func WithLogger(logger Logger) ConfigFunc {
	return func(c *clientConfig) { c.logger = logger }
}

// WithCounter sets the performance counter notified of every command.
func WithCounter(counter Counter) ConfigFunc {
	return func(c *clientConfig) { c.counter = counter }
}

// WithTracer sets the tracer notified of every command.
func WithTracer(tracer Tracer) ConfigFunc {
	return func(c *clientConfig) { c.tracer = tracer }
}

// WithLockBackoff sets the factory for the interval between attempts to
// take a contended lock (default is a constant 10ms).
func WithLockBackoff(factory func() backoff.Backoff) ConfigFunc {
	return func(c *clientConfig) { c.lockBackoff = factory }
}

// WithDialerFactory replaces the function creating connections to each
// configured server address.
func WithDialerFactory(factory func(addr string) DialFunc) ConfigFunc {
	return func(c *clientConfig) {
		c.dialerFactory = func(addr string, _ *clientConfig) DialFunc { return factory(addr) }
	}
}

func withClock(clock glock.Clock) ConfigFunc {
	return func(c *clientConfig) { c.clock = clock }
}

//
// Client Implementation

// Close will close all open connections to every server.
func (c *Client) Close() {
	for _, pool := range c.pools {
		pool.Close()
	}
}

// Servers returns the selector tracking the active server.
func (c *Client) Servers() *ServerSelector {
	return c.servers
}

// Do runs the command and returns its reply in the shape used by
// redigo. Error replies are returned as a redis.Error.
func (c *Client) Do(ctx context.Context, command string, args ...interface{}) (interface{}, error) {
	key := ""
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			key = s
		}
	}

	return replyValue(c.Execute(ctx, key, true, resp.NewCommand(command, args...)))
}

// Execute runs a single command. Protocol errors are retried on the same
// connection; transport errors destroy the connection and move on to
// the next server. Both give up once their attempts are exhausted. The
// isWrite flag only matters to pipelines (see Pipeline.Execute).
func (c *Client) Execute(ctx context.Context, key string, isWrite bool, command resp.Command) (resp.Reply, error) {
	var reply resp.Reply
	err := c.withFailover(ctx, command.Name, key, func(ctx context.Context, conn Conn) error {
		r, err := conn.Do(ctx, command)
		reply = r
		return err
	})

	return reply, err
}

//
// Client Helper Functions

// Invoke f with a connection to the current server. On a transport error
// the next server is tried until every server has been attempted once.
func (c *Client) withFailover(ctx context.Context, name, key string, f func(context.Context, Conn) error) (err error) {
	start := c.counter.StartCount()
	finish := c.tracer.Trace(name, key)

	defer func() {
		finish(err)
		c.counter.StopCount(name, start, err)
	}()

	for attempt := 0; attempt < c.servers.Len(); attempt++ {
		index, addr := c.servers.Current()

		if err = c.withConn(ctx, index, f); err == nil {
			c.servers.Success(index)
			return nil
		}

		if !isTransportError(err) || ctx.Err() != nil {
			return err
		}

		c.logger.Printf("Command %s failed on %s (%s)", name, addr, err.Error())
		c.servers.Failover(index)
	}

	return err
}

// Invoke f with a connection borrowed from the pool of the server at
// index, retrying protocol errors. The connection is released on every
// exit path; unless f succeeded it is destroyed, not pooled.
func (c *Client) withConn(ctx context.Context, index int, f func(context.Context, Conn) error) error {
	conn, err := c.timedBorrow(index)
	if err != nil {
		return err
	}

	healthy := false
	defer func() { c.release(index, conn, healthy) }()

	for retry := 0; ; retry++ {
		err = f(ctx, conn)
		if err == nil {
			healthy = true
			return nil
		}

		if !errors.Is(err, ErrProtocol) || retry >= c.retry {
			return err
		}

		c.logger.Printf("Malformed reply from %s, retrying (%s)", conn.Addr(), err.Error())
		conn.Reset()
	}
}

// Borrows and logs the time it took to return from blocking on the
// pool's borrow method.
func (c *Client) timedBorrow(index int) (Conn, error) {
	start := stopwatch.Start()
	conn, err := c.borrow(index)
	elapsed := start.Stop().Milliseconds()

	if err == nil {
		c.logger.Printf("Received connection after %vms", elapsed)
	} else {
		c.logger.Printf("Could not borrow connection after %vms", elapsed)
	}

	return conn, err
}

// Borrows from the pool using the correct method (depending on if
// a borrow timeout was configured on this client).
func (c *Client) borrow(index int) (Conn, error) {
	if c.borrowTimeout == nil {
		return c.pools[index].Borrow()
	}

	return c.pools[index].BorrowTimeout(*c.borrowTimeout)
}

// Close the connection if it is unhealthy and release it back to the
// pool. Bad connections never go back to the pool, so in the case that
// there was an error we return nil (if we do not do this on some code
// path then the capacity of the pool permanently decreases).
func (c *Client) release(index int, conn Conn, healthy bool) {
	if !healthy {
		conn.Close()
		conn = nil
	}

	c.pools[index].Release(conn)
}

// Convert a reply into the value shape used by redigo's helpers.
func replyValue(reply resp.Reply, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}

	if reply.Kind == resp.Error {
		return nil, redis.Error(reply.Str)
	}

	return reply.Value(), nil
}
