package failcache

import (
	"context"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/efritz/failcache/resp"
)

type (
	// Pipeline buffers commands on a single connection and reads their
	// replies together. A pipeline belongs to the caller that started it
	// and must not be used from multiple goroutines at once.
	Pipeline struct {
		client  *Client
		index   int
		conn    Conn
		pending *deque.Deque[*Future]
		results []*Future
		stopped bool
	}

	// Future holds the outcome of a pipelined command. It is resolved
	// when the pipeline is flushed.
	Future struct {
		command resp.Command
		start   time.Time
		finish  func(error)
		reply   resp.Reply
		err     error
		done    bool
	}
)

// StartPipeline borrows a connection to the current server and returns
// a pipeline holding it. The pipeline must be stopped to return the
// connection to the pool.
func (c *Client) StartPipeline(ctx context.Context) (*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		client:  c,
		pending: deque.NewDeque[*Future](),
	}

	if err := p.ensure(); err != nil {
		return nil, err
	}

	return p, nil
}

// Execute buffers a write command (or, in full-pipeline mode, any command)
// and returns a future for its reply. Once the configured number of
// commands are buffered, the pipeline is flushed and continues on the same
// connection. A read command first flushes the buffered commands so that it
// observes their effect, then runs directly on the client.
func (p *Pipeline) Execute(ctx context.Context, key string, isWrite bool, command resp.Command) (*Future, error) {
	if p.stopped {
		return nil, ErrPipelineClosed
	}

	if !isWrite && !p.client.fullPipeline {
		if err := p.flush(ctx); err != nil {
			return nil, err
		}

		f := &Future{command: command}
		reply, err := p.client.Execute(ctx, key, false, command)
		f.resolve(reply, err)
		return f, err
	}

	f := p.newFuture(command, key)

	// A command that failed to dial was never written and moves on to
	// the next server, as in Client.Execute.
	for attempt := 1; ; attempt++ {
		if err := p.ensure(); err != nil {
			p.complete(f, resp.Reply{}, err)
			return nil, err
		}

		err := p.conn.Send(ctx, command)
		if err == nil {
			break
		}

		p.abort(err)

		if !isDialError(err) || attempt >= p.client.servers.Len() || ctx.Err() != nil {
			p.complete(f, resp.Reply{}, err)
			return nil, err
		}
	}

	p.pending.PushFront(f)
	p.results = append(p.results, f)

	if p.client.autoPipeline > 0 && p.pending.Len() >= p.client.autoPipeline {
		if err := p.flush(ctx); err != nil {
			return f, err
		}
	}

	return f, nil
}

// Len returns the number of commands that have not been flushed.
func (p *Pipeline) Len() int {
	return p.pending.Len()
}

// Commit flushes the buffered commands and returns the replies of every
// command buffered since the last commit, in submission order. If the
// flush fails, the error is returned and the commands that were not
// applied have a zero reply (their futures hold the error).
func (p *Pipeline) Commit(ctx context.Context) ([]resp.Reply, error) {
	if p.stopped {
		return nil, ErrPipelineClosed
	}

	err := p.flush(ctx)

	replies := make([]resp.Reply, 0, len(p.results))
	for _, f := range p.results {
		replies = append(replies, f.reply)
	}

	p.results = nil
	return replies, err
}

// Stop commits the pipeline and returns its connection to the pool. The
// replies are returned only if requireResult is set. Replies are always
// read from the connection, so it is clean for the next borrower.
func (p *Pipeline) Stop(ctx context.Context, requireResult bool) ([]resp.Reply, error) {
	replies, err := p.Commit(ctx)
	if p.stopped {
		return nil, err
	}

	if p.conn != nil {
		p.client.release(p.index, p.conn, err == nil && p.conn.Pending() == 0)
		p.conn = nil
	}

	p.stopped = true

	if !requireResult {
		return nil, err
	}

	return replies, err
}

// Set buffers a SET command.
func (p *Pipeline) Set(ctx context.Context, key string, value interface{}, expire time.Duration) (*Future, error) {
	return p.Execute(ctx, key, true, setCommand(key, value, expire))
}

// Add buffers a SET NX command.
func (p *Pipeline) Add(ctx context.Context, key string, value interface{}, expire time.Duration) (*Future, error) {
	return p.Execute(ctx, key, true, addCommand(key, value, expire))
}

// Increment buffers an INCRBY command.
func (p *Pipeline) Increment(ctx context.Context, key string, delta int64) (*Future, error) {
	return p.Execute(ctx, key, true, resp.NewCommand("INCRBY", key, delta))
}

// Remove buffers a DEL command.
func (p *Pipeline) Remove(ctx context.Context, keys ...string) (*Future, error) {
	key := ""
	if len(keys) > 0 {
		key = keys[0]
	}

	return p.Execute(ctx, key, true, resp.NewCommand("DEL", stringArgs(keys)...))
}

// SetExpire buffers a PEXPIRE command.
func (p *Pipeline) SetExpire(ctx context.Context, key string, expire time.Duration) (*Future, error) {
	return p.Execute(ctx, key, true, resp.NewCommand("PEXPIRE", key, expire))
}

//
// Future

// Done returns true once the reply has been read.
func (f *Future) Done() bool {
	return f.done
}

// Reply returns the raw reply of the command, or ErrPending if the
// pipeline has not been flushed.
func (f *Future) Reply() (resp.Reply, error) {
	if !f.done {
		return resp.Reply{}, ErrPending
	}

	return f.reply, f.err
}

// Value returns the reply in the shape used by redigo, so it can be
// passed to redigo's converters (e.g. redis.Int64(f.Value())).
func (f *Future) Value() (interface{}, error) {
	if !f.done {
		return nil, ErrPending
	}

	return replyValue(f.reply, f.err)
}

func (f *Future) resolve(reply resp.Reply, err error) {
	f.reply = reply
	f.err = err
	f.done = true
}

//
// Pipeline Helper Functions

func (p *Pipeline) newFuture(command resp.Command, key string) *Future {
	return &Future{
		command: command,
		start:   p.client.counter.StartCount(),
		finish:  p.client.tracer.Trace(command.Name, key),
	}
}

func (p *Pipeline) complete(f *Future, reply resp.Reply, err error) {
	f.resolve(reply, err)
	f.finish(err)
	p.client.counter.StopCount(f.command.Name, f.start, err)
}

// Borrow a connection for the current server if the pipeline lost its
// previous one.
func (p *Pipeline) ensure() error {
	if p.conn != nil {
		return nil
	}

	index, _ := p.client.servers.Current()

	conn, err := p.client.timedBorrow(index)
	if err != nil {
		return err
	}

	p.index = index
	p.conn = conn
	return nil
}

// Write the buffered commands and resolve their futures in order.
func (p *Pipeline) flush(ctx context.Context) error {
	if p.pending.Len() == 0 {
		return nil
	}

	if err := p.conn.Flush(ctx); err != nil {
		p.abort(err)
		return err
	}

	for p.pending.Len() > 0 {
		f := p.pending.PopBack()

		reply, err := p.conn.Receive(ctx)
		if err != nil {
			p.complete(f, resp.Reply{}, err)
			p.abort(err)
			return err
		}

		p.complete(f, reply, nil)
	}

	p.client.servers.Success(p.index)
	return nil
}

// Fail every unresolved command and destroy the connection. The commands
// are not replayed, as some of them may already have been applied. After
// a transport error the selector moves on so that the next buffered
// command goes to another server.
func (p *Pipeline) abort(err error) {
	for p.pending.Len() > 0 {
		p.complete(p.pending.PopBack(), resp.Reply{}, err)
	}

	if p.conn != nil {
		p.client.release(p.index, p.conn, false)
		p.conn = nil
	}

	if isTransportError(err) {
		p.client.logger.Printf("Pipeline failed on %s (%s)", p.client.servers.Addr(p.index), err.Error())
		p.client.servers.Failover(p.index)
	}
}
