package failcache

import (
	"context"
	"errors"
	"io"

	"github.com/aphistic/sweet"
	. "github.com/efritz/go-mockgen/matchers"
	"github.com/gomodule/redigo/redis"
	. "github.com/onsi/gomega"

	"github.com/efritz/failcache/resp"
)

type PipelineSuite struct{}

func (s *PipelineSuite) TestRepliesInOrder(t sweet.T) {
	client, store, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	p.Set(ctx, "a", "1", 0)
	p.Increment(ctx, "a", 2)
	p.Set(ctx, "b", "x", 0)
	p.Remove(ctx, "b")
	Expect(p.Len()).To(Equal(4))

	replies, err := p.Stop(ctx, true)
	Expect(err).To(BeNil())
	Expect(replies).To(Equal([]resp.Reply{
		resp.OK,
		resp.NewInteger(3),
		resp.OK,
		resp.NewInteger(1),
	}))

	value, _ := store.Value("a")
	Expect(value).To(Equal([]byte("3")))

	_, ok := store.Value("b")
	Expect(ok).To(BeFalse())
}

func (s *PipelineSuite) TestFuturePendingUntilFlush(t sweet.T) {
	client, _, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())
	defer p.Stop(ctx, false)

	f, err := p.Add(ctx, "a", "1", 0)
	Expect(err).To(BeNil())
	Expect(f.Done()).To(BeFalse())

	_, err = f.Reply()
	Expect(err).To(Equal(ErrPending))

	_, err = f.Value()
	Expect(err).To(Equal(ErrPending))

	_, err = p.Commit(ctx)
	Expect(err).To(BeNil())
	Expect(f.Done()).To(BeTrue())

	value, err := redis.String(f.Value())
	Expect(err).To(BeNil())
	Expect(value).To(Equal("OK"))
}

func (s *PipelineSuite) TestReadFlushesFirst(t sweet.T) {
	client, _, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())
	defer p.Stop(ctx, false)

	write, _ := p.Set(ctx, "a", "1", 0)

	read, err := p.Execute(ctx, "a", false, resp.NewCommand("GET", "a"))
	Expect(err).To(BeNil())
	Expect(write.Done()).To(BeTrue())
	Expect(read.Done()).To(BeTrue())
	Expect(p.Len()).To(Equal(0))

	value, err := redis.Bytes(read.Value())
	Expect(err).To(BeNil())
	Expect(value).To(Equal([]byte("1")))
}

func (s *PipelineSuite) TestFullPipelineBuffersReads(t sweet.T) {
	client, _, server := startStore(WithFullPipeline())
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	p.Set(ctx, "a", "1", 0)
	read, err := p.Execute(ctx, "a", false, resp.NewCommand("GET", "a"))
	Expect(err).To(BeNil())
	Expect(read.Done()).To(BeFalse())
	Expect(p.Len()).To(Equal(2))

	replies, err := p.Stop(ctx, true)
	Expect(err).To(BeNil())
	Expect(replies).To(HaveLen(2))
	Expect(replies[1].Bulk).To(Equal([]byte("1")))
	Expect(read.Done()).To(BeTrue())
}

func (s *PipelineSuite) TestAutoPipeline(t sweet.T) {
	client, store, server := startStore(WithAutoPipeline(2))
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	f1, _ := p.Set(ctx, "a", "1", 0)
	Expect(p.Len()).To(Equal(1))
	Expect(f1.Done()).To(BeFalse())

	f2, _ := p.Set(ctx, "b", "2", 0)
	Expect(p.Len()).To(Equal(0))
	Expect(f1.Done()).To(BeTrue())
	Expect(f2.Done()).To(BeTrue())

	value, _ := store.Value("a")
	Expect(value).To(Equal([]byte("1")))

	f3, _ := p.Set(ctx, "c", "3", 0)
	Expect(f3.Done()).To(BeFalse())

	replies, err := p.Stop(ctx, true)
	Expect(err).To(BeNil())
	Expect(replies).To(HaveLen(3))

	// The pipeline stayed on one connection
	Expect(server.Accepted()).To(Equal(1))
}

func (s *PipelineSuite) TestStopWithoutResult(t sweet.T) {
	client, store, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	p.Set(ctx, "a", "1", 0)

	replies, err := p.Stop(ctx, false)
	Expect(err).To(BeNil())
	Expect(replies).To(BeNil())

	value, _ := store.Value("a")
	Expect(value).To(Equal([]byte("1")))

	// The connection went back to the pool in a clean state
	_, ok, err := client.Get(ctx, "a")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(server.Accepted()).To(Equal(1))
}

func (s *PipelineSuite) TestStopped(t sweet.T) {
	client, _, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	_, err = p.Stop(ctx, true)
	Expect(err).To(BeNil())

	_, err = p.Set(ctx, "a", "1", 0)
	Expect(err).To(Equal(ErrPipelineClosed))

	_, err = p.Commit(ctx)
	Expect(err).To(Equal(ErrPipelineClosed))

	_, err = p.Stop(ctx, true)
	Expect(err).To(Equal(ErrPipelineClosed))
}

func (s *PipelineSuite) TestErrorReplyResolvesFuture(t sweet.T) {
	client, _, server := startStore()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	p.Set(ctx, "a", "x", 0)
	f, _ := p.Increment(ctx, "a", 1)

	_, err = p.Stop(ctx, true)
	Expect(err).To(BeNil())

	_, err = f.Value()
	Expect(err).To(BeAssignableToTypeOf(redis.Error("")))
}

func (s *PipelineSuite) TestTransportFailure(t sweet.T) {
	var (
		conn1  = mockConn("primary:6379")
		conn2  = mockConn("secondary:6379")
		pool1  = mockPool(conn1)
		pool2  = mockPool(conn2)
		client = makeClient(nil, pool1, pool2)
		ctx    = context.Background()
	)

	conn1.FlushFunc.SetDefaultReturn(connErr{"primary:6379", io.EOF})

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	f1, _ := p.Set(ctx, "a", "1", 0)
	f2, _ := p.Set(ctx, "b", "2", 0)

	replies, err := p.Commit(ctx)
	Expect(errors.Is(err, ErrTransport)).To(BeTrue())
	Expect(replies).To(Equal([]resp.Reply{{}, {}}))

	for _, f := range []*Future{f1, f2} {
		_, err := f.Reply()
		Expect(errors.Is(err, ErrTransport)).To(BeTrue())
	}

	// The commands are not replayed, the connection is destroyed
	Expect(conn1.SendFunc).To(BeCalledN(2))
	Expect(conn1.CloseFunc).To(BeCalledN(1))
	Expect(pool1.ReleaseFunc.History()[0].Arg0).To(BeNil())

	// Further commands go to the next server
	p.Set(ctx, "c", "3", 0)
	Expect(pool2.BorrowFunc).To(BeCalledN(1))
	Expect(conn2.SendFunc).To(BeCalledN(1))

	conn2.PendingFunc.SetDefaultReturn(0)
	conn2.ReceiveFunc.SetDefaultReturn(resp.OK, nil)

	replies, err = p.Stop(ctx, true)
	Expect(err).To(BeNil())
	Expect(replies).To(Equal([]resp.Reply{resp.OK}))
	Expect(pool2.ReleaseFunc.History()[0].Arg0).To(BeIdenticalTo(conn2))
}

func (s *PipelineSuite) TestSendFailure(t sweet.T) {
	var (
		conn   = mockConn("primary:6379")
		pool   = mockPool(conn)
		client = makeClient(nil, pool)
		ctx    = context.Background()
	)

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	f1, _ := p.Set(ctx, "a", "1", 0)

	conn.SendFunc.SetDefaultReturn(connErr{"primary:6379", io.EOF})

	_, err = p.Set(ctx, "b", "2", 0)
	Expect(errors.Is(err, ErrTransport)).To(BeTrue())

	_, err = f1.Reply()
	Expect(errors.Is(err, ErrTransport)).To(BeTrue())
	Expect(p.Len()).To(Equal(0))
	Expect(pool.ReleaseFunc.History()[0].Arg0).To(BeNil())
}

func (s *PipelineSuite) TestStartPipelineCancelled(t sweet.T) {
	var (
		pool   = NewMockPool()
		client = makeClient(nil, pool)
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.StartPipeline(ctx)
	Expect(err).To(Equal(context.Canceled))
	Expect(pool.BorrowFunc).NotTo(BeCalled())
}

func (s *PipelineSuite) TestDialFailureMovesToNextServer(t sweet.T) {
	var (
		conn1  = mockConn("primary:6379")
		conn2  = mockConn("secondary:6379")
		pool1  = mockPool(conn1)
		pool2  = mockPool(conn2)
		client = makeClient(nil, pool1, pool2)
		ctx    = context.Background()
	)

	conn1.SendFunc.SetDefaultReturn(dialErr{connErr{"primary:6379", io.EOF}})
	conn2.ReceiveFunc.SetDefaultReturn(resp.OK, nil)

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	f, err := p.Set(ctx, "a", "1", 0)
	Expect(err).To(BeNil())
	Expect(f.Done()).To(BeFalse())

	Expect(conn1.SendFunc).To(BeCalledN(1))
	Expect(conn1.CloseFunc).To(BeCalledN(1))
	Expect(pool1.ReleaseFunc.History()[0].Arg0).To(BeNil())
	Expect(conn2.SendFunc).To(BeCalledN(1))

	index, _ := client.Servers().Current()
	Expect(index).To(Equal(1))

	replies, err := p.Stop(ctx, true)
	Expect(err).To(BeNil())
	Expect(replies).To(Equal([]resp.Reply{resp.OK}))
}

func (s *PipelineSuite) TestDialFailureOnEveryServer(t sweet.T) {
	var (
		conn1  = mockConn("primary:6379")
		conn2  = mockConn("secondary:6379")
		client = makeClient(nil, mockPool(conn1), mockPool(conn2))
		ctx    = context.Background()
	)

	conn1.SendFunc.SetDefaultReturn(dialErr{connErr{"primary:6379", io.EOF}})
	conn2.SendFunc.SetDefaultReturn(dialErr{connErr{"secondary:6379", io.EOF}})

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())

	_, err = p.Set(ctx, "a", "1", 0)
	Expect(errors.Is(err, ErrTransport)).To(BeTrue())
	Expect(conn1.SendFunc).To(BeCalledN(1))
	Expect(conn2.SendFunc).To(BeCalledN(1))
}
