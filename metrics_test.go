package failcache

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"
)

type MetricsSuite struct{}

type recordingTracer struct {
	traces []string
	errs   []error
}

func (t *recordingTracer) Trace(command, key string) func(error) {
	t.traces = append(t.traces, command+" "+key)

	return func(err error) {
		t.errs = append(t.errs, err)
	}
}

func (s *MetricsSuite) TestMetricsCounter(t sweet.T) {
	var (
		set     = metrics.NewSet()
		counter = NewMetricsCounter(set, "cache")
	)

	counter.StopCount("get", counter.StartCount(), nil)
	counter.StopCount("GET", counter.StartCount(), nil)
	counter.StopCount("SET", counter.StartCount(), errors.New("utoh"))

	Expect(set.GetOrCreateCounter(`cache_commands_total{command="GET"}`).Get()).To(Equal(uint64(2)))
	Expect(set.GetOrCreateCounter(`cache_commands_total{command="SET"}`).Get()).To(Equal(uint64(1)))
	Expect(set.GetOrCreateCounter(`cache_command_errors_total{command="GET"}`).Get()).To(BeZero())
	Expect(set.GetOrCreateCounter(`cache_command_errors_total{command="SET"}`).Get()).To(Equal(uint64(1)))

	buf := &bytes.Buffer{}
	set.WritePrometheus(buf)
	Expect(buf.String()).To(ContainSubstring(`cache_command_duration_seconds_count{command="GET"} 2`))
}

func (s *MetricsSuite) TestClientInstrumentation(t sweet.T) {
	var (
		set    = metrics.NewSet()
		tracer = &recordingTracer{}
		ctx    = context.Background()
	)

	client, _, server := startStore(WithCounter(NewMetricsCounter(set, "cache")), WithTracer(tracer))
	defer server.Close()
	defer client.Close()

	Expect(client.Set(ctx, "a", "1", 0)).To(BeNil())
	client.Get(ctx, "a")
	client.GetAll(ctx, []string{"a", "b"})

	p, err := client.StartPipeline(ctx)
	Expect(err).To(BeNil())
	p.Increment(ctx, "c", 1)
	p.Stop(ctx, false)

	Expect(tracer.traces).To(Equal([]string{"SET a", "GET a", "GETALL a", "INCRBY c"}))
	Expect(tracer.errs).To(Equal([]error{nil, nil, nil, nil}))

	for _, name := range []string{"SET", "GET", "GETALL", "INCRBY"} {
		Expect(set.GetOrCreateCounter(`cache_commands_total{command="` + name + `"}`).Get()).To(Equal(uint64(1)))
	}
}

func (s *MetricsSuite) TestNilCounter(t sweet.T) {
	counter := &nilCounter{}
	Expect(counter.StartCount()).To(Equal(time.Time{}))
	counter.StopCount("GET", time.Now(), nil)
}
