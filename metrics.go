package failcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/efritz/failcache/iface"
)

type (
	// Counter records the duration and outcome of each command.
	Counter = iface.Counter

	// Tracer is notified around each command.
	Tracer = iface.Tracer

	nilCounter struct{}
	nilTracer  struct{}

	metricsCounter struct {
		set    *metrics.Set
		prefix string
	}
)

func (c *nilCounter) StartCount() time.Time {
	return time.Time{}
}

func (c *nilCounter) StopCount(command string, start time.Time, err error) {
}

func (t *nilTracer) Trace(command, key string) func(error) {
	return func(error) {}
}

// NewMetricsCounter creates a counter which publishes into the given set:
//
//	<prefix>_commands_total{command="GET"}
//	<prefix>_command_errors_total{command="GET"}
//	<prefix>_command_duration_seconds{command="GET"}
//
// Server error replies are not counted as errors.
func NewMetricsCounter(set *metrics.Set, prefix string) Counter {
	return &metricsCounter{
		set:    set,
		prefix: prefix,
	}
}

func (c *metricsCounter) StartCount() time.Time {
	return time.Now()
}

func (c *metricsCounter) StopCount(command string, start time.Time, err error) {
	command = strings.ToUpper(command)

	c.set.GetOrCreateCounter(c.name("commands_total", command)).Inc()
	c.set.GetOrCreateHistogram(c.name("command_duration_seconds", command)).UpdateDuration(start)

	if err != nil {
		c.set.GetOrCreateCounter(c.name("command_errors_total", command)).Inc()
	}
}

func (c *metricsCounter) name(metric, command string) string {
	return fmt.Sprintf(`%s_%s{command=%q}`, c.prefix, metric, command)
}
