package iface

import "time"

// Counter records the duration and outcome of each command.
type Counter interface {
	// StartCount marks the start of a command.
	StartCount() time.Time

	// StopCount records a command started at start. The error is
	// nil on success.
	StopCount(command string, start time.Time, err error)
}

// Tracer is notified around each command. The returned function
// is called with the command's error once it completes.
type Tracer interface {
	Trace(command, key string) func(err error)
}
