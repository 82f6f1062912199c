package failcache

import (
	"log"

	"github.com/efritz/failcache/iface"
)

type (
	// Logger is an interface to the logger the client writes to.
	Logger = iface.Logger

	defaultLogger struct{}
	nilLogger     struct{}
)

// NilLogger discards all messages.
var NilLogger = NewNilLogger()

// NewNilLogger creates a logger that discards all messages.
func NewNilLogger() Logger {
	return &nilLogger{}
}

func (l *defaultLogger) Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

func (l *nilLogger) Printf(format string, args ...interface{}) {
}
