// Package resp implements the subset of the Redis serialization protocol
// spoken by failcache: count-prefixed request frames and status, error,
// integer and bulk string replies.
package resp

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// Command is an operation name and its ordered arguments. A command
	// is never modified after it is built.
	Command struct {
		Name string
		Args [][]byte
	}
)

var crlf = []byte("\r\n")

// NewCommand creates a command, formatting each argument as a protocol
// token. Strings and byte slices are sent as-is, numbers and booleans in
// their decimal form and durations as whole milliseconds. Any other value
// is formatted with fmt.
func NewCommand(name string, args ...interface{}) Command {
	tokens := make([][]byte, 0, len(args))
	for _, arg := range args {
		tokens = append(tokens, formatArg(arg))
	}

	return Command{Name: name, Args: tokens}
}

// Is returns true if the command has the given name, ignoring case.
func (c Command) Is(name string) bool {
	return strings.EqualFold(c.Name, name)
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, arg := range c.Args {
		parts = append(parts, string(arg))
	}

	return strings.Join(parts, " ")
}

// Encode serializes the command into a single request frame.
func Encode(c Command) []byte {
	size := 16 + len(c.Name)
	for _, arg := range c.Args {
		size += len(arg) + 16
	}

	buf := make([]byte, 0, size)
	buf = appendHeader(buf, '*', len(c.Args)+1)
	buf = appendToken(buf, []byte(c.Name))
	for _, arg := range c.Args {
		buf = appendToken(buf, arg)
	}

	return buf
}

// WriteCommand encodes the command into w. The writer is not flushed.
func WriteCommand(w *bufio.Writer, c Command) error {
	_, err := w.Write(Encode(c))
	return err
}

func appendHeader(buf []byte, prefix byte, n int) []byte {
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, crlf...)
}

func appendToken(buf, token []byte) []byte {
	buf = appendHeader(buf, '$', len(token))
	buf = append(buf, token...)
	return append(buf, crlf...)
}

func formatArg(arg interface{}) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64)
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32)
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	case time.Duration:
		return strconv.AppendInt(nil, int64(v/time.Millisecond), 10)
	case nil:
		return []byte{}
	default:
		return []byte(fmt.Sprint(v))
	}
}
