package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

type (
	// Kind is the leading type byte of a reply.
	Kind byte

	// Reply is a single decoded server reply. Only the field matching
	// Kind is meaningful. A nil bulk string has Kind BulkString and
	// Nil set.
	Reply struct {
		Kind Kind
		Str  string
		Int  int64
		Bulk []byte
		Nil  bool
	}

	// ProtocolError is returned for replies that cannot be parsed.
	ProtocolError struct {
		msg string
	}
)

const (
	SimpleString Kind = '+'
	Error        Kind = '-'
	Integer      Kind = ':'
	BulkString   Kind = '$'
	array        Kind = '*'
)

// MaxBulkLen is the largest bulk string accepted from the wire. Longer
// declared lengths are protocol errors.
const MaxBulkLen = 512 * 1024 * 1024

var (
	// ErrProtocol matches (via errors.Is) every malformed reply.
	ErrProtocol = errors.New("resp: protocol error")

	// ErrArrayReply is returned when the server sends a multi-bulk
	// reply. Array replies are outside of the supported subset.
	ErrArrayReply = errors.New("resp: array replies are not supported")
)

func (e *ProtocolError) Error() string   { return "resp: protocol error: " + e.msg }
func (e *ProtocolError) Is(err error) bool { return err == ErrProtocol }

func protocolError(format string, args ...interface{}) error {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// NewSimpleString creates a status reply.
func NewSimpleString(s string) Reply { return Reply{Kind: SimpleString, Str: s} }

// NewError creates an error reply.
func NewError(s string) Reply { return Reply{Kind: Error, Str: s} }

// NewInteger creates an integer reply.
func NewInteger(n int64) Reply { return Reply{Kind: Integer, Int: n} }

// NewBulk creates a bulk string reply. A nil slice is encoded as a
// nil bulk string.
func NewBulk(b []byte) Reply { return Reply{Kind: BulkString, Bulk: b, Nil: b == nil} }

// NilBulk creates a nil bulk string reply.
func NilBulk() Reply { return Reply{Kind: BulkString, Nil: true} }

// OK is the status reply returned by most write commands.
var OK = NewSimpleString("OK")

// IsOK returns true for a +OK status reply.
func (r Reply) IsOK() bool {
	return r.Kind == SimpleString && r.Str == "OK"
}

// Value returns the reply in the shape used by redigo: a string for
// status replies, a redis.Error for error replies, an int64 for integer
// replies, and a []byte (or nil) for bulk strings. The result can be
// passed to the redis.Int64, redis.Bytes, etc helpers.
func (r Reply) Value() interface{} {
	switch r.Kind {
	case SimpleString:
		return r.Str
	case Error:
		return redis.Error(r.Str)
	case Integer:
		return r.Int
	case BulkString:
		if r.Nil {
			return nil
		}
		return r.Bulk
	}

	return nil
}

func (r Reply) String() string {
	switch r.Kind {
	case SimpleString, Error:
		return string(r.Kind) + r.Str
	case Integer:
		return ":" + strconv.FormatInt(r.Int, 10)
	case BulkString:
		if r.Nil {
			return "(nil)"
		}
		return strconv.Quote(string(r.Bulk))
	}

	return "(invalid)"
}

// Decode reads exactly one reply from r. Malformed replies return
// an error matching ErrProtocol. Read failures (including timeouts and
// frames truncated by EOF) are returned unmodified.
func Decode(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}

	if len(line) == 0 {
		return Reply{}, protocolError("empty reply")
	}

	switch Kind(line[0]) {
	case SimpleString:
		return NewSimpleString(string(line[1:])), nil

	case Error:
		return NewError(string(line[1:])), nil

	case Integer:
		n, err := parseInt(line[1:])
		if err != nil {
			return Reply{}, err
		}

		return NewInteger(n), nil

	case BulkString:
		n, err := parseInt(line[1:])
		if err != nil {
			return Reply{}, err
		}

		if n < 0 {
			return NilBulk(), nil
		}

		body, err := readBody(r, n)
		if err != nil {
			return Reply{}, err
		}

		return Reply{Kind: BulkString, Bulk: body}, nil

	case array:
		return Reply{}, ErrArrayReply
	}

	return Reply{}, protocolError("unexpected reply type %q", line[0])
}

// Encode serializes the reply the way a server would send it.
func (r Reply) Encode() []byte {
	switch r.Kind {
	case SimpleString, Error:
		return []byte(string(r.Kind) + strings.TrimRight(r.Str, "\r\n") + "\r\n")

	case Integer:
		buf := strconv.AppendInt([]byte{':'}, r.Int, 10)
		return append(buf, crlf...)

	case BulkString:
		if r.Nil {
			return []byte("$-1\r\n")
		}
		return appendToken(nil, r.Bulk)
	}

	return nil
}

// WriteReply writes the encoded reply to w.
func WriteReply(w io.Writer, r Reply) error {
	_, err := w.Write(r.Encode())
	return err
}

// readLine reads a CRLF terminated line and returns it without the
// terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protocolError("line not terminated by CRLF")
	}

	return line[:len(line)-2], nil
}

func readBody(r *bufio.Reader, n int64) ([]byte, error) {
	if n < 0 || n > MaxBulkLen {
		return nil, protocolError("invalid bulk length %d", n)
	}

	body := make([]byte, n+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if body[n] != '\r' || body[n+1] != '\n' {
		return nil, protocolError("bulk string not terminated by CRLF")
	}

	return body[:n], nil
}

func parseInt(p []byte) (int64, error) {
	n, err := strconv.ParseInt(string(p), 10, 64)
	if err != nil {
		return 0, protocolError("invalid integer %q", p)
	}

	return n, nil
}
