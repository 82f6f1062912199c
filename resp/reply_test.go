package resp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/aphistic/sweet"
	"github.com/gomodule/redigo/redis"
	. "github.com/onsi/gomega"
)

type ReplySuite struct{}

func (s *ReplySuite) TestRoundTrip(t sweet.T) {
	replies := []Reply{
		NewSimpleString("OK"),
		NewError("ERR wrong type"),
		NewInteger(0),
		NewInteger(-42),
		NewInteger(9223372036854775807),
		NewBulk([]byte("hello")),
		NewBulk([]byte{}),
		NewBulk([]byte("line\r\nbreak")),
		NilBulk(),
	}

	for _, reply := range replies {
		decoded, err := Decode(reader(string(reply.Encode())))
		Expect(err).To(BeNil())
		Expect(decoded.Kind).To(Equal(reply.Kind))
		Expect(decoded.Value()).To(Equal(reply.Value()))
	}
}

func (s *ReplySuite) TestDecodeSequence(t sweet.T) {
	r := reader("+OK\r\n:3\r\n$3\r\nbar\r\n")

	r1, err := Decode(r)
	Expect(err).To(BeNil())
	Expect(r1.IsOK()).To(BeTrue())

	r2, err := Decode(r)
	Expect(err).To(BeNil())
	Expect(r2.Int).To(Equal(int64(3)))

	r3, err := Decode(r)
	Expect(err).To(BeNil())
	Expect(r3.Bulk).To(Equal([]byte("bar")))
}

func (s *ReplySuite) TestValueShape(t sweet.T) {
	Expect(redis.String(NewSimpleString("PONG").Value(), nil)).To(Equal("PONG"))
	Expect(redis.Int64(NewInteger(7).Value(), nil)).To(Equal(int64(7)))
	Expect(redis.Bytes(NewBulk([]byte("x")).Value(), nil)).To(Equal([]byte("x")))

	_, err := redis.Bytes(NilBulk().Value(), nil)
	Expect(err).To(Equal(redis.ErrNil))

	_, err = redis.Int64(NewError("ERR boom").Value(), nil)
	Expect(err).To(Equal(redis.Error("ERR boom")))
}

func (s *ReplySuite) TestDecodeUnknownType(t sweet.T) {
	_, err := Decode(reader("?what\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeBadInteger(t sweet.T) {
	_, err := Decode(reader(":abc\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeMissingCR(t sweet.T) {
	_, err := Decode(reader("+OK\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeBadBulkTerminator(t sweet.T) {
	_, err := Decode(reader("$3\r\nbarXX"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeOversizedBulk(t sweet.T) {
	_, err := Decode(reader("$536870913\r\nabc\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeOverflowingBulkLength(t sweet.T) {
	_, err := Decode(reader("$9223372036854775807\r\nabc\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *ReplySuite) TestDecodeTruncatedBulk(t sweet.T) {
	_, err := Decode(reader("$10\r\nbar"))
	Expect(err).To(Equal(io.ErrUnexpectedEOF))
	Expect(errors.Is(err, ErrProtocol)).To(BeFalse())
}

func (s *ReplySuite) TestDecodeEOF(t sweet.T) {
	_, err := Decode(reader(""))
	Expect(err).To(Equal(io.EOF))
}

func (s *ReplySuite) TestDecodeArray(t sweet.T) {
	_, err := Decode(reader("*2\r\n$1\r\na\r\n$1\r\nb\r\n"))
	Expect(err).To(Equal(ErrArrayReply))
}

func (s *ReplySuite) TestWriteReply(t sweet.T) {
	buf := &bytes.Buffer{}
	Expect(WriteReply(buf, NewInteger(12))).To(BeNil())
	Expect(buf.String()).To(Equal(":12\r\n"))
}

func (s *ReplySuite) TestString(t sweet.T) {
	Expect(NewSimpleString("OK").String()).To(Equal("+OK"))
	Expect(NewInteger(3).String()).To(Equal(":3"))
	Expect(NilBulk().String()).To(Equal("(nil)"))
	Expect(NewBulk([]byte("a")).String()).To(Equal(`"a"`))
}

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}
