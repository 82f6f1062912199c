package resp

import (
	"errors"

	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"
)

type RequestSuite struct{}

func (s *RequestSuite) TestReadEncodedCommand(t sweet.T) {
	cmd := NewCommand("SET", "foo", []byte("b\r\nar"), 10)

	decoded, err := ReadCommand(reader(string(Encode(cmd))))
	Expect(err).To(BeNil())
	Expect(decoded).To(Equal(cmd))
}

func (s *RequestSuite) TestReadInlineCommand(t sweet.T) {
	decoded, err := ReadCommand(reader("GET  foo\r\n"))
	Expect(err).To(BeNil())
	Expect(decoded.Name).To(Equal("GET"))
	Expect(decoded.Args).To(Equal([][]byte{[]byte("foo")}))
}

func (s *RequestSuite) TestReadInvalidCount(t sweet.T) {
	_, err := ReadCommand(reader("*0\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *RequestSuite) TestReadNonBulkToken(t sweet.T) {
	_, err := ReadCommand(reader("*1\r\n:3\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *RequestSuite) TestReadOversizedToken(t sweet.T) {
	_, err := ReadCommand(reader("*1\r\n$9223372036854775807\r\nGET\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}

func (s *RequestSuite) TestReadOversizedCount(t sweet.T) {
	_, err := ReadCommand(reader("*9223372036854775807\r\n"))
	Expect(errors.Is(err, ErrProtocol)).To(BeTrue())
}
