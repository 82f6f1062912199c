package resp

import (
	"bufio"
	"strings"
)

const maxTokens = 1024 * 1024

// ReadCommand reads one request frame from r. This is the server side of
// the protocol and is used by the redistest package. Both count-prefixed
// frames and space separated inline commands are accepted.
func ReadCommand(r *bufio.Reader) (Command, error) {
	line, err := readLine(r)
	if err != nil {
		return Command{}, err
	}

	if len(line) == 0 || line[0] != byte(array) {
		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			return Command{}, protocolError("empty inline command")
		}

		return NewCommand(fields[0], toInterfaces(fields[1:])...), nil
	}

	n, err := parseInt(line[1:])
	if err != nil {
		return Command{}, err
	}

	if n <= 0 || n > maxTokens {
		return Command{}, protocolError("invalid token count %d", n)
	}

	tokens := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return Command{}, err
		}

		if len(header) == 0 || header[0] != byte(BulkString) {
			return Command{}, protocolError("expected bulk string token")
		}

		size, err := parseInt(header[1:])
		if err != nil {
			return Command{}, err
		}

		if size < 0 {
			return Command{}, protocolError("negative token length")
		}

		token, err := readBody(r, size)
		if err != nil {
			return Command{}, err
		}

		tokens = append(tokens, token)
	}

	return Command{Name: string(tokens[0]), Args: tokens[1:]}, nil
}

func toInterfaces(values []string) []interface{} {
	args := make([]interface{}, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}

	return args
}
