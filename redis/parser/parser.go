// Package parser turns a byte stream into RESP replies/commands. It is
// a thin, pass-through decoder: it only needs to produce frames, not
// validate anything beyond well-formedness.
package parser

import (
	"bufio"
	"errors"
	"io"
	"strconv"

	iredis "github.com/kvrelay/slotproxy/interface/redis"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

// ErrInvalidProtocol is returned when a frame cannot be decoded, the
// trigger for session termination with proxy.SessionInvalidProtocol.
var ErrInvalidProtocol = errors.New("invalid RESP protocol")

// Payload is one decoded frame, paired with a decode error if the stream
// could not be parsed further.
type Payload struct {
	Data iredis.Reply
	Err  error
}

// ParseStream decodes a continuous RESP stream from r, emitting one
// Payload per frame until r returns an error (including io.EOF, sent as
// a final Payload so the consumer can distinguish a clean close from a
// malformed frame).
func ParseStream(r io.Reader) <-chan *Payload {
	ch := make(chan *Payload)
	go func() {
		defer close(ch)
		reader := bufio.NewReader(r)
		for {
			reply, err := parseOne(reader)
			if err != nil {
				ch <- &Payload{Err: err}
				return
			}
			ch <- &Payload{Data: reply}
		}
	}()
	return ch
}

func parseOne(reader *bufio.Reader) (iredis.Reply, error) {
	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, ErrInvalidProtocol
	}
	switch line[0] {
	case '+':
		return protocol.MakeStatusReply(string(line[1:])), nil
	case '-':
		return protocol.MakeErrReply(string(line[1:])), nil
	case ':':
		n, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return nil, ErrInvalidProtocol
		}
		return protocol.MakeIntReply(n), nil
	case '$':
		return parseBulk(reader, line)
	case '*':
		return parseMultiBulk(reader, line)
	default:
		// inline command: treat the whole line as a one-shot command.
		return inlineCommand(line), nil
	}
}

func parseBulk(reader *bufio.Reader, line []byte) (iredis.Reply, error) {
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return nil, ErrInvalidProtocol
	}
	if n == -1 {
		return protocol.MakeBulkReply(nil), nil
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return protocol.MakeBulkReply(buf[:n]), nil
}

func parseMultiBulk(reader *bufio.Reader, line []byte) (iredis.Reply, error) {
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return nil, ErrInvalidProtocol
	}
	if n <= 0 {
		return protocol.MakeMultiBulkReply(nil), nil
	}
	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		argLine, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if len(argLine) == 0 || argLine[0] != '$' {
			return nil, ErrInvalidProtocol
		}
		argLen, err := strconv.Atoi(string(argLine[1:]))
		if err != nil || argLen < 0 {
			return nil, ErrInvalidProtocol
		}
		buf := make([]byte, argLen+2)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		args = append(args, buf[:argLen])
	}
	return protocol.MakeMultiBulkReply(args), nil
}

func inlineCommand(line []byte) iredis.Reply {
	var args [][]byte
	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ' ' {
			if i > start {
				args = append(args, line[start:i])
			}
			start = i + 1
		}
	}
	return protocol.MakeMultiBulkReply(args)
}

func readLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, ErrInvalidProtocol
	}
	return line[:len(line)-2], nil
}
