// Package protocol implements the handful of RESP reply shapes the proxy
// core needs to build and inspect. Full RESP framing/bulk/array decoding
// is treated as a pre-existing wire concern; this package only carries
// what the router, sender, and migration tasks construct or read.
package protocol

import (
	"bytes"
	"strconv"

	iredis "github.com/kvrelay/slotproxy/interface/redis"
)

var (
	nullBulkBytes  = []byte("$-1\r\n")
	emptyMultiBulk = []byte("*0\r\n")
	okBytes        = []byte("+OK\r\n")
	pongBytes      = []byte("+PONG\r\n")
	crlf           = []byte("\r\n")
)

// MultiBulkReply represents a RESP array, the shape of both an incoming
// command and most command-array replies forwarded between proxies.
type MultiBulkReply struct {
	Args [][]byte
}

// MakeMultiBulkReply wraps a command line into a MultiBulkReply.
func MakeMultiBulkReply(args [][]byte) *MultiBulkReply {
	return &MultiBulkReply{Args: args}
}

func (r *MultiBulkReply) ToBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("*" + strconv.Itoa(len(r.Args)) + "\r\n")
	for _, arg := range r.Args {
		if arg == nil {
			buf.Write(nullBulkBytes)
			continue
		}
		buf.WriteString("$" + strconv.Itoa(len(arg)) + "\r\n")
		buf.Write(arg)
		buf.Write(crlf)
	}
	return buf.Bytes()
}

// BulkReply represents a single RESP bulk string.
type BulkReply struct {
	Arg []byte
}

func MakeBulkReply(arg []byte) *BulkReply {
	return &BulkReply{Arg: arg}
}

func (r *BulkReply) ToBytes() []byte {
	if r.Arg == nil {
		return nullBulkBytes
	}
	var buf bytes.Buffer
	buf.WriteString("$" + strconv.Itoa(len(r.Arg)) + "\r\n")
	buf.Write(r.Arg)
	buf.Write(crlf)
	return buf.Bytes()
}

// StatusReply represents a RESP simple string, e.g. `+OK`.
type StatusReply struct {
	Status string
}

func MakeStatusReply(status string) *StatusReply {
	return &StatusReply{Status: status}
}

func (r *StatusReply) ToBytes() []byte {
	return []byte("+" + r.Status + "\r\n")
}

// IntReply represents a RESP integer.
type IntReply struct {
	Code int64
}

func MakeIntReply(code int64) *IntReply {
	return &IntReply{Code: code}
}

func (r *IntReply) ToBytes() []byte {
	return []byte(":" + strconv.FormatInt(r.Code, 10) + "\r\n")
}

// ErrorReply represents a RESP error frame and satisfies
// interface/redis.ErrorReply.
type ErrorReply struct {
	Status string
}

func MakeErrReply(msg string) *ErrorReply {
	return &ErrorReply{Status: msg}
}

func (r *ErrorReply) ToBytes() []byte {
	return []byte("-" + r.Status + "\r\n")
}

func (r *ErrorReply) Error() string {
	return r.Status
}

// StandardErrReply builds an `-ERR <msg>` reply.
func StandardErrReply(msg string) *ErrorReply {
	return MakeErrReply("ERR " + msg)
}

// MovedErrReply builds the standard cluster redirect reply a client
// should receive for a slot this proxy no longer covers.
func MovedErrReply(slot int, addr string) *ErrorReply {
	return MakeErrReply("MOVED " + strconv.Itoa(slot) + " " + addr)
}

// AskErrReply builds the standard cluster ASK redirect reply used while a
// slot is mid-migration.
func AskErrReply(slot int, addr string) *ErrorReply {
	return MakeErrReply("ASK " + strconv.Itoa(slot) + " " + addr)
}

// OKReply is the shared `+OK` singleton.
var OKReply = &StatusReply{Status: "OK"}

// PongReply is the shared `+PONG` singleton.
var PongReply = &StatusReply{Status: "PONG"}

// IsOKReply reports whether reply is a status reply carrying "OK".
func IsOKReply(reply iredis.Reply) bool {
	s, ok := reply.(*StatusReply)
	return ok && s.Status == "OK"
}

// IsErrorReply reports whether reply is an error frame.
func IsErrorReply(reply iredis.Reply) bool {
	_, ok := reply.(iredis.ErrorReply)
	return ok
}
