// Package proxy implements the client-facing session pipeline: decode
// one connection's command stream, route each command, collect replies
// in request order, and write them back in a micro-batched burst.
package proxy

import (
	"sync"

	"github.com/kvrelay/slotproxy/backend"
	iredis "github.com/kvrelay/slotproxy/interface/redis"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

// CmdCtx is one in-flight command: the decoded command line plus a
// single-assignment result slot a session waits on to preserve FIFO
// reply order regardless of which backend answers first. It
// implements backend.CmdTask.
type CmdCtx struct {
	dbName string
	args   [][]byte

	once   sync.Once
	done   chan struct{}
	reply  iredis.Reply
	err    error
}

// NewCmdCtx wraps one decoded command for dbName.
func NewCmdCtx(dbName string, args [][]byte) *CmdCtx {
	return &CmdCtx{
		dbName: dbName,
		args:   args,
		done:   make(chan struct{}),
	}
}

// DBName returns the logical db this command targets, as recorded in
// slowlog events. Routing does not read it.
func (c *CmdCtx) DBName() string { return c.dbName }

// Key implements backend.CmdTask: the first argument after the command
// name, or nil for a 0/1-arg command (PING, admin commands with no key).
func (c *CmdCtx) Key() []byte {
	if len(c.args) < 2 {
		return nil
	}
	return c.args[1]
}

// CommandName returns the first token as sent, without changing its
// case; the session records it in slowlog events.
func (c *CmdCtx) CommandName() string {
	if len(c.args) == 0 {
		return ""
	}
	return string(c.args[0])
}

// Args returns every argument, including the command name itself.
func (c *CmdCtx) Args() [][]byte { return c.args }

// Packet implements backend.CmdTask: the wire bytes to forward
// verbatim to whichever backend owns this command's slot.
func (c *CmdCtx) Packet() []byte {
	return protocol.MakeMultiBulkReply(c.args).ToBytes()
}

// SetResult implements backend.CmdTask. It is safe to call from any
// goroutine and at most the first call takes effect, matching the
// "must be called at most once" contract: a second call is silently
// ignored rather than panicking, since a task can race a forced
// migration drain against its original sender.
func (c *CmdCtx) SetResult(reply iredis.Reply, err error) {
	c.once.Do(func() {
		c.reply = reply
		c.err = err
		close(c.done)
	})
}

// Wait blocks until SetResult has been called and returns its result.
func (c *CmdCtx) Wait() (iredis.Reply, error) {
	<-c.done
	return c.reply, c.err
}

// Dropped reports whether this command was finalized with
// backend.ErrDropped rather than an explicit reply, the condition the
// session turns into a synthetic error reply to the client so a
// connection-closing backend never hangs a client forever.
func (c *CmdCtx) Dropped() bool {
	select {
	case <-c.done:
		return c.err == backend.ErrDropped()
	default:
		return false
	}
}
