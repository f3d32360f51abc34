// Package backend implements the outbound side of the proxy: the CmdTask
// contract a request must satisfy to be routed, and the per-destination
// sender that owns one outbound connection and pipelines requests to it.
package backend

import (
	"errors"

	iredis "github.com/kvrelay/slotproxy/interface/redis"
)

// CmdTask is anything that can be routed and, once answered, can record
// its own result. CmdCtx (proxy package) and the migration tasks'
// buffered commands both satisfy it.
type CmdTask interface {
	// Key returns the first key of the command, or nil for keyless
	// commands (PING, admin commands).
	Key() []byte
	// Packet returns the wire bytes to forward verbatim.
	Packet() []byte
	// SetResult delivers the final outcome to whoever is waiting on this
	// task's reply channel. Must be called at most once.
	SetResult(reply iredis.Reply, err error)
}

// SendError classifies why a Sender could not accept a CmdTask.
type SendError struct {
	Kind SendErrorKind
	Task CmdTask
}

type SendErrorKind int

const (
	// ErrSlotNotFound means the router/task has no routing for this
	// command right now and the caller should fall through to its
	// default policy.
	ErrSlotNotFound SendErrorKind = iota
	// ErrClosed means the sender has been closed for good. A sender
	// that is only reconnecting still queues commands.
	ErrClosed
	// ErrQueueFull means the outbound queue exceeded its high-water mark.
	ErrQueueFull
	// ErrMigration wraps an error encountered while redirecting a task
	// during migration hand-off.
	ErrMigration
)

func (e *SendError) Error() string {
	switch e.Kind {
	case ErrSlotNotFound:
		return "backend: slot not found"
	case ErrClosed:
		return "backend: connection closed"
	case ErrQueueFull:
		return "backend: outbound queue full"
	default:
		return "backend: migration send error"
	}
}

var errDropped = errors.New("dropped")

// ErrDropped is surfaced to a CmdTask's reply channel when the task was
// destroyed without SetResult being called.
func ErrDropped() error { return errDropped }

// Sender is the uniform interface a routing decision's task handle
// exposes: plain back-end senders, MigratingTask, and ImportingTask all
// implement it, so the router can treat "forward" and "migration
// redirect" the same way once a decision is made.
type Sender interface {
	Send(task CmdTask) error
}

// SenderFactory creates a Sender bound to one destination address,
// hiding the concrete sender type behind a cache keyed by address.
type SenderFactory interface {
	Create(address string) Sender
}
