package proxy

import (
	"context"
	"errors"
	"io"
	"time"

	iredis "github.com/kvrelay/slotproxy/interface/redis"
	"github.com/kvrelay/slotproxy/lib/logger"
	"github.com/kvrelay/slotproxy/redis/parser"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

var log = logger.With("proxy")

// SessionError classifies why a session's handle loop returned.
type SessionError int

const (
	// SessionClosed means the client disconnected cleanly.
	SessionClosed SessionError = iota
	// SessionInvalidProtocol means a frame failed to decode.
	SessionInvalidProtocol
	// SessionIOError means the underlying connection errored.
	SessionIOError
)

func (e SessionError) Error() string {
	switch e {
	case SessionInvalidProtocol:
		return "session: invalid protocol"
	case SessionIOError:
		return "session: io error"
	default:
		return "session: closed"
	}
}

// Dispatcher is whatever turns one CmdCtx into a routed, eventually
// resolved result. CmdHandler is the production implementation; tests
// can substitute a stub.
type Dispatcher interface {
	Dispatch(ctx *CmdCtx)
}

// SessionConfig carries the micro-batching knobs: batchBuf caps how
// many commands accumulate before a forced flush; minBatchTime/
// maxBatchTime bound how long the session waits for more commands to
// arrive before writing whatever it already has.
type SessionConfig struct {
	BatchBuf     int
	MinBatchTime time.Duration
	MaxBatchTime time.Duration
}

// Session owns one client connection's full lifecycle: decode, batch,
// dispatch, collect replies in order, write. Exactly one goroutine (the
// parser's) reads the connection and exactly one (Handle's) writes to
// it, so no interleaving lock is needed on the wire itself.
type Session struct {
	conn       iredis.Connection
	dbName     string
	dispatcher Dispatcher
	slowlog    *Slowlog
	cfg        SessionConfig
}

// NewSession builds a session bound to one accepted connection.
func NewSession(conn iredis.Connection, dbName string, dispatcher Dispatcher, slowlog *Slowlog, cfg SessionConfig) *Session {
	if cfg.BatchBuf <= 0 {
		cfg.BatchBuf = 64
	}
	return &Session{conn: conn, dbName: dbName, dispatcher: dispatcher, slowlog: slowlog, cfg: cfg}
}

// Handle runs the session to completion: until the connection closes,
// a frame fails to decode, or ctx is canceled. It never returns a nil
// error; callers should treat SessionClosed as the normal-exit case.
func (s *Session) Handle(ctx context.Context, r interface {
	Read(p []byte) (int, error)
}) error {
	payloads := parser.ParseStream(r)
	batch := make([]*CmdCtx, 0, s.cfg.BatchBuf)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		return s.writeBatch(batch)
	}

	var batchTimer *time.Timer
	var timerCh <-chan time.Time
	var batchDeadline time.Time

	resetTimer := func() {
		if batchTimer != nil {
			batchTimer.Stop()
		}
		wait := s.cfg.MinBatchTime
		if remaining := time.Until(batchDeadline); remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}
		batchTimer = time.NewTimer(wait)
		timerCh = batchTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return ctx.Err()

		case p, ok := <-payloads:
			if !ok {
				_ = flush()
				return SessionClosed
			}
			if p.Err != nil {
				_ = flush()
				if errors.Is(p.Err, io.EOF) {
					return SessionClosed
				}
				if errors.Is(p.Err, parser.ErrInvalidProtocol) {
					log.Warn().Str("remote", s.conn.RemoteAddr()).Msg("invalid protocol, closing session")
					return SessionInvalidProtocol
				}
				return SessionIOError
			}

			mb, ok := p.Data.(*protocol.MultiBulkReply)
			if !ok || len(mb.Args) == 0 {
				continue
			}

			cmdCtx := NewCmdCtx(s.dbName, mb.Args)
			s.dispatcher.Dispatch(cmdCtx)
			batch = append(batch, cmdCtx)

			if len(batch) == 1 {
				batchDeadline = time.Now().Add(s.cfg.MaxBatchTime)
			}
			if len(batch) >= s.cfg.BatchBuf {
				if batchTimer != nil {
					batchTimer.Stop()
				}
				if err := flush(); err != nil {
					return SessionIOError
				}
				batch = batch[:0]
				timerCh = nil
				continue
			}
			resetTimer()

		case <-timerCh:
			if err := flush(); err != nil {
				return SessionIOError
			}
			batch = batch[:0]
			timerCh = nil
		}
	}
}

// writeBatch waits for every command in the batch to resolve — in
// order, not completion order — then writes all replies in one burst.
// A backend answering out of order never reorders what the client sees.
func (s *Session) writeBatch(batch []*CmdCtx) error {
	start := time.Now()
	var out []byte
	for _, cmdCtx := range batch {
		reply, err := cmdCtx.Wait()
		var frame []byte
		switch {
		case err != nil:
			frame = protocol.StandardErrReply(err.Error()).ToBytes()
		case reply == nil:
			frame = protocol.MakeBulkReply(nil).ToBytes()
		default:
			frame = reply.ToBytes()
		}
		out = append(out, frame...)

		if s.slowlog != nil {
			s.slowlog.Record(TaskEvent{
				DBName:    cmdCtx.DBName(),
				Command:   cmdCtx.CommandName(),
				Key:       string(cmdCtx.Key()),
				StartTime: start,
				Duration:  time.Since(start),
			})
		}
	}
	_, err := s.conn.Write(out)
	return err
}
