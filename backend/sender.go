package backend

import (
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kvrelay/slotproxy/lib/logger"
	"github.com/kvrelay/slotproxy/redis/parser"
)

// highWaterMark bounds the outbound queue: beyond this, Send fails fast
// instead of buffering without limit.
const highWaterMark = 4096

var log = logger.With("backend")

// NetSender owns one persistent connection to a destination proxy,
// pipelines requests onto it, and correlates replies back to callers by
// strict FIFO order — no request IDs needed because there is exactly
// one writer and one reader per connection.
type NetSender struct {
	address string

	mu      sync.Mutex
	queue   []CmdTask
	pending []CmdTask
	closed  bool
	alive   bool

	notify chan struct{}
	dialer func(address string) (net.Conn, error)
}

// NewNetSender creates a sender and starts its connection-owning
// goroutine. The sender keeps trying to (re)connect for its entire
// lifetime; Send only fails once the queue is saturated or the sender
// has been explicitly closed.
func NewNetSender(address string) *NetSender {
	return NewNetSenderWithDialer(address, func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 3*time.Second)
	})
}

// NewNetSenderWithDialer is NewNetSender with an injectable dialer, used
// by tests to avoid real sockets.
func NewNetSenderWithDialer(address string, dialer func(string) (net.Conn, error)) *NetSender {
	s := &NetSender{
		address: address,
		notify:  make(chan struct{}, 1),
		dialer:  dialer,
	}
	go s.run()
	return s
}

// Send enqueues cmd for delivery. It never blocks: if the connection is
// permanently down or the queue is saturated, it fails fast so the
// caller (a session or a migration task) can surface an error instead
// of buffering without bound.
func (s *NetSender) Send(cmd CmdTask) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &SendError{Kind: ErrClosed, Task: cmd}
	}
	if len(s.queue) >= highWaterMark {
		s.mu.Unlock()
		return &SendError{Kind: ErrQueueFull, Task: cmd}
	}
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close permanently shuts the sender down; any task still queued or
// in-flight is surfaced to its caller as ErrDropped.
func (s *NetSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := s.queue
	pending := s.pending
	s.queue = nil
	s.pending = nil
	s.mu.Unlock()

	for _, t := range queued {
		t.SetResult(nil, ErrDropped())
	}
	for _, t := range pending {
		t.SetResult(nil, ErrDropped())
	}
	close(s.notify)
}

func (s *NetSender) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; only Close() stops the sender

	for {
		if s.isClosed() {
			return
		}
		conn, err := s.dialer(s.address)
		if err != nil {
			log.Warn().Str("address", s.address).Err(err).Msg("backend dial failed, backing off")
			d := bo.NextBackOff()
			time.Sleep(d)
			continue
		}
		bo.Reset()
		s.setAlive(true)
		s.serve(conn)
		s.setAlive(false)
		if s.isClosed() {
			return
		}
	}
}

// serve runs the write and read loops on a single live connection until
// either side errors, at which point it returns so run() can reconnect.
func (s *NetSender) serve(conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		payloads := parser.ParseStream(conn)
		for p := range payloads {
			if p.Err != nil {
				return
			}
			task := s.popPending()
			if task == nil {
				continue
			}
			task.SetResult(p.Data, nil)
		}
	}()

	for {
		task := s.nextQueued()
		if task == nil {
			select {
			case <-done:
				return
			case _, ok := <-s.notify:
				if !ok {
					return
				}
				continue
			}
		}
		// Pending must hold task before the write reaches the wire: the
		// reader goroutine can observe a reply as soon as the write
		// completes, and popPending must never find an empty queue for a
		// reply that is actually this task's.
		s.pushPending(task)
		if _, err := conn.Write(task.Packet()); err != nil {
			// A nil tail means Close already took pending and dropped the task.
			if t := s.popPendingTail(); t != nil {
				t.SetResult(nil, err)
			}
			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func (s *NetSender) nextQueued() CmdTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

func (s *NetSender) pushPending(t CmdTask) {
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()
}

func (s *NetSender) popPending() CmdTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	return t
}

// popPendingTail undoes a pushPending for a task whose write just failed.
// Only the write loop ever appends to pending, so the task it just
// pushed is still the last element.
func (s *NetSender) popPendingTail() CmdTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	if n == 0 {
		return nil
	}
	t := s.pending[n-1]
	s.pending = s.pending[:n-1]
	return t
}

func (s *NetSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *NetSender) setAlive(v bool) {
	s.mu.Lock()
	s.alive = v
	s.mu.Unlock()
}

// Alive reports whether the sender currently has a live connection.
func (s *NetSender) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Factory builds one NetSender per distinct address and caches it, the
// concrete implementation behind the SenderFactory interface.
type Factory struct {
	mu      sync.Mutex
	senders map[string]*NetSender
	dialer  func(string) (net.Conn, error)
}

// NewFactory builds a Factory that dials real TCP connections.
func NewFactory() *Factory {
	return &Factory{senders: make(map[string]*NetSender)}
}

// NewFactoryWithDialer builds a Factory with an injectable dialer for
// tests.
func NewFactoryWithDialer(dialer func(string) (net.Conn, error)) *Factory {
	return &Factory{senders: make(map[string]*NetSender), dialer: dialer}
}

func (f *Factory) Create(address string) Sender {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.senders[address]; ok {
		return s
	}
	var s *NetSender
	if f.dialer != nil {
		s = NewNetSenderWithDialer(address, f.dialer)
	} else {
		s = NewNetSender(address)
	}
	f.senders[address] = s
	return s
}

// Close shuts every cached sender down.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.senders {
		s.Close()
	}
	f.senders = make(map[string]*NetSender)
}
