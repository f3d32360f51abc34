package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

func TestCmdCtxKey(t *testing.T) {
	tests := []struct {
		name string
		args [][]byte
		want []byte
	}{
		{name: "keyless", args: [][]byte{[]byte("PING")}, want: nil},
		{name: "get", args: [][]byte{[]byte("GET"), []byte("foo")}, want: []byte("foo")},
		{name: "set with value", args: [][]byte{[]byte("SET"), []byte("foo"), []byte("bar")}, want: []byte("foo")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewCmdCtx("db0", tt.args)
			if got := ctx.Key(); string(got) != string(tt.want) {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCmdCtxCommandName(t *testing.T) {
	ctx := NewCmdCtx("db0", [][]byte{[]byte("get"), []byte("foo")})
	if got := ctx.CommandName(); got != "get" {
		t.Errorf("CommandName() = %q, want %q", got, "get")
	}

	empty := NewCmdCtx("db0", nil)
	if got := empty.CommandName(); got != "" {
		t.Errorf("CommandName() on empty args = %q, want empty string", got)
	}
}

func TestCmdCtxPacketEncodesArgsAsMultiBulk(t *testing.T) {
	args := [][]byte{[]byte("GET"), []byte("foo")}
	ctx := NewCmdCtx("db0", args)
	want := protocol.MakeMultiBulkReply(args).ToBytes()
	if got := ctx.Packet(); string(got) != string(want) {
		t.Errorf("Packet() = %q, want %q", got, want)
	}
}

func TestCmdCtxSetResultIsOnceOnly(t *testing.T) {
	ctx := NewCmdCtx("db0", [][]byte{[]byte("PING")})
	first := protocol.MakeStatusReply("OK")
	second := protocol.MakeStatusReply("DUPLICATE")

	ctx.SetResult(first, nil)
	ctx.SetResult(second, errors.New("should be ignored"))

	reply, err := ctx.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v, want nil", err)
	}
	if string(reply.ToBytes()) != string(first.ToBytes()) {
		t.Errorf("Wait() reply = %q, want the first SetResult's reply %q", reply.ToBytes(), first.ToBytes())
	}
}

func TestCmdCtxWaitBlocksUntilSetResult(t *testing.T) {
	ctx := NewCmdCtx("db0", [][]byte{[]byte("PING")})

	done := make(chan struct{})
	go func() {
		ctx.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait() returned before SetResult was called")
	case <-time.After(20 * time.Millisecond):
	}

	ctx.SetResult(protocol.MakeStatusReply("OK"), nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after SetResult")
	}
}

func TestCmdCtxDropped(t *testing.T) {
	ctx := NewCmdCtx("db0", [][]byte{[]byte("PING")})
	if ctx.Dropped() {
		t.Fatal("Dropped() = true before SetResult was called")
	}

	ctx.SetResult(nil, backend.ErrDropped())
	if !ctx.Dropped() {
		t.Fatal("Dropped() = false after SetResult(nil, ErrDropped())")
	}
}

func TestCmdCtxNotDroppedOnOtherError(t *testing.T) {
	ctx := NewCmdCtx("db0", [][]byte{[]byte("PING")})
	ctx.SetResult(nil, errors.New("connection reset"))
	if ctx.Dropped() {
		t.Fatal("Dropped() = true for a non-ErrDropped error")
	}
}
