package migration

import (
	"context"
	"testing"
	"time"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
)

func newTestImportingTask(sf backend.SenderFactory) *ImportingTask {
	meta := cluster.MigrationMeta{Epoch: 1, SrcProxyAddress: "src:7000", DstProxyAddress: "dst:7000"}
	slotRng := cluster.SlotRange{Start: 0, End: 100}
	return NewImportingTask(NewConfig(10, 1, 1, 1), fakeClock{}, "db0", slotRng, meta, sf)
}

func TestImportingTaskSendForwardsToSourceBeforeCommit(t *testing.T) {
	sender := &recordingSender{}
	task := newTestImportingTask(&fakeSenderFactory{sender: sender})

	cmd := &fakeCmdTask{key: []byte("foo")}
	if err := task.Send(cmd); err != nil {
		t.Fatalf("Send before commit returned error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != cmd {
		t.Fatalf("sender.sent = %+v, want [%v] forwarded to the source proxy", sender.sent, cmd)
	}
}

func TestImportingTaskSendReturnsSlotNotFoundAfterCommitted(t *testing.T) {
	sender := &recordingSender{}
	task := newTestImportingTask(&fakeSenderFactory{sender: sender})
	task.state.SetState(SwitchCommitted)

	cmd := &fakeCmdTask{key: []byte("foo")}
	err := task.Send(cmd)
	sendErr, ok := err.(*backend.SendError)
	if !ok || sendErr.Kind != backend.ErrSlotNotFound {
		t.Fatalf("Send after commit = %v, want ErrSlotNotFound", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sender.sent = %d, want 0 (must not forward once committed)", len(sender.sent))
	}
}

func TestImportingTaskCommitAdvancesState(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})

	arg := cluster.SwitchArg{
		Version: ServerProxyVersion,
		Meta: cluster.MigrationTaskMeta{
			DBName:    "db0",
			SlotRange: cluster.SlotRange{Start: 0, End: 100, Tag: cluster.TagImporting},
		},
	}
	if err := task.Commit(arg); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if got := task.GetState(); got != SwitchCommitted {
		t.Fatalf("state after Commit = %v, want SwitchCommitted", got)
	}
}

func TestImportingTaskCommitIsIdempotent(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})
	arg := cluster.SwitchArg{Version: ServerProxyVersion}

	if err := task.Commit(arg); err != nil {
		t.Fatalf("first Commit returned error: %v", err)
	}
	if err := task.Commit(arg); err != nil {
		t.Fatalf("second Commit returned error: %v", err)
	}
	if got := task.GetState(); got != SwitchCommitted {
		t.Fatalf("state after duplicate Commit = %v, want SwitchCommitted", got)
	}
}

func TestImportingTaskCommitRejectsIncompatibleVersion(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})
	arg := cluster.SwitchArg{Version: "9.9.9"}

	if err := task.Commit(arg); err != ErrIncompatibleVersion {
		t.Fatalf("Commit with bad version = %v, want ErrIncompatibleVersion", err)
	}
	if got := task.GetState(); got != TransferringData {
		t.Fatalf("state after rejected Commit = %v, want TransferringData unchanged", got)
	}
}

func TestImportingTaskStopIsIdempotent(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})

	if err := task.Stop(); err != nil {
		t.Fatalf("first Stop() = %v, want nil", err)
	}
	if err := task.Stop(); err != ErrAlreadyEnded {
		t.Fatalf("second Stop() = %v, want ErrAlreadyEnded", err)
	}
}

func TestImportingTaskStartReturnsAfterStop(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})

	done := make(chan error, 1)
	go func() { done <- task.Start(context.Background()) }()

	if err := task.Stop(); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Start() returned %v, want nil", err)
	}
}

func TestImportingTaskStartForceCommitsOnTimeout(t *testing.T) {
	task := newTestImportingTask(&fakeSenderFactory{sender: &recordingSender{}})

	done := make(chan error, 1)
	go func() { done <- task.Start(context.Background()) }()

	// fakeClock.After fires immediately, so the force-commit branch should
	// run well before any real deadline here.
	deadline := time.After(time.Second)
	for task.GetState() != SwitchCommitted {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the force-commit timeout to fire")
		case <-time.After(time.Millisecond):
		}
	}

	if err := task.Stop(); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	<-done
}
