package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
	iredis "github.com/kvrelay/slotproxy/interface/redis"
	"github.com/kvrelay/slotproxy/redis/client"
)

// fakeClock fires After immediately so phase loops never actually wait
// on a wall clock during a test.
type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Time{} }
func (fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}
func (fakeClock) Sleep(d time.Duration) {}

type fakeCmdTask struct {
	key         []byte
	mu          sync.Mutex
	resultReply iredis.Reply
	resultErr   error
	set         bool
}

func (f *fakeCmdTask) Key() []byte    { return f.key }
func (f *fakeCmdTask) Packet() []byte { return []byte("*1\r\n$4\r\nPING\r\n") }
func (f *fakeCmdTask) SetResult(reply iredis.Reply, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultReply = reply
	f.resultErr = err
	f.set = true
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []backend.CmdTask
	erred error
}

func (s *recordingSender) Send(task backend.CmdTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, task)
	return s.erred
}

type fakeSenderFactory struct {
	sender *recordingSender
}

func (f *fakeSenderFactory) Create(address string) backend.Sender { return f.sender }

type fakeRedisClient struct {
	execute func(ctx context.Context, cmd []string) (interface{}, error)
}

func (c *fakeRedisClient) Execute(ctx context.Context, cmd []string) (interface{}, error) {
	return c.execute(ctx, cmd)
}
func (c *fakeRedisClient) Close() error { return nil }

type fakeClientFactory struct {
	client client.RedisClient
	err    error
}

func (f *fakeClientFactory) CreateClient(ctx context.Context, address string) (client.RedisClient, error) {
	return f.client, f.err
}

func newTestMigratingTask(t *testing.T, cfg *Config, cf client.RedisClientFactory, sf backend.SenderFactory) *MigratingTask {
	t.Helper()
	meta := cluster.MigrationMeta{Epoch: 1, SrcProxyAddress: "src:7000", DstProxyAddress: "dst:7000", DstNodeAddress: "dst:6379"}
	slotRng := cluster.SlotRange{Start: 0, End: 100}
	return NewMigratingTask(cfg, fakeClock{}, "db0", slotRng, meta, cf, sf)
}

func TestMigratingTaskSendBeforePreSwitchIsSlotNotFound(t *testing.T) {
	sender := &recordingSender{}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{sender: sender})

	err := task.Send(&fakeCmdTask{})
	sendErr, ok := err.(*backend.SendError)
	if !ok || sendErr.Kind != backend.ErrSlotNotFound {
		t.Fatalf("Send before PreSwitch = %v, want ErrSlotNotFound", err)
	}
}

func TestMigratingTaskSendBuffersWhileBlocking(t *testing.T) {
	sender := &recordingSender{}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{sender: sender})
	task.state.SetState(PreSwitch)

	cmd := &fakeCmdTask{key: []byte("foo")}
	if err := task.Send(cmd); err != nil {
		t.Fatalf("Send while blocking returned error: %v", err)
	}

	task.queueMu.Lock()
	queued := len(task.queue)
	task.queueMu.Unlock()
	if queued != 1 {
		t.Fatalf("queue length = %d, want 1", queued)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sender.sent = %d, want 0 (command should be buffered, not forwarded)", len(sender.sent))
	}
}

func TestMigratingTaskSendForwardsOnceNotBlocking(t *testing.T) {
	sender := &recordingSender{}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{sender: sender})
	task.state.SetState(PreSwitch)
	task.blocking.Store(false)

	cmd := &fakeCmdTask{key: []byte("bar")}
	if err := task.Send(cmd); err != nil {
		t.Fatalf("Send while not blocking returned error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != cmd {
		t.Fatalf("sender.sent = %+v, want [%v]", sender.sent, cmd)
	}
}

func TestMigratingTaskDrainWaitingQueueForwardsInOrder(t *testing.T) {
	sender := &recordingSender{}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{sender: sender})

	first := &fakeCmdTask{key: []byte("a")}
	second := &fakeCmdTask{key: []byte("b")}
	task.queue = []backend.CmdTask{first, second}

	task.drainWaitingQueue()

	if task.blocking.Load() {
		t.Error("blocking still true after drainWaitingQueue")
	}
	if len(sender.sent) != 2 || sender.sent[0] != first || sender.sent[1] != second {
		t.Fatalf("sender.sent = %+v, want [%v %v] in order", sender.sent, first, second)
	}
}

func TestMigratingTaskDrainWaitingQueueRecordsSendFailure(t *testing.T) {
	wantErr := backend.ErrDropped()
	sender := &recordingSender{erred: wantErr}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{sender: sender})

	cmd := &fakeCmdTask{key: []byte("a")}
	task.queue = []backend.CmdTask{cmd}

	task.drainWaitingQueue()

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if !cmd.set || cmd.resultErr != wantErr {
		t.Fatalf("cmd result = set:%v err:%v, want set:true err:%v", cmd.set, cmd.resultErr, wantErr)
	}
}

func TestMigratingTaskStopIsIdempotent(t *testing.T) {
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{})

	if err := task.Stop(); err != nil {
		t.Fatalf("first Stop() = %v, want nil", err)
	}
	if err := task.Stop(); err != ErrAlreadyEnded {
		t.Fatalf("second Stop() = %v, want ErrAlreadyEnded", err)
	}
}

func TestMigratingTaskStopDropsWaitingQueue(t *testing.T) {
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{})

	cmd := &fakeCmdTask{key: []byte("a")}
	task.queue = []backend.CmdTask{cmd}

	if err := task.Stop(); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if !cmd.set || cmd.resultErr != backend.ErrDropped() {
		t.Fatalf("cmd result = set:%v err:%v, want set:true err:ErrDropped", cmd.set, cmd.resultErr)
	}

	task.queueMu.Lock()
	queued := len(task.queue)
	task.queueMu.Unlock()
	if queued != 0 {
		t.Fatalf("queue length after Stop = %d, want 0", queued)
	}
}

func TestMigratingTaskStartTwiceReturnsErrAlreadyStarted(t *testing.T) {
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), &fakeClientFactory{}, &fakeSenderFactory{})
	task.started.Store(true)

	if err := task.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("Start() on an already-started task = %v, want ErrAlreadyStarted", err)
	}
}

func TestMigratingTaskCheckReplStateReturnsTrueWhenReady(t *testing.T) {
	cf := &fakeClientFactory{
		client: &fakeRedisClient{execute: func(ctx context.Context, cmd []string) (interface{}, error) {
			return "role:master\r\nslave0:ip=dst,port=6379,state=online,offset=0,lag=0\r\n", nil
		}},
	}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), cf, &fakeSenderFactory{})

	if ready := task.checkReplState(context.Background()); !ready {
		t.Fatal("checkReplState = false, want true for a low-lag matching replica")
	}
}

func TestMigratingTaskCommitSwitchSetsSwitchCommitted(t *testing.T) {
	cf := &fakeClientFactory{
		client: &fakeRedisClient{execute: func(ctx context.Context, cmd []string) (interface{}, error) {
			return "OK", nil
		}},
	}
	task := newTestMigratingTask(t, NewConfig(10, 1, 1, 1), cf, &fakeSenderFactory{})

	task.commitSwitch(context.Background())

	if got := task.GetState(); got != SwitchCommitted {
		t.Fatalf("state after commitSwitch = %v, want SwitchCommitted", got)
	}
}
