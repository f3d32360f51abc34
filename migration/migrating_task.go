package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
	"github.com/kvrelay/slotproxy/lib/logger"
	"github.com/kvrelay/slotproxy/redis/client"
)

var log = logger.With("migration")

// Errors surfaced by task lifecycle calls.
var (
	ErrAlreadyStarted      = fmt.Errorf("migration: already started")
	ErrAlreadyEnded        = fmt.Errorf("migration: already ended")
	ErrCanceled            = fmt.Errorf("migration: canceled")
	ErrIncompatibleVersion = fmt.Errorf("migration: incompatible version")
)

// MigratingTask drives one slot-range handoff from the source side,
// the hardest subsystem in this tree. It implements backend.Sender so
// the router can hand it a routing decision's task handle exactly
// like any other destination.
type MigratingTask struct {
	cfg     *Config
	clock   Clock
	dbName  string
	slotRng cluster.SlotRange
	meta    cluster.MigrationMeta

	clientFactory client.RedisClientFactory
	senderFactory backend.SenderFactory

	state             *AtomicState
	redirectionStopped atomic.Bool
	blocking           atomic.Bool

	queueMu sync.Mutex
	queue   []backend.CmdTask

	stop *stopSignal

	started atomic.Bool
}

// NewMigratingTask builds a task for one slot range migration. The task
// does nothing until Start is called.
func NewMigratingTask(
	cfg *Config,
	clock Clock,
	dbName string,
	slotRng cluster.SlotRange,
	meta cluster.MigrationMeta,
	clientFactory client.RedisClientFactory,
	senderFactory backend.SenderFactory,
) *MigratingTask {
	t := &MigratingTask{
		cfg:           cfg,
		clock:         clock,
		dbName:        dbName,
		slotRng:       slotRng,
		meta:          meta,
		clientFactory: clientFactory,
		senderFactory: senderFactory,
		state:         NewAtomicState(),
		stop:          newStopSignal(),
	}
	t.blocking.Store(true)
	return t
}

// Meta returns the migration this task is driving, the key the
// supervisor and router index tasks by.
func (t *MigratingTask) Meta() cluster.MigrationMeta { return t.meta }

// GetState returns the task's current migration state.
func (t *MigratingTask) GetState() State { return t.state.GetState() }

// Start runs the task's phases until completion or cancellation. It
// always returns nil: the task completes successfully regardless of
// which phase it was stopped at. Calling Start twice returns
// ErrAlreadyStarted.
func (t *MigratingTask) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.runPhases(ctx)
	}()

	select {
	case <-t.stop.Done():
	case <-done:
	}
	log.Warn().Interface("meta", t.meta).Msg("migrating task stopped")
	return nil
}

func (t *MigratingTask) runPhases(ctx context.Context) {
	if !t.checkReplState(ctx) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	t.state.SetState(PreSwitch)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.commitSwitch(ctx)
	}()
	go func() {
		defer wg.Done()
		t.releaseQueue(ctx)
		t.stopRedirectionAfterTimeout(ctx)
	}()
	wg.Wait()
}

// checkReplState polls INFO REPLICATION on the destination proxy every
// second until a replica matching meta.DstNodeAddress reports lag under
// the configured threshold.
func (t *MigratingTask) checkReplState(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		c, err := t.clientFactory.CreateClient(ctx, t.meta.DstProxyAddress)
		if err != nil {
			log.Error().Err(err).Str("addr", t.meta.DstProxyAddress).Msg("failed to connect for replication check")
			if !t.sleepOrDone(ctx, time.Second) {
				return false
			}
			continue
		}
		resp, err := c.Execute(ctx, []string{"INFO", "REPLICATION"})
		_ = c.Close()
		if err != nil {
			log.Error().Err(err).Msg("failed to get replication info")
			if !t.sleepOrDone(ctx, time.Second) {
				return false
			}
			continue
		}
		info, ok := resp.(string)
		if !ok {
			log.Error().Msg("unexpected INFO REPLICATION reply type")
			if !t.sleepOrDone(ctx, time.Second) {
				return false
			}
			continue
		}
		states, err := extractReplicasFromReplicationInfo(info)
		if err != nil {
			log.Error().Err(err).Msg("failed to parse INFO REPLICATION")
			if !t.sleepOrDone(ctx, time.Second) {
				return false
			}
			continue
		}
		if replicaReady(states, t.meta.DstNodeAddress, t.cfg.LagThreshold()) {
			log.Info().Interface("meta", t.meta).Msg("replication for migration is done")
			return true
		}
		if !t.sleepOrDone(ctx, time.Second) {
			return false
		}
	}
}

// commitSwitch issues `UMCTL TMPSWITCH <version> <meta>` on a 1s retry
// loop until a non-error reply arrives.
func (t *MigratingTask) commitSwitch(ctx context.Context) {
	t.state.SetState(SwitchStarted)

	arg := cluster.SwitchArg{
		Version: ServerProxyVersion,
		Meta: cluster.MigrationTaskMeta{
			DBName: t.dbName,
			SlotRange: cluster.SlotRange{
				Start: t.slotRng.Start,
				End:   t.slotRng.End,
				Tag:   cluster.TagMigrating,
				Meta:  &t.meta,
			},
		},
	}
	cmd := append([]string{"UMCTL", "TMPSWITCH"}, arg.IntoStrings()...)

	for {
		if ctx.Err() != nil {
			return
		}
		c, err := t.clientFactory.CreateClient(ctx, t.meta.DstProxyAddress)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect to commit switch")
			if !t.sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		_, err = c.Execute(ctx, cmd)
		_ = c.Close()
		if err != nil {
			log.Error().Err(err).Interface("meta", t.meta).Msg("failed to switch")
			if !t.sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		t.state.SetState(SwitchCommitted)
		log.Info().Interface("meta", t.meta).Msg("successfully switched")
		return
	}
}

// releaseQueue implements the two-timer fold: wait min_blocking_time
// once, then poll every min(min_blocking_time, 5ms) until
// SwitchCommitted is observed (drain immediately) or max_blocking_time
// elapses (force-commit, then drain).
func (t *MigratingTask) releaseQueue(ctx context.Context) {
	if !t.sleepOrDone(ctx, t.cfg.MinBlockingTime()) {
		return
	}

	pollInterval := t.cfg.MinBlockingTime()
	if pollInterval > 5*time.Millisecond {
		pollInterval = 5 * time.Millisecond
	}

	elapsed := t.cfg.MinBlockingTime()
	for {
		if ctx.Err() != nil {
			return
		}
		if elapsed > t.cfg.MaxBlockingTime() {
			log.Warn().Msg("commit status does not change for so long, force commit")
			t.state.SetState(SwitchCommitted)
		}
		if t.state.GetState() == SwitchCommitted {
			t.drainWaitingQueue()
			return
		}
		if !t.sleepOrDone(ctx, pollInterval) {
			return
		}
		elapsed += pollInterval
	}
}

func (t *MigratingTask) stopRedirectionAfterTimeout(ctx context.Context) {
	if !t.sleepOrDone(ctx, t.cfg.MaxRedirectionTime()) {
		return
	}
	log.Info().Interface("meta", t.meta).Msg("redirecting for too long, stop it")
	t.redirectionStopped.Store(true)
}

// drainWaitingQueue flips blocking off and forwards every buffered
// command to the destination, exactly once per task lifetime. Any
// send failure is logged and the command is dropped
// (its CmdTask.SetResult records the failure for the waiting client).
func (t *MigratingTask) drainWaitingQueue() {
	t.blocking.Store(false)
	sender := t.senderFactory.Create(t.meta.DstProxyAddress)

	t.queueMu.Lock()
	queued := t.queue
	t.queue = nil
	t.queueMu.Unlock()

	log.Info().Int("count", len(queued)).Msg("start draining waiting queue")
	for _, task := range queued {
		if err := sender.Send(task); err != nil {
			log.Error().Err(err).Msg("failed to drain task")
			task.SetResult(nil, err)
		}
	}
	log.Info().Msg("finished draining waiting queue")
}

// Send implements backend.Sender. Before commit, commands for this slot
// range are buffered into the waiting queue; after commit, they are
// forwarded straight to the destination. A request can still arrive
// between blocking flipping to false and the drain loop observing the
// queue; that race is closed by re-running a best-effort drain after
// enqueueing whenever blocking is observed false by then.
func (t *MigratingTask) Send(task backend.CmdTask) error {
	if t.state.GetState() == TransferringData || t.redirectionStopped.Load() {
		return &backend.SendError{Kind: backend.ErrSlotNotFound, Task: task}
	}

	sender := t.senderFactory.Create(t.meta.DstProxyAddress)

	if !t.blocking.Load() {
		return sender.Send(task)
	}

	t.queueMu.Lock()
	t.queue = append(t.queue, task)
	t.queueMu.Unlock()

	if !t.blocking.Load() {
		t.drainWaitingQueue()
	}
	return nil
}

// Stop fires the task's one-shot stop signal. The task's Start call
// returns (with nil error) shortly after. A second Stop call reports
// ErrAlreadyEnded. Anything still sitting in the waiting queue at that
// point never gets a commit to release it, so Stop fails those commands
// with ErrDropped rather than stranding their callers on Wait forever.
func (t *MigratingTask) Stop() error {
	if !t.stop.Fire() {
		return ErrAlreadyEnded
	}
	t.dropWaitingQueue()
	return nil
}

// dropWaitingQueue fails every command still sitting in the waiting
// queue with ErrDropped. It is safe to call after drainWaitingQueue
// already ran: the queue is empty by then, so this is a no-op.
func (t *MigratingTask) dropWaitingQueue() {
	t.queueMu.Lock()
	queued := t.queue
	t.queue = nil
	t.queueMu.Unlock()

	for _, task := range queued {
		task.SetResult(nil, backend.ErrDropped())
	}
}

// sleepOrDone sleeps for d or returns early (false) if ctx is canceled.
func (t *MigratingTask) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-t.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
