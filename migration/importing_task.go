package migration

import (
	"context"
	"sync/atomic"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
)

// ImportingTask drives one slot-range handoff from the destination side.
// Until SwitchCommitted it bounces every command for its slot range back
// to the source proxy, which is still authoritative for the data; it
// never starts serving locally early. After SwitchCommitted it still
// does not execute locally — Send reports ErrSlotNotFound so the router's
// caller turns it into an ASK/MOVED redirect, and the range only becomes
// locally authoritative on the next topology install that drops the
// Importing tag and hands the range to the router as a plain local
// range. A background timer force-commits if TMPSWITCH never arrives,
// so a lost commit cannot wedge the range forever.
type ImportingTask struct {
	cfg     *Config
	clock   Clock
	dbName  string
	slotRng cluster.SlotRange
	meta    cluster.MigrationMeta

	senderFactory backend.SenderFactory

	state *AtomicState

	stop    *stopSignal
	started atomic.Bool
}

// NewImportingTask builds a task for one slot range's inbound half. The
// task forwards nothing until Start is called.
func NewImportingTask(
	cfg *Config,
	clock Clock,
	dbName string,
	slotRng cluster.SlotRange,
	meta cluster.MigrationMeta,
	senderFactory backend.SenderFactory,
) *ImportingTask {
	return &ImportingTask{
		cfg:           cfg,
		clock:         clock,
		dbName:        dbName,
		slotRng:       slotRng,
		meta:          meta,
		senderFactory: senderFactory,
		state:         NewAtomicState(),
		stop:          newStopSignal(),
	}
}

// Meta returns the migration this task is driving.
func (t *ImportingTask) Meta() cluster.MigrationMeta { return t.meta }

// GetState returns the task's current migration state.
func (t *ImportingTask) GetState() State { return t.state.GetState() }

// Start blocks until the task is stopped, either by an explicit Stop or
// by the forced-commit timeout firing and then being followed by a
// later Stop from the supervisor once the range is fully owned. The
// importing side has no replication check of its own: readiness is
// entirely driven by the source side's TMPSWITCH.
func (t *ImportingTask) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-t.clock.After(t.cfg.MaxBlockingTime()):
			t.state.SetState(SwitchCommitted)
			log.Info().Interface("meta", t.meta).Msg("importing task force-committed after timeout")
		case <-ctx.Done():
		case <-t.stop.Done():
		}
	}()

	<-t.stop.Done()
	return nil
}

// Commit is invoked by the admin dispatcher when a `UMCTL TMPSWITCH`
// naming this task's meta arrives. It is idempotent: a duplicate or
// retried TMPSWITCH after the first commit is a no-op success, matching
// the source side's retry-until-acked loop.
func (t *ImportingTask) Commit(arg cluster.SwitchArg) error {
	if arg.Version != ServerProxyVersion {
		return ErrIncompatibleVersion
	}
	t.state.SetState(SwitchCommitted)
	log.Info().Str("db", t.dbName).Int("start", t.slotRng.Start).Int("end", t.slotRng.End).
		Interface("meta", t.meta).Msg("importing task committed")
	return nil
}

// Send implements backend.Sender. Before commit, every command for this
// slot range is forwarded straight back to the source proxy, which still
// owns the data; after commit, this side reports ErrSlotNotFound so the
// caller redirects instead of ever serving the range locally from here.
func (t *ImportingTask) Send(task backend.CmdTask) error {
	if t.state.GetState() == SwitchCommitted {
		return &backend.SendError{Kind: backend.ErrSlotNotFound, Task: task}
	}
	sender := t.senderFactory.Create(t.meta.SrcProxyAddress)
	return sender.Send(task)
}

// Stop fires the task's one-shot stop signal, releasing Start.
func (t *ImportingTask) Stop() error {
	if t.stop.Fire() {
		return nil
	}
	return ErrAlreadyEnded
}
