package migration

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
	"github.com/kvrelay/slotproxy/redis/client"
)

// runningMigrating pairs a live MigratingTask with the cancel func that
// stops its Start goroutine group.
type runningMigrating struct {
	task   *MigratingTask
	cancel context.CancelFunc
}

type runningImporting struct {
	task   *ImportingTask
	cancel context.CancelFunc
}

// Supervisor keeps the set of running MigratingTask/ImportingTask
// instances in sync with whatever topology the broker or an admin
// SETDB last installed. It implements cluster.TaskLookup so the
// router can resolve a Migrating/Importing slot range straight to the
// task currently driving it.
type Supervisor struct {
	cfg           *Config
	clock         Clock
	dbName        string
	clientFactory client.RedisClientFactory
	senderFactory backend.SenderFactory

	mu         sync.RWMutex
	migrating  map[cluster.MigrationMeta]*runningMigrating
	importing  map[cluster.MigrationMeta]*runningImporting
}

// NewSupervisor builds a supervisor with no tasks running. senderFactory
// builds the connections both MigratingTask (forwarding to the
// destination) and ImportingTask (bouncing back to the source) need.
func NewSupervisor(
	cfg *Config,
	clock Clock,
	dbName string,
	clientFactory client.RedisClientFactory,
	senderFactory backend.SenderFactory,
) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		clock:         clock,
		dbName:        dbName,
		clientFactory: clientFactory,
		senderFactory: senderFactory,
		migrating:     make(map[cluster.MigrationMeta]*runningMigrating),
		importing:     make(map[cluster.MigrationMeta]*runningImporting),
	}
}

// Reconcile diffs the topology's migrating/importing metas against
// what is currently running, starting newly-announced tasks and
// stopping ones no longer present, all concurrently via an errgroup.
// Installing the same topology twice is a no-op.
func (s *Supervisor) Reconcile(ctx context.Context, topo *cluster.Topology) error {
	wantMigrating := topo.AllMigratingMetas()
	wantImporting := topo.AllImportingMetas()

	// Tasks are started with ctx, not a group context: errgroup cancels
	// its own context as soon as Wait returns.
	var g errgroup.Group

	s.mu.Lock()
	toStartMigrating := s.diffStartMigrating(wantMigrating)
	toStopMigrating := s.diffStopMigrating(wantMigrating)
	toStartImporting := s.diffStartImporting(wantImporting)
	toStopImporting := s.diffStopImporting(wantImporting)
	s.mu.Unlock()

	for _, meta := range toStopMigrating {
		meta := meta
		g.Go(func() error { return s.stopMigrating(meta) })
	}
	for _, meta := range toStopImporting {
		meta := meta
		g.Go(func() error { return s.stopImporting(meta) })
	}
	for _, m := range toStartMigrating {
		m := m
		g.Go(func() error { return s.startMigrating(ctx, m) })
	}
	for _, m := range toStartImporting {
		m := m
		g.Go(func() error { return s.startImporting(ctx, m) })
	}

	return g.Wait()
}

func (s *Supervisor) diffStartMigrating(want []cluster.MigrationTaskMeta) []cluster.MigrationTaskMeta {
	var out []cluster.MigrationTaskMeta
	for _, m := range want {
		if _, ok := s.migrating[*m.SlotRange.Meta]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Supervisor) diffStartImporting(want []cluster.MigrationTaskMeta) []cluster.MigrationTaskMeta {
	var out []cluster.MigrationTaskMeta
	for _, m := range want {
		if _, ok := s.importing[*m.SlotRange.Meta]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Supervisor) diffStopMigrating(want []cluster.MigrationTaskMeta) []cluster.MigrationMeta {
	wantSet := make(map[cluster.MigrationMeta]bool, len(want))
	for _, m := range want {
		wantSet[*m.SlotRange.Meta] = true
	}
	var out []cluster.MigrationMeta
	for meta := range s.migrating {
		if !wantSet[meta] {
			out = append(out, meta)
		}
	}
	return out
}

func (s *Supervisor) diffStopImporting(want []cluster.MigrationTaskMeta) []cluster.MigrationMeta {
	wantSet := make(map[cluster.MigrationMeta]bool, len(want))
	for _, m := range want {
		wantSet[*m.SlotRange.Meta] = true
	}
	var out []cluster.MigrationMeta
	for meta := range s.importing {
		if !wantSet[meta] {
			out = append(out, meta)
		}
	}
	return out
}

func (s *Supervisor) startMigrating(ctx context.Context, m cluster.MigrationTaskMeta) error {
	meta := *m.SlotRange.Meta
	task := NewMigratingTask(s.cfg, s.clock, s.dbName, m.SlotRange, meta, s.clientFactory, s.senderFactory)
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.migrating[meta] = &runningMigrating{task: task, cancel: cancel}
	s.mu.Unlock()

	log.Info().Interface("meta", meta).Msg("starting migrating task")
	go func() {
		_ = task.Start(taskCtx)
	}()
	return nil
}

func (s *Supervisor) startImporting(ctx context.Context, m cluster.MigrationTaskMeta) error {
	meta := *m.SlotRange.Meta
	task := NewImportingTask(s.cfg, s.clock, s.dbName, m.SlotRange, meta, s.senderFactory)
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.importing[meta] = &runningImporting{task: task, cancel: cancel}
	s.mu.Unlock()

	log.Info().Interface("meta", meta).Msg("starting importing task")
	go func() {
		_ = task.Start(taskCtx)
	}()
	return nil
}

func (s *Supervisor) stopMigrating(meta cluster.MigrationMeta) error {
	s.mu.Lock()
	r, ok := s.migrating[meta]
	if ok {
		delete(s.migrating, meta)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_ = r.task.Stop()
	r.cancel()
	return nil
}

func (s *Supervisor) stopImporting(meta cluster.MigrationMeta) error {
	s.mu.Lock()
	r, ok := s.importing[meta]
	if ok {
		delete(s.importing, meta)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_ = r.task.Stop()
	r.cancel()
	return nil
}

// MigratingHandle implements cluster.TaskLookup.
func (s *Supervisor) MigratingHandle(meta cluster.MigrationMeta) (backend.Sender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.migrating[meta]
	if !ok {
		return nil, false
	}
	return r.task, true
}

// ImportingHandle implements cluster.TaskLookup.
func (s *Supervisor) ImportingHandle(meta cluster.MigrationMeta) (backend.Sender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.importing[meta]
	if !ok {
		return nil, false
	}
	return r.task, true
}

// ImportingTaskFor returns the live ImportingTask for meta, if any, so
// the admin dispatcher can deliver a TMPSWITCH commit to it directly.
func (s *Supervisor) ImportingTaskFor(meta cluster.MigrationMeta) (*ImportingTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.importing[meta]
	if !ok {
		return nil, false
	}
	return r.task, true
}

// Close stops every running task, used on proxy shutdown.
func (s *Supervisor) Close() {
	s.mu.Lock()
	migrating := s.migrating
	importing := s.importing
	s.migrating = make(map[cluster.MigrationMeta]*runningMigrating)
	s.importing = make(map[cluster.MigrationMeta]*runningImporting)
	s.mu.Unlock()

	for _, r := range migrating {
		_ = r.task.Stop()
		r.cancel()
	}
	for _, r := range importing {
		_ = r.task.Stop()
		r.cancel()
	}
}
