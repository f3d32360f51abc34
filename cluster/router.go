// Package cluster implements the slot→shard routing table and the
// topology data model it is built from.
package cluster

import (
	"sync/atomic"

	"github.com/kvrelay/slotproxy/backend"
)

// DecisionKind enumerates the outcomes of Router.Route.
type DecisionKind int

const (
	// DecisionLocal means this proxy's shard owns the slot outright.
	DecisionLocal DecisionKind = iota
	// DecisionForward means another shard owns the slot; Shard is its
	// address.
	DecisionForward
	// DecisionMigrating means the slot is being moved out of this
	// shard; Handle is the MigratingTask to send through.
	DecisionMigrating
	// DecisionImporting means the slot is being moved into this shard;
	// Handle is the ImportingTask to send through.
	DecisionImporting
	// DecisionNotCovered means no node owns this slot on this proxy
	// right now; the caller should synthesize a MOVED/ASK reply.
	DecisionNotCovered
)

// RoutingDecision is the result of routing one key: exactly one of a
// local shard, a forwarding address, a migration task handle, or
// "not covered".
type RoutingDecision struct {
	Kind   DecisionKind
	Shard  string
	Handle backend.Sender
	Slot   int
}

// table is one immutable slot→decision snapshot. SlotCount entries,
// indexed directly by slot id, so Route is O(1) with no lock on the hot
// path.
type table struct {
	decisions [SlotCount]RoutingDecision
	epoch     int64
}

// Router maps keys to routing decisions, built from the installed
// topology plus whatever migrating/importing tasks the supervisor
// currently has handles for. It never owns a task: the supervisor keeps
// the owning reference and only publishes lookup handles here, so the
// router and the task lifetimes never need to reference each other.
type Router struct {
	current atomic.Pointer[table]
	localID string
}

// NewRouter builds an empty router: every slot starts as NotCovered
// until the first InstallTopology call.
func NewRouter(localNodeID string) *Router {
	r := &Router{localID: localNodeID}
	empty := &table{}
	for i := range empty.decisions {
		empty.decisions[i] = RoutingDecision{Kind: DecisionNotCovered, Slot: i}
	}
	r.current.Store(empty)
	return r
}

// TaskLookup resolves slot ranges tagged Migrating/Importing to the live
// task handle the supervisor is currently running for them, if any.
// Passing a lookup rather than a map keeps the router decoupled from the
// supervisor's task lifetime.
type TaskLookup interface {
	MigratingHandle(meta MigrationMeta) (backend.Sender, bool)
	ImportingHandle(meta MigrationMeta) (backend.Sender, bool)
}

// InstallTopology atomically swaps the slot→decision table built from
// ranges for this proxy's local node and the rest of the cluster.
// Readers always observe one consistent snapshot at some epoch, never a
// torn read across two installs.
func (r *Router) InstallTopology(epoch int64, localRanges []*SlotRange, otherOwners map[*SlotRange]string, lookup TaskLookup) {
	next := &table{epoch: epoch}
	for i := range next.decisions {
		next.decisions[i] = RoutingDecision{Kind: DecisionNotCovered, Slot: i}
	}

	// Tie-break: an Importing entry wins over a Migrating entry on the
	// same slot at the same epoch — apply Migrating first, then let
	// Importing overwrite.
	applyRange := func(rng *SlotRange) {
		for slot := rng.Start; slot <= rng.End && slot < SlotCount; slot++ {
			switch rng.Tag {
			case TagNone:
				next.decisions[slot] = RoutingDecision{Kind: DecisionLocal, Slot: slot}
			case TagMigrating:
				if handle, ok := lookup.MigratingHandle(*rng.Meta); ok {
					next.decisions[slot] = RoutingDecision{Kind: DecisionMigrating, Handle: handle, Slot: slot}
				}
			case TagImporting:
				if handle, ok := lookup.ImportingHandle(*rng.Meta); ok {
					next.decisions[slot] = RoutingDecision{Kind: DecisionImporting, Handle: handle, Slot: slot}
				}
			}
		}
	}

	for _, rng := range localRanges {
		if rng.Tag == TagMigrating {
			applyRange(rng)
		}
	}
	for _, rng := range localRanges {
		if rng.Tag != TagMigrating {
			applyRange(rng)
		}
	}

	for rng, addr := range otherOwners {
		for slot := rng.Start; slot <= rng.End && slot < SlotCount; slot++ {
			next.decisions[slot] = RoutingDecision{Kind: DecisionForward, Shard: addr, Slot: slot}
		}
	}

	r.current.Store(next)
}

// Route maps a key to its routing decision. O(1), lock-free.
func (r *Router) Route(key string) RoutingDecision {
	slot := GetSlot(key)
	return r.current.Load().decisions[slot]
}

// RouteSlot is Route's slot-indexed variant, used by admin commands that
// already know the slot (e.g. while building a MOVED reply).
func (r *Router) RouteSlot(slot int) RoutingDecision {
	return r.current.Load().decisions[slot]
}

// Epoch returns the epoch of the currently installed table.
func (r *Router) Epoch() int64 {
	return r.current.Load().epoch
}
