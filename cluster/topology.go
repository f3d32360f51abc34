package cluster

// Node is one shard proxy's view of topology: its address and the slot
// ranges it (or a migration through it) currently covers. Topology
// authority lives entirely in the external broker, so a Node carries no
// leader/candidate bookkeeping of its own — proxies only follow
// whatever topology the broker last pushed.
type Node struct {
	ID     string
	Addr   string
	Ranges []*SlotRange
}

// Topology is one broker-delivered snapshot: a monotone epoch plus the
// full node map, exactly what arrives over `UMCTL SETDB` or a broker
// poll.
type Topology struct {
	Epoch int64
	Nodes map[string]*Node
}

// OwnerAddr returns the addr that should receive traffic for a
// NotMigrating SlotRange owned by someone other than localID, or ""
// if the range belongs to localID itself.
func (t *Topology) OwnerAddr(localID string, rng *SlotRange, nodeOf map[*SlotRange]string) string {
	id, ok := nodeOf[rng]
	if !ok || id == localID {
		return ""
	}
	if n, ok := t.Nodes[id]; ok {
		return n.Addr
	}
	return ""
}

// LocalRangesAndOwners splits the topology into the ranges owned by
// localID (handed to Router.InstallTopology as localRanges) and a
// rng->addr map for everything else (handed in as otherOwners).
func (t *Topology) LocalRangesAndOwners(localID string) ([]*SlotRange, map[*SlotRange]string) {
	var local []*SlotRange
	others := make(map[*SlotRange]string)
	for id, node := range t.Nodes {
		for _, rng := range node.Ranges {
			if id == localID {
				local = append(local, rng)
			} else {
				others[rng] = node.Addr
			}
		}
	}
	return local, others
}

// AllMigratingMetas collects every Migrating-tagged range's meta across
// the whole topology, used by the supervisor to decide which
// MigratingTasks should be running.
func (t *Topology) AllMigratingMetas() []MigrationTaskMeta {
	var metas []MigrationTaskMeta
	for _, node := range t.Nodes {
		for _, rng := range node.Ranges {
			if rng.Tag == TagMigrating && rng.Meta != nil {
				metas = append(metas, MigrationTaskMeta{SlotRange: *rng})
			}
		}
	}
	return metas
}

// AllImportingMetas is AllMigratingMetas' Importing counterpart.
func (t *Topology) AllImportingMetas() []MigrationTaskMeta {
	var metas []MigrationTaskMeta
	for _, node := range t.Nodes {
		for _, rng := range node.Ranges {
			if rng.Tag == TagImporting && rng.Meta != nil {
				metas = append(metas, MigrationTaskMeta{SlotRange: *rng})
			}
		}
	}
	return metas
}
