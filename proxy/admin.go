package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kvrelay/slotproxy/cluster"
	iredis "github.com/kvrelay/slotproxy/interface/redis"
	"github.com/kvrelay/slotproxy/migration"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

// AdminTarget is the subset of the proxy's cluster-facing state the
// admin dispatcher needs: enough to install a new topology and to
// deliver a commit to a running ImportingTask.
type AdminTarget interface {
	InstallTopology(topo *cluster.Topology) error
	ImportingTaskFor(meta cluster.MigrationMeta) (*migration.ImportingTask, bool)
	// LocalNodeID returns the node ID this proxy's own ranges are keyed
	// under in a Topology, the same ID Router was built with.
	LocalNodeID() string
}

// IsAdminCommand reports whether args is a `UMCTL ...` command, the
// signal the session loop uses to short-circuit routing.
func IsAdminCommand(args [][]byte) bool {
	return len(args) > 0 && strings.EqualFold(string(args[0]), "UMCTL")
}

// HandleAdminCommand executes a UMCTL subcommand and returns the reply
// to send back, never forwarding it anywhere.
func HandleAdminCommand(target AdminTarget, args [][]byte) iredis.Reply {
	if len(args) < 2 {
		return protocol.StandardErrReply("wrong number of arguments for 'UMCTL' command")
	}
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "TMPSWITCH":
		return handleTmpSwitch(target, args[2:])
	case "SETDB":
		return handleSetDB(target, args[2:])
	default:
		return protocol.StandardErrReply(fmt.Sprintf("unknown UMCTL subcommand %q", sub))
	}
}

func handleTmpSwitch(target AdminTarget, rest [][]byte) iredis.Reply {
	strArgs := make([]string, len(rest))
	for i, a := range rest {
		strArgs[i] = string(a)
	}
	arg, err := cluster.ParseSwitchArg(strArgs)
	if err != nil {
		return protocol.StandardErrReply(err.Error())
	}
	task, ok := target.ImportingTaskFor(*arg.Meta.SlotRange.Meta)
	if !ok {
		return protocol.StandardErrReply("no importing task for this migration")
	}
	if err := task.Commit(arg); err != nil {
		if errors.Is(err, migration.ErrIncompatibleVersion) {
			return protocol.StandardErrReply("IncompatibleVersion")
		}
		return protocol.StandardErrReply(err.Error())
	}
	return protocol.OKReply
}

func handleSetDB(target AdminTarget, rest [][]byte) iredis.Reply {
	if len(rest) < 1 {
		return protocol.StandardErrReply("SETDB requires an epoch")
	}
	epoch, err := strconv.ParseInt(string(rest[0]), 10, 64)
	if err != nil {
		return protocol.StandardErrReply("bad epoch: " + err.Error())
	}
	localNodeID := target.LocalNodeID()
	nodes := make(map[string]*cluster.Node)
	for _, tok := range rest[1:] {
		rng, err := cluster.DecodeRangeToken(string(tok))
		if err != nil {
			return protocol.StandardErrReply(err.Error())
		}
		n, ok := nodes[localNodeID]
		if !ok {
			n = &cluster.Node{ID: localNodeID, Addr: localNodeID}
			nodes[localNodeID] = n
		}
		n.Ranges = append(n.Ranges, rng)
	}
	topo := &cluster.Topology{Epoch: epoch, Nodes: nodes}
	if err := target.InstallTopology(topo); err != nil {
		return protocol.StandardErrReply(err.Error())
	}
	return protocol.OKReply
}
