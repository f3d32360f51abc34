package proxy

import (
	"context"
	"fmt"

	"github.com/kvrelay/slotproxy/backend"
	"github.com/kvrelay/slotproxy/cluster"
	"github.com/kvrelay/slotproxy/migration"
	"github.com/kvrelay/slotproxy/redis/protocol"
)

// CmdHandler is the Dispatcher every Session shares: it recognizes admin
// commands, otherwise routes a command through the router and forwards
// it to whatever Sender the routing decision names.
type CmdHandler struct {
	router         *cluster.Router
	supervisor     *migration.Supervisor
	localSender    backend.Sender
	forwardFactory backend.SenderFactory
	localNodeID    string
}

// NewCmdHandler wires a handler for one logical shard proxy. localSender
// is the connection to this proxy's own database; forwardFactory builds
// connections to peer shard proxies a DecisionForward names.
func NewCmdHandler(router *cluster.Router, supervisor *migration.Supervisor, localSender backend.Sender, forwardFactory backend.SenderFactory, localNodeID string) *CmdHandler {
	return &CmdHandler{
		router:         router,
		supervisor:     supervisor,
		localSender:    localSender,
		forwardFactory: forwardFactory,
		localNodeID:    localNodeID,
	}
}

// Dispatch implements Dispatcher.
func (h *CmdHandler) Dispatch(ctx *CmdCtx) {
	if IsAdminCommand(ctx.Args()) {
		reply := HandleAdminCommand(h, ctx.Args())
		ctx.SetResult(reply, nil)
		return
	}

	key := ctx.Key()
	if key == nil {
		// keyless, non-admin commands (PING et al.) always run locally.
		if err := h.localSender.Send(ctx); err != nil {
			ctx.SetResult(nil, err)
		}
		return
	}

	decision := h.router.Route(string(key))
	switch decision.Kind {
	case cluster.DecisionLocal:
		if err := h.localSender.Send(ctx); err != nil {
			ctx.SetResult(nil, err)
		}
	case cluster.DecisionForward, cluster.DecisionMigrating, cluster.DecisionImporting:
		var sender backend.Sender
		if decision.Kind == cluster.DecisionForward {
			sender = h.forwardSender(decision.Shard)
		} else {
			sender = decision.Handle
		}
		if sender == nil {
			ctx.SetResult(protocol.MovedErrReply(decision.Slot, decision.Shard), nil)
			return
		}
		if err := sender.Send(ctx); err != nil {
			var se *backend.SendError
			if asSendError(err, &se) && se.Kind == backend.ErrSlotNotFound {
				ctx.SetResult(protocol.AskErrReply(decision.Slot, decision.Shard), nil)
				return
			}
			ctx.SetResult(nil, err)
		}
	default:
		ctx.SetResult(protocol.StandardErrReply(fmt.Sprintf("CLUSTERDOWN slot %d not covered", decision.Slot)), nil)
	}
}

func asSendError(err error, target **backend.SendError) bool {
	se, ok := err.(*backend.SendError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func (h *CmdHandler) forwardSender(addr string) backend.Sender {
	return h.forwardFactory.Create(addr)
}

// InstallTopology implements AdminTarget: it reconciles the supervisor's
// running migration tasks against the new topology and then atomically
// swaps the router's slot table, in that order, so a freshly-installed
// route is never served by a task that hasn't started yet.
func (h *CmdHandler) InstallTopology(topo *cluster.Topology) error {
	if err := h.supervisor.Reconcile(context.Background(), topo); err != nil {
		return err
	}
	local, others := topo.LocalRangesAndOwners(h.localNodeID)
	h.router.InstallTopology(topo.Epoch, local, others, h.supervisor)
	return nil
}

// ImportingTaskFor implements AdminTarget.
func (h *CmdHandler) ImportingTaskFor(meta cluster.MigrationMeta) (*migration.ImportingTask, bool) {
	return h.supervisor.ImportingTaskFor(meta)
}

// LocalNodeID implements AdminTarget.
func (h *CmdHandler) LocalNodeID() string {
	return h.localNodeID
}
