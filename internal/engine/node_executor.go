package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// NodeExecutor creates node executions and hands them to the Executor,
// keeping at most one latest execution per (run, node).
type NodeExecutor struct {
	store          store.Store
	events         EventAppender
	executor       Executor
	gate           Gate
	breakers       *LaunchBreakers
	retentionLimit int
	logger         *slog.Logger
	now            func() time.Time
}

// Start handles a StartNode command. Unless forced, the node's admission is
// checked first; a node whose latest execution is in progress is never
// started again. A launch failure marks the new execution FAILED and returns
// a NodeFinished follow-up so its failure transitions are evaluated.
func (x *NodeExecutor) Start(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, cmd Command) ([]Command, error) {
	node, ok := g.Node(cmd.NodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in run snapshot", cmd.NodeID).WithNode(cmd.NodeID)
	}
	ctx = logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(ctx, x.logger)

	st, err := loadNodeState(ctx, x.store, run, node.ID)
	if err != nil {
		return nil, err
	}
	if st.inProgress() {
		log.Debug("node already in progress, not starting", slog.String("node_execution_id", st.latest.ID))
		return nil, nil
	}

	if !cmd.Force {
		switch x.gate.Admit(node, st.completed, cmd.RetryMode, st.latestSucceeded) {
		case AdmitSkip:
			x.emit(ctx, run.ID, node.ID, schema.EventNodeSkipped, actor, map[string]any{
				"completed": st.completed, "max_complete_executions": node.MaxCompleteExecutions,
			})
			return nil, nil
		case AdmitRedrive:
			if st.latest == nil {
				break
			}
			x.emit(ctx, run.ID, node.ID, schema.EventNodeRedriven, actor, map[string]any{"node_execution_id": st.latest.ID})
			return []Command{nodeFinished(run.ID, st.latest.ID)}, nil
		}
	}

	x.purge(ctx, run.ID)

	ne := &store.NodeExecution{
		ID:            uuid.New().String(),
		RunID:         run.ID,
		NodeID:        node.ID,
		Epoch:         run.Epoch,
		Status:        schema.ExecutionStatusManuallyStarted,
		ActivationSeq: cmd.ActivationSeq,
		StartedBy:     actor.ID,
	}
	if err := x.store.CreateNodeExecution(ctx, ne); err != nil {
		return nil, err
	}
	ctx = logging.WithNodeExecutionID(ctx, ne.ID)

	handle, launchErr := x.launch(ctx, run, node, ne.ID)
	now := x.now().UTC()
	if launchErr != nil {
		logging.LogWith(ctx, x.logger).Warn("node launch failed", slog.String("error", launchErr.Error()))
		failed := schema.ExecutionStatusFailed
		msg := launchErr.Error()
		if err := x.store.UpdateNodeExecution(ctx, ne.ID, store.NodeExecutionUpdate{
			Status: &failed, Error: &msg, FinishedAt: &now, OnlyIfInProgress: true,
		}); err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
		x.emit(ctx, run.ID, node.ID, schema.EventNodeLaunchFailed, actor, map[string]any{
			"node_execution_id": ne.ID, "error": msg,
		})
		return []Command{nodeFinished(run.ID, ne.ID)}, nil
	}

	running := schema.ExecutionStatusRunning
	err = x.store.UpdateNodeExecution(ctx, ne.ID, store.NodeExecutionUpdate{
		Status: &running, ExecutionHandle: &handle, StartedAt: &now, OnlyIfInProgress: true,
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		// Already finished; keep the reported status, record the handle only.
		err = x.store.UpdateNodeExecution(ctx, ne.ID, store.NodeExecutionUpdate{ExecutionHandle: &handle})
	}
	if err != nil {
		return nil, err
	}
	x.emit(ctx, run.ID, node.ID, schema.EventNodeStarted, actor, map[string]any{
		"node_execution_id": ne.ID, "execution_handle": handle, "activation_seq": ne.ActivationSeq, "epoch": ne.Epoch,
	})
	return nil, nil
}

// RetryIfUnsuccessful re-drives a retry seed. An in-progress node is left
// alone and a succeeded one has its transitions re-evaluated without
// re-running work; anything else is started again, subject to admission in
// retry mode.
func (x *NodeExecutor) RetryIfUnsuccessful(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, nodeID string) ([]Command, error) {
	node, ok := g.Node(nodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in run snapshot", nodeID).WithNode(nodeID)
	}
	ctx = logging.WithNodeID(ctx, nodeID)

	st, err := loadNodeState(ctx, x.store, run, nodeID)
	if err != nil {
		return nil, err
	}
	if st.inProgress() {
		return nil, nil
	}

	admission := x.gate.Admit(node, st.completed, true, st.latestSucceeded)
	switch {
	case admission == AdmitSkip:
		x.emit(ctx, run.ID, nodeID, schema.EventNodeSkipped, actor, map[string]any{
			"completed": st.completed, "max_complete_executions": node.MaxCompleteExecutions, "retry": true,
		})
		return nil, nil
	case st.latest != nil && (admission == AdmitRedrive || st.latestSucceeded):
		x.emit(ctx, run.ID, nodeID, schema.EventNodeRedriven, actor, map[string]any{"node_execution_id": st.latest.ID})
		return []Command{nodeFinished(run.ID, st.latest.ID)}, nil
	}

	hw, err := ledgerHighWater(ctx, x.store, run.ID, nodeID)
	if err != nil {
		return nil, err
	}
	cmd := startNode(run.ID, nodeID, hw, true)
	cmd.Force = true
	return []Command{cmd}, nil
}

// Cancel moves an in-progress execution to STOPPING and asks the Executor to
// cancel it. Executor errors are logged only.
func (x *NodeExecutor) Cancel(ctx context.Context, actor identity.Actor, runID, nodeExecutionID string) error {
	ne, err := x.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if !ne.Status.IsInProgress() {
		return nil
	}
	ctx = logging.WithNodeExecutionID(logging.WithNodeID(ctx, ne.NodeID), ne.ID)

	stopping := schema.ExecutionStatusStopping
	if err := x.store.UpdateNodeExecution(ctx, ne.ID, store.NodeExecutionUpdate{
		Status: &stopping, OnlyIfInProgress: true,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}

	if ne.ExecutionHandle != "" {
		if err := x.executor.Cancel(ctx, ne.ExecutionHandle); err != nil {
			logging.LogWith(ctx, x.logger).Warn("executor cancel failed",
				slog.String("execution_handle", ne.ExecutionHandle),
				slog.String("error", err.Error()))
		}
	}
	x.emit(ctx, runID, ne.NodeID, schema.EventNodeCancelRequested, actor, map[string]any{
		"node_execution_id": ne.ID, "execution_handle": ne.ExecutionHandle,
	})
	return nil
}

func (x *NodeExecutor) launch(ctx context.Context, run *store.Run, node *schema.NodeDefinition, nodeExecutionID string) (string, error) {
	task := node.TaskName()
	if x.breakers != nil {
		if err := x.breakers.Allow(task); err != nil {
			return "", err
		}
	}
	handle, err := x.executor.Start(ctx, StartRequest{Run: run, Node: node, NodeExecutionID: nodeExecutionID})
	if x.breakers != nil {
		if err != nil {
			x.breakers.RecordFailure(task)
		} else {
			x.breakers.RecordSuccess(task)
		}
	}
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "launch task %q: %s", task, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	return handle, nil
}

// purge deletes the oldest superseded executions of a run so that, after the
// next insert, at most retentionLimit rows remain. Failures are logged per
// row and skipped.
func (x *NodeExecutor) purge(ctx context.Context, runID string) {
	if x.retentionLimit <= 0 {
		return
	}
	execs, err := x.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: runID})
	if err != nil {
		logging.LogWith(ctx, x.logger).Warn("retention purge: list executions failed", slog.String("error", err.Error()))
		return
	}
	excess := len(execs) - x.retentionLimit + 1
	for _, ne := range execs {
		if excess <= 0 {
			return
		}
		if ne.IsLatest || ne.Status.IsInProgress() {
			continue
		}
		if err := x.store.DeleteNodeExecution(ctx, ne.ID); err != nil {
			logging.LogWith(ctx, x.logger).Warn("retention purge: delete failed",
				slog.String("node_execution_id", ne.ID),
				slog.String("error", err.Error()))
			continue
		}
		excess--
	}
}

func (x *NodeExecutor) emit(ctx context.Context, runID, nodeID string, typ schema.EventType, actor identity.Actor, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := x.events.AppendEvent(ctx, &store.Event{
		RunID: runID, NodeID: nodeID, Type: typ, Payload: raw, ActorID: actor.ID,
	}); err != nil {
		logging.LogWith(ctx, x.logger).Warn("append event failed",
			slog.String("event_type", string(typ)),
			slog.String("error", err.Error()))
	}
}
