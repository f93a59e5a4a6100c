package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// maxDrainSteps bounds the follow-up commands processed for one operation.
const maxDrainSteps = 10000

// Config holds controller options.
type Config struct {
	// RetentionLimit caps the node executions kept per run; 0 keeps all.
	RetentionLimit int
	// RestartFailedAtExecutionLimit, see Gate.
	RestartFailedAtExecutionLimit bool
	// LaunchBreaker enables per-task launch circuit breakers when set.
	LaunchBreaker *CircuitBreakerConfig

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Controller drives the run lifecycle. Every operation is serialized per run
// and processed as a queue of explicit commands, each persisting its effect
// before the next runs.
type Controller struct {
	store   store.Store
	events  *store.EventLog
	fsm     *RunFSM
	nodes   *NodeExecutor
	trigger StatusChangeTrigger
	locks   *runLocks
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewController wires a controller. trigger may be nil to disable status
// change notifications.
func NewController(s store.Store, exec Executor, trigger StatusChangeTrigger, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	events := store.NewEventLog(s)

	c := &Controller{
		store:   s,
		events:  events,
		fsm:     NewRunFSM(events),
		trigger: trigger,
		locks:   newRunLocks(),
		logger:  logger,
		tracer:  tracer,
		now:     time.Now,
	}
	c.nodes = &NodeExecutor{
		store:          s,
		events:         events,
		executor:       exec,
		gate:           Gate{RestartFailedAtExecutionLimit: cfg.RestartFailedAtExecutionLimit},
		retentionLimit: cfg.RetentionLimit,
		logger:         logger,
		now:            func() time.Time { return c.now() },
	}
	if cfg.LaunchBreaker != nil {
		c.nodes.breakers = NewLaunchBreakers(*cfg.LaunchBreaker)
	}
	return c
}

// Start creates a run from the workflow's current definition, starts its
// roots and evaluates completion. An empty graph ends SUCCEEDED at once.
func (c *Controller) Start(ctx context.Context, actor identity.Actor, cmd StartRunCommand) (run *store.Run, err error) {
	if err := c.validate(actor, cmd); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.start_run",
		attribute.String(tracing.WorkflowIDKey, cmd.WorkflowID),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	wf, err := c.store.GetWorkflow(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}
	g, err := NewGraph(&wf.Definition)
	if err != nil {
		return nil, err
	}

	run = &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.RunStatusManuallyStarted,
		RunReason:  cmd.Reason,
		StartedBy:  actor.ID,
		Snapshot:   g.Definition(),
		Epoch:      1,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.RunIDKey, run.ID))
	ctx = logging.WithActorID(logging.WithRunID(ctx, run.ID), actor.ID)

	unlock := c.locks.lock(run.ID)
	defer unlock()

	now := c.now().UTC()
	running, initial := schema.RunStatusRunning, schema.RunStatusManuallyStarted
	err = c.fsm.Transition(ctx, run.ID, initial, running, TransitionMeta{
		ActorID: actor.ID,
		Payload: map[string]any{"workflow_id": wf.ID, "reason": cmd.Reason, "epoch": run.Epoch},
	}, func() error {
		return c.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now, ExpectStatus: &initial})
	})
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, c.logger).Info("run started",
		slog.String("workflow_id", wf.ID),
		slog.Int("nodes", g.Len()))

	var cmds []Command
	for _, root := range g.Roots() {
		cmds = append(cmds, startNode(run.ID, root, 0, false))
	}
	cmds = append(cmds, checkComplete(run.ID, false))
	drainErr := c.drain(ctx, actor, g, cmds)

	run, err = c.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return run, drainErr
}

// NodeExecutionCompleted records the reported status of a node execution
// and continues the run. The first terminal status wins; redelivered
// completions re-run the idempotent follow-ups without re-notifying.
func (c *Controller) NodeExecutionCompleted(ctx context.Context, actor identity.Actor, cmd NodeExecutionCompletedCommand) (err error) {
	if err := c.validate(actor, cmd); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.node_execution_completed",
		attribute.String(tracing.NodeExecutionIDKey, cmd.NodeExecutionID),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	ne, err := c.store.GetNodeExecution(ctx, cmd.NodeExecutionID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String(tracing.RunIDKey, ne.RunID), attribute.String(tracing.NodeIDKey, ne.NodeID))
	ctx = logging.WithActorID(logging.WithNodeExecutionID(logging.WithNodeID(logging.WithRunID(ctx, ne.RunID), ne.NodeID), ne.ID), actor.ID)
	log := logging.LogWith(ctx, c.logger)

	unlock := c.locks.lock(ne.RunID)
	defer unlock()

	now := c.now().UTC()
	status := cmd.Status
	duplicate := false
	err = c.store.UpdateNodeExecution(ctx, ne.ID, store.NodeExecutionUpdate{
		Status: &status, ExitCode: cmd.ExitCode, FinishedAt: &now, OnlyIfInProgress: true,
	})
	switch {
	case schema.HasCode(err, schema.ErrCodeConflict):
		duplicate = true
		log.Debug("completion already recorded", slog.String("status", string(status)))
	case err != nil:
		return err
	}

	run, err := c.store.GetRun(ctx, ne.RunID)
	if err != nil {
		return err
	}
	g, err := NewGraph(&run.Snapshot)
	if err != nil {
		return err
	}
	if ne, err = c.store.GetNodeExecution(ctx, ne.ID); err != nil {
		return err
	}

	if !duplicate {
		payload := map[string]any{"node_execution_id": ne.ID, "status": string(ne.Status)}
		if ne.ExitCode != nil {
			payload["exit_code"] = *ne.ExitCode
		}
		c.emit(ctx, run.ID, ne.NodeID, schema.EventNodeFinished, actor, payload)
		log.Info("node execution finished", slog.String("status", string(ne.Status)))
		if node, ok := g.Node(ne.NodeID); ok {
			c.notify(ctx, schema.StatusChange{
				SubjectKind:     schema.SubjectTask,
				SubjectID:       node.TaskName(),
				RunID:           run.ID,
				NodeExecutionID: ne.ID,
				Status:          string(ne.Status),
				OccurredAt:      now,
				Policy:          policyFor(node, run),
			})
		}
	}

	next := checkComplete(run.ID, false)
	if run.Status == schema.RunStatusRunning && ne.IsLatest {
		next = nodeFinished(run.ID, ne.ID)
	}
	return c.drain(ctx, actor, g, []Command{next})
}

// NodeFinished evaluates the outbound transitions of a finished execution
// and activates destinations whose gates fire.
func (c *Controller) NodeFinished(ctx context.Context, actor identity.Actor, nodeExecutionID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.node_finished",
		attribute.String(tracing.NodeExecutionIDKey, nodeExecutionID))
	defer func() { tracing.End(span, err) }()

	ne, err := c.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return c.withRun(ctx, ne.RunID, func(ctx context.Context, run *store.Run, g *Graph) error {
		return c.drain(ctx, actor, g, []Command{nodeFinished(run.ID, ne.ID)})
	})
}

// CheckComplete recomputes the run status.
func (c *Controller) CheckComplete(ctx context.Context, actor identity.Actor, runID string, pendingActivation bool) error {
	return c.withRun(ctx, runID, func(ctx context.Context, run *store.Run, g *Graph) error {
		return c.drain(ctx, actor, g, []Command{checkComplete(run.ID, pendingActivation)})
	})
}

// Retry opens a new epoch: nodes reachable from the seeds (default: roots)
// are invalidated, their in-progress executions cancelled, and each seed is
// re-driven.
func (c *Controller) Retry(ctx context.Context, actor identity.Actor, cmd RetryRunCommand) (err error) {
	if err := c.validate(actor, cmd); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.retry_run",
		attribute.String(tracing.RunIDKey, cmd.RunID),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	return c.withRun(logging.WithActorID(ctx, actor.ID), cmd.RunID, func(ctx context.Context, run *store.Run, g *Graph) error {
		return c.retryLocked(ctx, actor, run, g, cmd.SeedNodeIDs)
	})
}

func (c *Controller) retryLocked(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, seeds []string) error {
	if run.Status != schema.RunStatusRunning && !run.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot retry run in status %s", run.Status).
			WithDetails(map[string]any{"run_id": run.ID})
	}
	if len(seeds) == 0 {
		seeds = g.Roots()
	}
	if err := requireNodes(g, seeds); err != nil {
		return err
	}

	now := c.now().UTC()
	running := schema.RunStatusRunning
	epoch := run.Epoch + 1
	noReason := ""
	update := store.RunUpdate{
		Status: &running, Epoch: &epoch, StartedAt: &now, ClearFinishedAt: true, StopReason: &noReason,
		ExpectVersion: &run.Version,
	}
	meta := TransitionMeta{
		ActorID: actor.ID,
		Event:   schema.EventRunRetried,
		Payload: map[string]any{"epoch": epoch, "seeds": seeds},
	}
	persist := func() error { return c.store.UpdateRun(ctx, run.ID, update) }
	if run.Status == schema.RunStatusRunning {
		if err := persist(); err != nil {
			return err
		}
		c.emit(ctx, run.ID, "", schema.EventRunRetried, actor, meta.Payload)
	} else if err := c.fsm.Transition(ctx, run.ID, run.Status, running, meta, persist); err != nil {
		return err
	}

	inv, err := InvalidateReachable(ctx, c.store, g, run.ID, seeds)
	if err != nil {
		return err
	}
	c.emit(ctx, run.ID, "", schema.EventNodesInvalidated, actor, map[string]any{
		"seeds": seeds, "nodes": inv.Nodes, "invalidated": inv.Invalidated,
	})
	logging.LogWith(ctx, c.logger).Info("run retried",
		slog.Int("epoch", epoch),
		slog.Int("invalidated", int(inv.Invalidated)),
		slog.Int("cancelled", len(inv.InProgress)))

	var cmds []Command
	for _, ne := range inv.InProgress {
		cmds = append(cmds, cancelExecution(run.ID, ne.ID))
	}
	for _, seed := range seeds {
		cmds = append(cmds, retryNode(run.ID, seed))
	}
	cmds = append(cmds, checkComplete(run.ID, false))
	return c.drain(ctx, actor, g, cmds)
}

// Stop moves a running run to STOPPING and requests cancellation of its
// in-progress executions. The run becomes STOPPED once none remain in
// progress.
func (c *Controller) Stop(ctx context.Context, actor identity.Actor, cmd StopRunCommand) (err error) {
	if err := c.validate(actor, cmd); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.stop_run",
		attribute.String(tracing.RunIDKey, cmd.RunID),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	return c.withRun(logging.WithActorID(ctx, actor.ID), cmd.RunID, func(ctx context.Context, run *store.Run, g *Graph) error {
		if run.Status == schema.RunStatusStopping {
			return nil
		}
		from := run.Status
		stopping := schema.RunStatusStopping
		reason := cmd.Reason
		err := c.fsm.Transition(ctx, run.ID, from, stopping, TransitionMeta{
			ActorID: actor.ID,
			Payload: map[string]any{"reason": reason},
		}, func() error {
			return c.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &stopping, StopReason: &reason, ExpectStatus: &from})
		})
		if err != nil {
			return err
		}

		inProgress, err := c.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: run.ID, LatestOnly: true, InProgressOnly: true})
		if err != nil {
			return err
		}
		logging.LogWith(ctx, c.logger).Info("run stopping",
			slog.String("reason", reason),
			slog.Int("in_progress", len(inProgress)))

		var cmds []Command
		for _, ne := range inProgress {
			cmds = append(cmds, cancelExecution(run.ID, ne.ID))
		}
		cmds = append(cmds, checkComplete(run.ID, false))
		return c.drain(ctx, actor, g, cmds)
	})
}

// HandleTimeout counts a timeout against the run and either retries it or,
// once timed_out_attempts + failed_attempts reaches max_retries, ends it
// TIMED_OUT.
func (c *Controller) HandleTimeout(ctx context.Context, actor identity.Actor, runID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.handle_timeout",
		attribute.String(tracing.RunIDKey, runID),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	return c.withRun(logging.WithActorID(ctx, actor.ID), runID, func(ctx context.Context, run *store.Run, g *Graph) error {
		return c.handleTimeoutLocked(ctx, actor, run, g)
	})
}

func (c *Controller) handleTimeoutLocked(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph) error {
	if run.Status != schema.RunStatusRunning {
		return nil
	}
	// The retry budget is judged on the attempts made before this timeout.
	retry := run.TimedOutAttempts+run.FailedAttempts < run.Snapshot.MaxRetries

	attempts := run.TimedOutAttempts + 1
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{TimedOutAttempts: &attempts, ExpectVersion: &run.Version}); err != nil {
		return err
	}
	run, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}

	log := logging.LogWith(ctx, c.logger)
	if retry {
		log.Info("run timed out, retrying",
			slog.Int("timed_out_attempts", run.TimedOutAttempts),
			slog.Int("max_retries", run.Snapshot.MaxRetries))
		return c.retryLocked(ctx, actor, run, g, nil)
	}

	log.Warn("run timed out", slog.Int("timed_out_attempts", run.TimedOutAttempts))
	cmds, err := c.finish(ctx, actor, run, StatusResult{Status: schema.RunStatusTimedOut})
	if err != nil {
		return err
	}
	return c.drain(ctx, actor, g, cmds)
}

// StartNodes force-starts nodes of a run, reopening a terminal run into a
// new epoch first. Nodes reachable from them are invalidated; nodes already
// in progress are left alone.
func (c *Controller) StartNodes(ctx context.Context, actor identity.Actor, cmd StartNodesCommand) (err error) {
	if err := c.validate(actor, cmd); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, "engine.start_nodes",
		attribute.String(tracing.RunIDKey, cmd.RunID),
		attribute.StringSlice(tracing.NodeIDKey, cmd.NodeIDs),
		attribute.String(tracing.ActorIDKey, actor.ID))
	defer func() { tracing.End(span, err) }()

	return c.withRun(logging.WithActorID(ctx, actor.ID), cmd.RunID, func(ctx context.Context, run *store.Run, g *Graph) error {
		if err := requireNodes(g, cmd.NodeIDs); err != nil {
			return err
		}
		if err := c.reopen(ctx, actor, run, cmd.NodeIDs); err != nil {
			return err
		}

		inv, err := InvalidateReachable(ctx, c.store, g, run.ID, cmd.NodeIDs)
		if err != nil {
			return err
		}
		c.emit(ctx, run.ID, "", schema.EventNodesInvalidated, actor, map[string]any{
			"seeds": cmd.NodeIDs, "nodes": inv.Nodes, "invalidated": inv.Invalidated,
		})

		var cmds []Command
		for _, ne := range inv.InProgress {
			cmds = append(cmds, cancelExecution(run.ID, ne.ID))
		}
		for _, id := range cmd.NodeIDs {
			hw, err := ledgerHighWater(ctx, c.store, run.ID, id)
			if err != nil {
				return err
			}
			start := startNode(run.ID, id, hw, false)
			start.Force = true
			cmds = append(cmds, start)
		}
		cmds = append(cmds, checkComplete(run.ID, true))
		return c.drain(ctx, actor, g, cmds)
	})
}

// reopen brings a non-running run back to RUNNING for a manual start.
func (c *Controller) reopen(ctx context.Context, actor identity.Actor, run *store.Run, nodeIDs []string) error {
	from := run.Status
	running := schema.RunStatusRunning
	now := c.now().UTC()

	switch {
	case from == schema.RunStatusRunning:
		return nil
	case from == schema.RunStatusManuallyStarted:
		return c.fsm.Transition(ctx, run.ID, from, running, TransitionMeta{ActorID: actor.ID}, func() error {
			return c.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now, ExpectStatus: &from})
		})
	case from.IsTerminal():
		epoch := run.Epoch + 1
		noReason := ""
		err := c.fsm.Transition(ctx, run.ID, from, running, TransitionMeta{
			ActorID: actor.ID,
			Event:   schema.EventRunReopened,
			Payload: map[string]any{"epoch": epoch, "nodes": nodeIDs},
		}, func() error {
			return c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
				Status: &running, Epoch: &epoch, ClearFinishedAt: true, StopReason: &noReason, ExpectStatus: &from,
			})
		})
		if err == nil {
			run.Epoch = epoch
		}
		return err
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot start nodes of run in status %s", from).
			WithDetails(map[string]any{"run_id": run.ID})
	}
}

// SweepTimeouts handles every RUNNING run whose current attempt exceeded
// timeout_seconds. Each run is re-read under its lock and skipped when it
// changed since listing. Returns the number of runs handled.
func (c *Controller) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	running := schema.RunStatusRunning
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return 0, err
	}

	actor := identity.Scheduler()
	handled := 0
	var first error
	for _, listed := range runs {
		timeout := listed.Snapshot.TimeoutSeconds
		if timeout <= 0 || listed.StartedAt == nil {
			continue
		}
		if now.Before(listed.StartedAt.Add(time.Duration(timeout) * time.Second)) {
			continue
		}
		err := c.withRun(ctx, listed.ID, func(ctx context.Context, run *store.Run, g *Graph) error {
			if run.Version != listed.Version {
				logging.LogWith(ctx, c.logger).Debug("run changed since sweep listing, skipping")
				return nil
			}
			handled++
			return c.handleTimeoutLocked(ctx, actor, run, g)
		})
		if err != nil {
			logging.LogWith(logging.WithRunID(ctx, listed.ID), c.logger).Warn("timeout sweep failed",
				slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return handled, first
}

// withRun locks runID, loads the run and its graph, and calls fn.
func (c *Controller) withRun(ctx context.Context, runID string, fn func(ctx context.Context, run *store.Run, g *Graph) error) error {
	unlock := c.locks.lock(runID)
	defer unlock()

	ctx = logging.WithRunID(ctx, runID)
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	g, err := NewGraph(&run.Snapshot)
	if err != nil {
		return err
	}
	return fn(ctx, run, g)
}

// drain processes cmds depth-first: the follow-ups of a command run before
// the commands queued after it, so a CheckComplete issued by an operation
// observes the activations its earlier commands caused. A failing command
// does not stop the rest; the first error is returned once the queue is empty.
func (c *Controller) drain(ctx context.Context, actor identity.Actor, g *Graph, queue []Command) error {
	var first error
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxDrainSteps {
			return schema.NewErrorf(schema.ErrCodeExecution, "command queue exceeded %d steps", maxDrainSteps)
		}
		cmd := queue[0]
		queue = queue[1:]

		next, err := c.step(ctx, actor, g, cmd)
		queue = append(next, queue...)
		if err != nil {
			logging.LogWith(ctx, c.logger).Warn("command failed",
				slog.String("command", string(cmd.Kind)),
				slog.String("node_id", cmd.NodeID),
				slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Controller) step(ctx context.Context, actor identity.Actor, g *Graph, cmd Command) ([]Command, error) {
	run, err := c.store.GetRun(ctx, cmd.RunID)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case CmdStartNode:
		if run.Status != schema.RunStatusRunning {
			return nil, nil
		}
		return c.nodes.Start(ctx, actor, run, g, cmd)
	case CmdRetryNode:
		if run.Status != schema.RunStatusRunning {
			return nil, nil
		}
		return c.nodes.RetryIfUnsuccessful(ctx, actor, run, g, cmd.NodeID)
	case CmdNodeFinished:
		return c.nodeFinished(ctx, actor, run, g, cmd.NodeExecutionID)
	case CmdCheckComplete:
		return c.checkComplete(ctx, actor, run, g, cmd.PendingActivation)
	case CmdCancelExecution:
		return nil, c.nodes.Cancel(ctx, actor, run.ID, cmd.NodeExecutionID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "unknown command kind %q", cmd.Kind)
	}
}

// nodeFinished records one ledger row per outbound edge of the execution and
// activates each destination whose gate now fires. Errors for one edge or
// destination are deferred so the others still proceed.
func (c *Controller) nodeFinished(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, nodeExecutionID string) ([]Command, error) {
	ne, err := c.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusRunning || !ne.IsLatest || ne.Status.IsInProgress() {
		return []Command{checkComplete(run.ID, false)}, nil
	}
	if _, ok := g.Node(ne.NodeID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in run snapshot", ne.NodeID).WithNode(ne.NodeID)
	}
	ctx = logging.WithNodeExecutionID(logging.WithNodeID(ctx, ne.NodeID), ne.ID)

	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}

	outcome := Outcome{Status: ne.Status, ExitCode: ne.ExitCode}
	anyFired := false
	var dests []string
	seen := make(map[string]bool)
	for _, edge := range orderForEvaluation(g.OutboundEdges(ne.NodeID)) {
		result, err := EvaluateTransition(edge, outcome, anyFired)
		if err != nil {
			keep(withNode(err, ne.NodeID))
			continue
		}
		ev := &store.TransitionEvaluation{
			RunID:             run.ID,
			EdgeID:            edge.ID,
			FromNodeID:        edge.From,
			ToNodeID:          edge.To,
			SourceExecutionID: ne.ID,
			Epoch:             run.Epoch,
			Result:            result,
		}
		created, err := c.store.RecordTransitionEvaluation(ctx, ev)
		if err != nil {
			keep(err)
			continue
		}
		if created {
			c.emit(ctx, run.ID, ne.NodeID, schema.EventTransitionEvaluated, actor, map[string]any{
				"edge_id": edge.ID, "to": edge.To, "rule_type": string(edge.Rule), "result": ev.Result, "seq": ev.Seq,
			})
		}
		if !ev.Result {
			continue
		}
		if edge.Rule != schema.RuleDefault {
			anyFired = true
		}
		if !seen[edge.To] {
			seen[edge.To] = true
			dests = append(dests, edge.To)
		}
	}

	var cmds []Command
	for _, dest := range dests {
		next, err := c.activate(ctx, actor, run, g, dest)
		if err != nil {
			keep(err)
			continue
		}
		cmds = append(cmds, next...)
	}
	return append(cmds, checkComplete(run.ID, len(cmds) > 0)), first
}

// activate applies the gate and admission check to a destination node.
func (c *Controller) activate(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, nodeID string) ([]Command, error) {
	node, _ := g.Node(nodeID)
	st, err := loadNodeState(ctx, c.store, run, nodeID)
	if err != nil {
		return nil, err
	}
	if st.inProgress() {
		return nil, nil
	}
	// Outside a loop, a node without a max_complete_executions bound
	// activates once per epoch; later firings do not start it again.
	if st.latest != nil && st.latest.Epoch == run.Epoch && node.MaxCompleteExecutions <= 0 && !g.OnCycle(nodeID) {
		c.emit(ctx, run.ID, nodeID, schema.EventNodeSkipped, actor, map[string]any{
			"reason": "activated_this_epoch", "node_execution_id": st.latest.ID,
		})
		return nil, nil
	}

	fired, seq, err := firedInbound(ctx, c.store, g, run.ID, nodeID, st.latest)
	if err != nil {
		return nil, err
	}
	ok, err := c.nodes.gate.Fires(node, g.InboundEdges(nodeID), fired)
	if err != nil || !ok {
		return nil, err
	}

	switch c.nodes.gate.Admit(node, st.completed, false, st.latestSucceeded) {
	case AdmitSkip:
		c.emit(ctx, run.ID, nodeID, schema.EventNodeSkipped, actor, map[string]any{
			"completed": st.completed, "max_complete_executions": node.MaxCompleteExecutions,
		})
		return nil, nil
	case AdmitRedrive:
		if st.latest != nil {
			c.emit(ctx, run.ID, nodeID, schema.EventNodeRedriven, actor, map[string]any{"node_execution_id": st.latest.ID})
			return []Command{nodeFinished(run.ID, st.latest.ID)}, nil
		}
	}
	start := startNode(run.ID, nodeID, seq, false)
	start.Force = true
	return []Command{start}, nil
}

// checkComplete finalizes a STOPPING run once nothing is in progress, and
// otherwise aggregates node outcomes into the run status. An aggregation
// error forces the run to FAILED.
func (c *Controller) checkComplete(ctx context.Context, actor identity.Actor, run *store.Run, g *Graph, pending bool) ([]Command, error) {
	switch run.Status {
	case schema.RunStatusStopping:
		inProgress, err := c.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: run.ID, LatestOnly: true, InProgressOnly: true})
		if err != nil {
			return nil, err
		}
		if len(inProgress) > 0 {
			return nil, nil
		}
		return c.finish(ctx, actor, run, StatusResult{Status: schema.RunStatusStopped})
	case schema.RunStatusRunning:
	default:
		return nil, nil
	}

	result, err := c.aggregate(ctx, run, g, pending)
	if err != nil {
		logging.LogWith(ctx, c.logger).Error("status aggregation failed, failing run", slog.String("error", err.Error()))
		result = StatusResult{Status: schema.RunStatusFailed}
	}
	if result.Status == schema.RunStatusRunning {
		return nil, nil
	}
	return c.finish(ctx, actor, run, result)
}

func (c *Controller) aggregate(ctx context.Context, run *store.Run, g *Graph, pending bool) (StatusResult, error) {
	latest, err := c.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: run.ID, LatestOnly: true})
	if err != nil {
		return StatusResult{}, err
	}
	var outcomes []NodeOutcome
	for _, ne := range latest {
		if ne.Status == schema.ExecutionStatusSucceeded {
			continue
		}
		node, ok := g.Node(ne.NodeID)
		if !ok {
			return StatusResult{}, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in run snapshot", ne.NodeID).WithNode(ne.NodeID)
		}
		o := NodeOutcome{Node: node, Status: ne.Status}
		if ne.Status.IsFailure() {
			fired, err := c.store.ListTransitionEvaluations(ctx, store.TransitionEvaluationFilter{
				RunID: run.ID, SourceExecutionID: ne.ID, FiredOnly: true,
			})
			if err != nil {
				return StatusResult{}, err
			}
			o.WasHandled = len(fired) > 0
		}
		outcomes = append(outcomes, o)
	}
	return AggregateStatus(outcomes, pending)
}

// finish moves the run to a terminal status, cancels what is still running
// and reports the run-level status change.
func (c *Controller) finish(ctx context.Context, actor identity.Actor, run *store.Run, result StatusResult) ([]Command, error) {
	from, to := run.Status, result.Status
	now := c.now().UTC()
	update := store.RunUpdate{Status: &to, FinishedAt: &now, ExpectStatus: &from}
	if to == schema.RunStatusFailed {
		attempts := run.FailedAttempts + 1
		update.FailedAttempts = &attempts
	}
	err := c.fsm.Transition(ctx, run.ID, from, to, TransitionMeta{
		ActorID: actor.ID,
		Payload: map[string]any{
			"deciding_node_id": result.DecidingNodeID,
			"short_circuit":    result.ShortCircuit,
			"epoch":            run.Epoch,
		},
	}, func() error {
		return c.store.UpdateRun(ctx, run.ID, update)
	})
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, c.logger).Info("run finished",
		slog.String("status", string(to)),
		slog.String("deciding_node_id", result.DecidingNodeID),
		slog.Bool("short_circuit", result.ShortCircuit))

	inProgress, err := c.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: run.ID, LatestOnly: true, InProgressOnly: true})
	if err != nil {
		return nil, err
	}
	var cmds []Command
	for _, ne := range inProgress {
		cmds = append(cmds, cancelExecution(run.ID, ne.ID))
	}

	c.notify(ctx, schema.StatusChange{
		SubjectKind: schema.SubjectWorkflow,
		SubjectID:   run.WorkflowID,
		RunID:       run.ID,
		Status:      string(to),
		OccurredAt:  now,
		Policy:      run.Snapshot.Postponement,
	})
	return cmds, nil
}

// notify hands a status change to the trigger. Failures never block the run.
func (c *Controller) notify(ctx context.Context, change schema.StatusChange) {
	if c.trigger == nil {
		return
	}
	if err := c.trigger.Trigger(ctx, change); err != nil {
		logging.LogWith(ctx, c.logger).Warn("status change trigger failed",
			slog.String("subject_kind", string(change.SubjectKind)),
			slog.String("subject_id", change.SubjectID),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) emit(ctx context.Context, runID, nodeID string, typ schema.EventType, actor identity.Actor, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := c.events.AppendEvent(ctx, &store.Event{
		RunID: runID, NodeID: nodeID, Type: typ, Payload: raw, ActorID: actor.ID,
	}); err != nil {
		logging.LogWith(ctx, c.logger).Warn("append event failed",
			slog.String("event_type", string(typ)),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) validate(actor identity.Actor, cmd any) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	return validation.ValidateCommand(cmd)
}

func policyFor(node *schema.NodeDefinition, run *store.Run) *schema.PostponementPolicy {
	if node.Postponement != nil {
		return node.Postponement
	}
	return run.Snapshot.Postponement
}

func requireNodes(g *Graph, ids []string) error {
	for _, id := range ids {
		if _, ok := g.Node(id); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %q not in run snapshot", id).WithNode(id)
		}
	}
	return nil
}

func withNode(err error, nodeID string) error {
	var oe *schema.OpcodeError
	if errors.As(err, &oe) && oe.NodeID == "" {
		return oe.WithNode(nodeID)
	}
	return err
}

// runLocks is a keyed mutex serializing work per run ID.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

func (l *runLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &runLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
