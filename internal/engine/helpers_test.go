package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// recordingExecutor accepts every launch and records it. Tasks listed in
// failTasks fail to launch.
type recordingExecutor struct {
	mu        sync.Mutex
	starts    []StartRequest
	cancels   []string
	failTasks map[string]bool
}

func (e *recordingExecutor) Start(_ context.Context, req StartRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failTasks[req.Node.TaskName()] {
		return "", errors.New("launcher unavailable")
	}
	e.starts = append(e.starts, req)
	return "handle-" + req.NodeExecutionID, nil
}

func (e *recordingExecutor) Cancel(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, handle)
	return nil
}

func (e *recordingExecutor) startsOf(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.starts {
		if s.Node.ID == nodeID {
			n++
		}
	}
	return n
}

func (e *recordingExecutor) cancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

type capturingTrigger struct {
	mu      sync.Mutex
	changes []schema.StatusChange
}

func (c *capturingTrigger) Trigger(_ context.Context, change schema.StatusChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
	return nil
}

func (c *capturingTrigger) of(kind schema.SubjectKind) []schema.StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.StatusChange
	for _, ch := range c.changes {
		if ch.SubjectKind == kind {
			out = append(out, ch)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	ctrl    *Controller
	store   *store.MemoryStore
	exec    *recordingExecutor
	trigger *capturingTrigger
	actor   identity.Actor
	clock   time.Time
}

func newHarness(t *testing.T, def schema.WorkflowDefinition, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   store.NewMemoryStore(),
		exec:    &recordingExecutor{failTasks: map[string]bool{}},
		trigger: &capturingTrigger{},
		actor:   identity.Human("tester"),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h.ctrl = NewController(h.store, h.exec, h.trigger, cfg)
	h.ctrl.now = func() time.Time { return h.clock }

	if def.ID == "" {
		def.ID = "wf"
	}
	require.NoError(t, h.store.SaveWorkflow(h.ctx, &store.Workflow{ID: def.ID, Definition: def}))
	return h
}

func (h *harness) start() *store.Run {
	h.t.Helper()
	run, err := h.ctrl.Start(h.ctx, h.actor, StartRunCommand{WorkflowID: "wf", Reason: "test"})
	require.NoError(h.t, err)
	return run
}

func (h *harness) run(id string) *store.Run {
	h.t.Helper()
	run, err := h.store.GetRun(h.ctx, id)
	require.NoError(h.t, err)
	return run
}

// latest returns the latest execution of node, or nil.
func (h *harness) latest(runID, nodeID string) *store.NodeExecution {
	h.t.Helper()
	execs, err := h.store.ListNodeExecutions(h.ctx, store.NodeExecutionFilter{RunID: runID, NodeID: nodeID, LatestOnly: true})
	require.NoError(h.t, err)
	require.LessOrEqual(h.t, len(execs), 1, "more than one latest execution for %s", nodeID)
	if len(execs) == 0 {
		return nil
	}
	return execs[0]
}

func (h *harness) executions(runID, nodeID string) []*store.NodeExecution {
	h.t.Helper()
	execs, err := h.store.ListNodeExecutions(h.ctx, store.NodeExecutionFilter{RunID: runID, NodeID: nodeID})
	require.NoError(h.t, err)
	return execs
}

// finish reports status for the latest execution of node.
func (h *harness) finish(runID, nodeID string, status schema.ExecutionStatus) error {
	h.t.Helper()
	ne := h.latest(runID, nodeID)
	require.NotNil(h.t, ne, "node %s has no execution", nodeID)
	return h.ctrl.NodeExecutionCompleted(h.ctx, h.actor, NodeExecutionCompletedCommand{NodeExecutionID: ne.ID, Status: status})
}

func (h *harness) mustFinish(runID, nodeID string, status schema.ExecutionStatus) {
	h.t.Helper()
	require.NoError(h.t, h.finish(runID, nodeID, status))
}

func (h *harness) ledger(runID string) []*store.TransitionEvaluation {
	h.t.Helper()
	rows, err := h.store.ListTransitionEvaluations(h.ctx, store.TransitionEvaluationFilter{RunID: runID})
	require.NoError(h.t, err)
	return rows
}

func nodes(ids ...string) []schema.NodeDefinition {
	out := make([]schema.NodeDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, schema.NodeDefinition{ID: id})
	}
	return out
}

func edge(from, to string, rule schema.RuleType) schema.EdgeDefinition {
	return schema.EdgeDefinition{ID: from + "-" + to, From: from, To: to, Rule: rule}
}
