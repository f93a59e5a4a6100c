package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

// runConformance exercises the Store contract against any implementation.
func runConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Workflows", func(t *testing.T) { testWorkflows(t, newStore(t)) })
	t.Run("RunConditionalUpdate", func(t *testing.T) { testRunConditionalUpdate(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("SingleLatestExecution", func(t *testing.T) { testSingleLatestExecution(t, newStore(t)) })
	t.Run("InvalidateExecutions", func(t *testing.T) { testInvalidateExecutions(t, newStore(t)) })
	t.Run("OnlyIfInProgress", func(t *testing.T) { testOnlyIfInProgress(t, newStore(t)) })
	t.Run("LedgerIdempotent", func(t *testing.T) { testLedgerIdempotent(t, newStore(t)) })
	t.Run("PostponedEvents", func(t *testing.T) { testPostponedEvents(t, newStore(t)) })
	t.Run("NotificationAttempts", func(t *testing.T) { testNotificationAttempts(t, newStore(t)) })
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, newStore(t)) })
}

func sampleDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:    "wf-1",
		Name:  "nightly",
		Nodes: []schema.NodeDefinition{{ID: "a"}, {ID: "b"}},
		Edges: []schema.EdgeDefinition{{ID: "a-b", From: "a", To: "b", Rule: schema.RuleOnSuccess}},
	}
}

func seedRun(t *testing.T, s Store) *Run {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: "wf-1",
		Status:     schema.RunStatusRunning,
		RunReason:  "manual",
		StartedBy:  "tester",
		Snapshot:   sampleDefinition(),
		StartedAt:  &now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedExecution(t *testing.T, s Store, runID, nodeID string) *NodeExecution {
	t.Helper()
	ne := &NodeExecution{
		ID:     uuid.New().String(),
		RunID:  runID,
		NodeID: nodeID,
		Status: schema.ExecutionStatusRunning,
	}
	require.NoError(t, s.CreateNodeExecution(context.Background(), ne))
	return ne
}

func testWorkflows(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))

	wf := &Workflow{ID: "wf-1", Name: "nightly", Definition: sampleDefinition()}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	wf.Name = "nightly-v2"
	wf.Definition.Nodes = append(wf.Definition.Nodes, schema.NodeDefinition{ID: "c"})
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-v2", got.Name)
	assert.Len(t, got.Definition.Nodes, 3)
	assert.Equal(t, schema.RuleOnSuccess, got.Definition.Edges[0].Rule)

	all, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testRunConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "tester", got.StartedBy)
	assert.Len(t, got.Snapshot.Nodes, 2)
	version := got.Version

	stopping := schema.RunStatusStopping
	running := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &stopping, ExpectStatus: &running}))

	// A second writer still expecting RUNNING loses.
	err = s.UpdateRun(ctx, run.ID, RunUpdate{Status: &stopping, ExpectStatus: &running})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, ExpectVersion: &version})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &running})
	assert.True(t, schema.IsNotFound(err))

	finished := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{FinishedAt: &finished}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, version+2, got.Version)

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{ClearFinishedAt: true}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinishedAt)
}

func testListRuns(t *testing.T, s Store) {
	ctx := context.Background()
	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	succeeded := schema.RunStatusSucceeded
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{Status: &succeeded}))

	running := schema.RunStatusRunning
	runs, err := s.ListRuns(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.ID, runs[0].ID)

	past := time.Now().UTC().Add(-time.Hour)
	runs, err = s.ListRuns(ctx, RunFilter{StartedBefore: &past})
	require.NoError(t, err)
	assert.Empty(t, runs)

	future := time.Now().UTC().Add(time.Hour)
	runs, err = s.ListRuns(ctx, RunFilter{StartedBefore: &future, WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func testSingleLatestExecution(t *testing.T, s Store) {
	ctx := context.Background()
	run := seedRun(t, s)

	first := seedExecution(t, s, run.ID, "a")
	second := seedExecution(t, s, run.ID, "a")
	other := seedExecution(t, s, run.ID, "b")

	got, err := s.GetNodeExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLatest)

	latest, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{RunID: run.ID, NodeID: "a", LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, second.ID, latest[0].ID)

	stale, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{RunID: run.ID, NotLatestOnly: true})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.ID, stale[0].ID)

	got, err = s.GetNodeExecution(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)

	require.NoError(t, s.DeleteNodeExecution(ctx, first.ID))
	_, err = s.GetNodeExecution(ctx, first.ID)
	assert.True(t, schema.IsNotFound(err))
}

func testInvalidateExecutions(t *testing.T, s Store) {
	ctx := context.Background()
	run := seedRun(t, s)
	a := seedExecution(t, s, run.ID, "a")
	b := seedExecution(t, s, run.ID, "b")

	n, err := s.InvalidateNodeExecutions(ctx, run.ID, []string{"b", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetNodeExecution(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLatest)

	got, err = s.GetNodeExecution(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)

	n, err = s.InvalidateNodeExecutions(ctx, run.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testOnlyIfInProgress(t *testing.T, s Store) {
	ctx := context.Background()
	run := seedRun(t, s)
	ne := seedExecution(t, s, run.ID, "a")

	failed := schema.ExecutionStatusFailed
	code := 3
	now := time.Now().UTC()
	require.NoError(t, s.UpdateNodeExecution(ctx, ne.ID, NodeExecutionUpdate{
		Status: &failed, ExitCode: &code, FinishedAt: &now, OnlyIfInProgress: true,
	}))

	succeeded := schema.ExecutionStatusSucceeded
	err := s.UpdateNodeExecution(ctx, ne.ID, NodeExecutionUpdate{Status: &succeeded, OnlyIfInProgress: true})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	got, err := s.GetNodeExecution(ctx, ne.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)

	inProgress, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{RunID: run.ID, InProgressOnly: true})
	require.NoError(t, err)
	assert.Empty(t, inProgress)
}

func testLedgerIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	run := seedRun(t, s)
	src := seedExecution(t, s, run.ID, "a")

	ev := &TransitionEvaluation{
		RunID: run.ID, EdgeID: "a-b", FromNodeID: "a", ToNodeID: "b",
		SourceExecutionID: src.ID, Result: true,
	}
	created, err := s.RecordTransitionEvaluation(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, ev.Seq)

	dup := &TransitionEvaluation{
		RunID: run.ID, EdgeID: "a-b", FromNodeID: "a", ToNodeID: "b",
		SourceExecutionID: src.ID, Result: false,
	}
	created, err = s.RecordTransitionEvaluation(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.Seq, dup.Seq)
	assert.True(t, dup.Result, "the first recorded result wins")

	other := &TransitionEvaluation{
		RunID: run.ID, EdgeID: "a-c", FromNodeID: "a", ToNodeID: "c",
		SourceExecutionID: src.ID, Result: false,
	}
	_, err = s.RecordTransitionEvaluation(ctx, other)
	require.NoError(t, err)
	assert.Greater(t, other.Seq, ev.Seq)

	rows, err := s.ListTransitionEvaluations(ctx, TransitionEvaluationFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	fired, err := s.ListTransitionEvaluations(ctx, TransitionEvaluationFilter{RunID: run.ID, ToNodeID: "b", FiredOnly: true})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, src.ID, fired[0].SourceExecutionID)
}

func testPostponedEvents(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	ev := &PostponedEvent{
		ID:             uuid.New().String(),
		Kind:           schema.SubjectTask,
		SubjectID:      "extract",
		Status:         schema.StatusFailed,
		PostponedUntil: now.Add(time.Minute),
		Payload:        []byte(`{"status":"FAILED"}`),
	}
	require.NoError(t, s.CreatePostponedEvent(ctx, ev))

	got, err := s.GetPostponedEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.JSONEq(t, `{"status":"FAILED"}`, string(got.Payload))

	one := 1
	require.NoError(t, s.UpdatePostponedEvent(ctx, ev.ID, PostponedEventUpdate{
		CountWithSuccessStatus: &one, ExpectVersion: got.Version,
	}))

	// Stale version loses.
	err = s.UpdatePostponedEvent(ctx, ev.ID, PostponedEventUpdate{
		CountWithSuccessStatus: &one, ExpectVersion: got.Version,
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	due, err := s.ListPostponedEvents(ctx, PostponedEventFilter{OpenOnly: true, DueBefore: &now})
	require.NoError(t, err)
	assert.Empty(t, due)

	later := now.Add(2 * time.Minute)
	due, err = s.ListPostponedEvents(ctx, PostponedEventFilter{OpenOnly: true, DueBefore: &later})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].CountWithSuccessStatus)

	require.NoError(t, s.UpdatePostponedEvent(ctx, ev.ID, PostponedEventUpdate{
		TriggeredAt: &now, ExpectVersion: due[0].Version,
	}))
	err = s.UpdatePostponedEvent(ctx, ev.ID, PostponedEventUpdate{
		ResolvedAt: &now, ExpectVersion: due[0].Version + 1,
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "closed events reject updates")

	open, err := s.ListPostponedEvents(ctx, PostponedEventFilter{Kind: schema.SubjectTask, SubjectID: "extract", OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testNotificationAttempts(t *testing.T, s Store) {
	ctx := context.Background()
	for i, status := range []string{AttemptFailed, AttemptSent} {
		require.NoError(t, s.RecordNotificationAttempt(ctx, &NotificationAttempt{
			ID:             uuid.New().String(),
			NotificationID: "n-1",
			Kind:           schema.NotificationStatusChange,
			Attempt:        i + 1,
			Status:         status,
		}))
	}
	attempts, err := s.ListNotificationAttempts(ctx, "n-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.Equal(t, AttemptSent, attempts[1].Status)
}

func testEventLog(t *testing.T, s Store) {
	ctx := context.Background()
	el := NewEventLog(s)
	run := seedRun(t, s)

	types := []struct {
		typ  schema.EventType
		node string
	}{
		{schema.EventRunStarted, ""},
		{schema.EventNodeStarted, "a"},
		{schema.EventNodeFinished, "a"},
		{schema.EventTransitionEvaluated, "a"},
		{schema.EventNodeStarted, "b"},
		{schema.EventNodeFinished, "b"},
		{schema.EventRunSucceeded, ""},
	}
	for i, tc := range types {
		e := &Event{RunID: run.ID, NodeID: tc.node, Type: tc.typ, ActorID: "tester"}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}

	tail, err := el.GetEvents(ctx, run.ID, 5)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	h, err := el.ReplayEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, h.Status)
	assert.Equal(t, 1, h.Epochs)
	assert.Equal(t, 1, h.Nodes["a"].Starts)
	assert.Equal(t, 1, h.Nodes["b"].Finishes)
	assert.Equal(t, []string{"tester"}, h.Actors)
	assert.Equal(t, int64(7), h.LastSeq)

	empty, err := el.ReplayEvents(ctx, "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
}
