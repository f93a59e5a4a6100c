package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func inboundOf(ids ...string) []*schema.EdgeDefinition {
	out := make([]*schema.EdgeDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, &schema.EdgeDefinition{ID: id, To: "n"})
	}
	return out
}

func TestGate_Fires(t *testing.T) {
	three := inboundOf("e1", "e2", "e3")
	tests := []struct {
		name      string
		cond      schema.StartCondition
		threshold float64
		inbound   []*schema.EdgeDefinition
		fired     []string
		want      bool
	}{
		{"all complete", schema.StartAll, 0, three, []string{"e1", "e2", "e3"}, true},
		{"all partial", schema.StartAll, 0, three, []string{"e1", "e2"}, false},
		{"all without inbound", schema.StartAll, 0, nil, nil, false},
		{"empty condition is all", "", 0, three, []string{"e1", "e2", "e3"}, true},
		{"any one", schema.StartAny, 0, three, []string{"e2"}, true},
		{"any none", schema.StartAny, 0, three, nil, false},
		{"count reached", schema.StartCountAtLeast, 2, three, []string{"e1", "e3"}, true},
		{"count short", schema.StartCountAtLeast, 2, three, []string{"e1"}, false},
		{"count above inbound", schema.StartCountAtLeast, 4, three, []string{"e1", "e2", "e3"}, false},
		{"ratio reached", schema.StartRatioAtLeast, 0.6, three, []string{"e1", "e2"}, true},
		{"ratio short", schema.StartRatioAtLeast, 0.7, three, []string{"e1", "e2"}, false},
		{"ratio one", schema.StartRatioAtLeast, 1, three, []string{"e1", "e2", "e3"}, true},
		{"ratio without inbound", schema.StartRatioAtLeast, 0.5, nil, nil, false},
		{"foreign edge ignored", schema.StartAny, 0, three, []string{"other"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := map[string]bool{}
			for _, id := range tt.fired {
				fired[id] = true
			}
			node := &schema.NodeDefinition{ID: "n", StartCondition: tt.cond, StartThreshold: tt.threshold}
			got, err := Gate{}.Fires(node, tt.inbound, fired)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGate_FiresErrors(t *testing.T) {
	tests := []struct {
		name      string
		cond      schema.StartCondition
		threshold float64
		code      string
	}{
		{"count zero", schema.StartCountAtLeast, 0, schema.ErrCodeValidation},
		{"count negative", schema.StartCountAtLeast, -2, schema.ErrCodeValidation},
		{"ratio zero", schema.StartRatioAtLeast, 0, schema.ErrCodeValidation},
		{"ratio above one", schema.StartRatioAtLeast, 1.5, schema.ErrCodeValidation},
		{"unknown", "MAJORITY", 0, schema.ErrCodeGate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &schema.NodeDefinition{ID: "n", StartCondition: tt.cond, StartThreshold: tt.threshold}
			_, err := Gate{}.Fires(node, inboundOf("e1"), map[string]bool{"e1": true})
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestGate_Admit(t *testing.T) {
	tests := []struct {
		name            string
		node            schema.NodeDefinition
		restartFailed   bool
		completed       int
		retryMode       bool
		latestSucceeded bool
		want            Admission
	}{
		{"unbounded", schema.NodeDefinition{}, false, 10, false, true, AdmitStart},
		{"below limit", schema.NodeDefinition{MaxCompleteExecutions: 2}, false, 1, false, true, AdmitStart},
		{"at limit", schema.NodeDefinition{MaxCompleteExecutions: 2}, false, 2, false, true, AdmitSkip},
		{"at limit in retry", schema.NodeDefinition{MaxCompleteExecutions: 1}, false, 1, true, false, AdmitSkip},
		{"redrive in retry", schema.NodeDefinition{MaxCompleteExecutions: 1, ShouldEvalTransitionsAfterFirstExecution: true}, false, 1, true, true, AdmitRedrive},
		{"redrive ignored outside retry", schema.NodeDefinition{MaxCompleteExecutions: 1, ShouldEvalTransitionsAfterFirstExecution: true}, false, 1, false, true, AdmitSkip},
		{"restart failed", schema.NodeDefinition{MaxCompleteExecutions: 1}, true, 1, true, false, AdmitStart},
		{"restart failed keeps success", schema.NodeDefinition{MaxCompleteExecutions: 1}, true, 1, true, true, AdmitSkip},
		{"redrive wins over restart", schema.NodeDefinition{MaxCompleteExecutions: 1, ShouldEvalTransitionsAfterFirstExecution: true}, true, 1, true, false, AdmitRedrive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Gate{RestartFailedAtExecutionLimit: tt.restartFailed}
			assert.Equal(t, tt.want, g.Admit(&tt.node, tt.completed, tt.retryMode, tt.latestSucceeded))
		})
	}
}

func TestAdmission_String(t *testing.T) {
	assert.Equal(t, "start", AdmitStart.String())
	assert.Equal(t, "redrive", AdmitRedrive.String())
	assert.Equal(t, "skip", AdmitSkip.String())
	assert.Equal(t, "unknown", Admission(9).String())
}

func TestFiredInbound_ConsumesLedger(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	g, err := NewGraph(&schema.WorkflowDefinition{
		Nodes: nodes("a", "b", "c"),
		Edges: []schema.EdgeDefinition{edge("a", "c", ""), edge("b", "c", "")},
	})
	require.NoError(t, err)

	exec := func(id, node string) {
		require.NoError(t, s.CreateNodeExecution(ctx, &store.NodeExecution{
			ID: id, RunID: "r", NodeID: node, Epoch: 1, Status: schema.ExecutionStatusSucceeded,
		}))
	}
	record := func(edgeID, from, source string, fired bool) int64 {
		ev := &store.TransitionEvaluation{
			RunID: "r", EdgeID: edgeID, FromNodeID: from, ToNodeID: "c",
			SourceExecutionID: source, Epoch: 1, Result: fired,
		}
		_, err := s.RecordTransitionEvaluation(ctx, ev)
		require.NoError(t, err)
		return ev.Seq
	}

	exec("a1", "a")
	exec("b1", "b")
	record("a-c", "a", "a1", true)
	seqB := record("b-c", "b", "b1", true)

	fired, hw, err := firedInbound(ctx, s, g, "r", "c", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a-c": true, "b-c": true}, fired)
	assert.Equal(t, seqB, hw)

	// c activated and consumed both firings.
	require.NoError(t, s.CreateNodeExecution(ctx, &store.NodeExecution{
		ID: "c1", RunID: "r", NodeID: "c", Epoch: 1, Status: schema.ExecutionStatusRunning, ActivationSeq: hw,
	}))
	latest, err := s.GetNodeExecution(ctx, "c1")
	require.NoError(t, err)
	fired, _, err = firedInbound(ctx, s, g, "r", "c", latest)
	require.NoError(t, err)
	assert.Empty(t, fired)

	// A fresh firing from a newer execution counts; one that did not fire
	// does not.
	exec("a2", "a")
	seqA2 := record("a-c", "a", "a2", true)
	exec("b2", "b")
	record("b-c", "b", "b2", false)
	fired, hw, err = firedInbound(ctx, s, g, "r", "c", latest)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a-c": true}, fired)
	assert.Equal(t, seqA2, hw)

	// A firing whose source is superseded no longer counts.
	exec("a3", "a")
	fired, _, err = firedInbound(ctx, s, g, "r", "c", latest)
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestLedgerHighWater(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	hw, err := ledgerHighWater(ctx, s, "r", "c")
	require.NoError(t, err)
	assert.Zero(t, hw)

	for i, fired := range []bool{true, false} {
		ev := &store.TransitionEvaluation{
			RunID: "r", EdgeID: "e", ToNodeID: "c", SourceExecutionID: []string{"x", "y"}[i], Result: fired,
		}
		_, err := s.RecordTransitionEvaluation(ctx, ev)
		require.NoError(t, err)
		hw2, err := ledgerHighWater(ctx, s, "r", "c")
		require.NoError(t, err)
		assert.Equal(t, ev.Seq, hw2, "unfired rows advance the high-water mark too")
	}
}
