package engine

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Admission is the max_complete_executions verdict for a node activation.
type Admission int

const (
	AdmitStart   Admission = iota // start a new node execution
	AdmitRedrive                  // re-evaluate transitions of the latest execution
	AdmitSkip                     // do nothing
)

func (a Admission) String() string {
	switch a {
	case AdmitStart:
		return "start"
	case AdmitRedrive:
		return "redrive"
	case AdmitSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Gate decides whether a node may activate.
type Gate struct {
	// RestartFailedAtExecutionLimit makes a retry-mode node that reached
	// max_complete_executions restart when its latest execution was
	// unsuccessful, instead of being skipped.
	RestartFailedAtExecutionLimit bool
}

// Fires applies node's start condition to the set of inbound edges that
// fired since its last activation. inbound is the node's full inbound edge
// set; fired is keyed by edge ID.
func (Gate) Fires(node *schema.NodeDefinition, inbound []*schema.EdgeDefinition, fired map[string]bool) (bool, error) {
	count := 0
	for _, e := range inbound {
		if fired[e.ID] {
			count++
		}
	}

	switch node.StartCondition {
	case schema.StartAll, "":
		return len(inbound) > 0 && count == len(inbound), nil
	case schema.StartAny:
		return count > 0, nil
	case schema.StartCountAtLeast:
		k := int(node.StartThreshold)
		if k <= 0 {
			return false, schema.NewError(schema.ErrCodeValidation,
				"COUNT_AT_LEAST requires a positive start_threshold").WithNode(node.ID)
		}
		return count >= k, nil
	case schema.StartRatioAtLeast:
		r := node.StartThreshold
		if r <= 0 || r > 1 {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"RATIO_AT_LEAST requires start_threshold in (0, 1], got %v", r).WithNode(node.ID)
		}
		if len(inbound) == 0 {
			return false, nil
		}
		return float64(count)/float64(len(inbound)) >= r, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeGate,
			"unknown start_transition_condition %q", node.StartCondition).WithNode(node.ID)
	}
}

// Admit applies max_complete_executions. completed counts the node's finished
// executions in the current epoch; latestSucceeded reports whether the most
// recent of them succeeded.
func (g Gate) Admit(node *schema.NodeDefinition, completed int, retryMode, latestSucceeded bool) Admission {
	if node.MaxCompleteExecutions <= 0 || completed < node.MaxCompleteExecutions {
		return AdmitStart
	}
	if !retryMode {
		return AdmitSkip
	}
	if node.ShouldEvalTransitionsAfterFirstExecution {
		return AdmitRedrive
	}
	if g.RestartFailedAtExecutionLimit && !latestSucceeded {
		return AdmitStart
	}
	return AdmitSkip
}

// nodeState is what the gate needs to know about one node's executions.
type nodeState struct {
	latest          *store.NodeExecution
	completed       int
	latestSucceeded bool
}

func (s nodeState) inProgress() bool {
	return s.latest != nil && s.latest.Status.IsInProgress()
}

// loadNodeState reads the executions of node within run.
func loadNodeState(ctx context.Context, s store.Store, run *store.Run, nodeID string) (nodeState, error) {
	execs, err := s.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: run.ID, NodeID: nodeID})
	if err != nil {
		return nodeState{}, err
	}
	var st nodeState
	for _, ne := range execs {
		if ne.IsLatest {
			st.latest = ne
		}
		if ne.Status.IsFinished() && (ne.Epoch == run.Epoch || ne.IsLatest) {
			st.completed++
		}
	}
	st.latestSucceeded = st.latest != nil && st.latest.Status == schema.ExecutionStatusSucceeded
	return st, nil
}

// firedInbound returns the inbound edges of node that fired since its latest
// activation, counted from the transition ledger, and the highest ledger seq
// among them. Only rows whose source execution is still latest count.
func firedInbound(ctx context.Context, s store.Store, g *Graph, runID, nodeID string, latest *store.NodeExecution) (map[string]bool, int64, error) {
	rows, err := s.ListTransitionEvaluations(ctx, store.TransitionEvaluationFilter{RunID: runID, ToNodeID: nodeID, FiredOnly: true})
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return map[string]bool{}, 0, nil
	}

	current, err := s.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: runID, LatestOnly: true})
	if err != nil {
		return nil, 0, err
	}
	isLatest := make(map[string]bool, len(current))
	for _, ne := range current {
		isLatest[ne.ID] = true
	}

	var consumed int64
	if latest != nil {
		consumed = latest.ActivationSeq
	}
	inbound := make(map[string]bool)
	for _, e := range g.InboundEdges(nodeID) {
		inbound[e.ID] = true
	}

	fired := make(map[string]bool)
	var maxSeq int64
	for _, row := range rows {
		if row.Seq <= consumed || !isLatest[row.SourceExecutionID] || !inbound[row.EdgeID] {
			continue
		}
		fired[row.EdgeID] = true
		if row.Seq > maxSeq {
			maxSeq = row.Seq
		}
	}
	return fired, maxSeq, nil
}

// ledgerHighWater returns the highest ledger seq of any row targeting node,
// used to consume pending firings on a forced start.
func ledgerHighWater(ctx context.Context, s store.Store, runID, nodeID string) (int64, error) {
	rows, err := s.ListTransitionEvaluations(ctx, store.TransitionEvaluationFilter{RunID: runID, ToNodeID: nodeID})
	if err != nil {
		return 0, err
	}
	var hw int64
	for _, row := range rows {
		if row.Seq > hw {
			hw = row.Seq
		}
	}
	return hw, nil
}
