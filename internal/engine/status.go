package engine

import (
	"github.com/rendis/opflow/pkg/schema"
)

// NodeOutcome is one current node execution as seen by AggregateStatus.
type NodeOutcome struct {
	Node       *schema.NodeDefinition
	Status     schema.ExecutionStatus
	WasHandled bool // at least one outbound transition fired for it
}

// StatusResult is the aggregated run status and the node that decided it.
type StatusResult struct {
	Status         schema.RunStatus
	DecidingNodeID string
	ShortCircuit   bool
}

type verdict int

const (
	verdictIgnore verdict = iota
	verdictFail
	verdictTimeout
)

// AggregateStatus computes the overall run status from the current node
// executions that did not succeed.
//
// A failure that is not allowed to continue short-circuits to FAILED or
// TIMED_OUT even while other nodes run; FAILED wins over TIMED_OUT. Otherwise
// any in-progress node or pendingActivation yields RUNNING, and the worst
// tolerated failure or SUCCEEDED is returned.
func AggregateStatus(outcomes []NodeOutcome, pendingActivation bool) (StatusResult, error) {
	var (
		running                    bool
		runningNode                string
		shortFailed, shortTimedOut string
		worst                      schema.RunStatus
		worstNode                  string
	)

	for _, o := range outcomes {
		if o.Node == nil {
			return StatusResult{}, schema.NewError(schema.ErrCodeExecution, "node outcome without node definition")
		}
		if o.Status.IsInProgress() {
			if !running {
				running, runningNode = true, o.Node.ID
			}
			continue
		}
		if !o.Status.IsFailure() {
			continue
		}

		v, err := classify(o)
		if err != nil {
			return StatusResult{}, err
		}
		switch v {
		case verdictFail:
			if !o.Node.AllowExecutionAfterFailure {
				if shortFailed == "" {
					shortFailed = o.Node.ID
				}
			} else if worst != schema.RunStatusFailed {
				worst, worstNode = schema.RunStatusFailed, o.Node.ID
			}
		case verdictTimeout:
			if !o.Node.AllowExecutionAfterTimeout {
				if shortTimedOut == "" {
					shortTimedOut = o.Node.ID
				}
			} else if worst == "" {
				worst, worstNode = schema.RunStatusTimedOut, o.Node.ID
			}
		}
	}

	switch {
	case shortFailed != "":
		return StatusResult{Status: schema.RunStatusFailed, DecidingNodeID: shortFailed, ShortCircuit: true}, nil
	case shortTimedOut != "":
		return StatusResult{Status: schema.RunStatusTimedOut, DecidingNodeID: shortTimedOut, ShortCircuit: true}, nil
	case running:
		return StatusResult{Status: schema.RunStatusRunning, DecidingNodeID: runningNode}, nil
	case pendingActivation:
		return StatusResult{Status: schema.RunStatusRunning}, nil
	case worst != "":
		return StatusResult{Status: worst, DecidingNodeID: worstNode}, nil
	default:
		return StatusResult{Status: schema.RunStatusSucceeded}, nil
	}
}

// classify maps a finished-unsuccessful outcome to its effect on the run.
// Timeouts are checked first since TIMED_OUT is itself a failure status.
func classify(o NodeOutcome) (verdict, error) {
	if o.Status == schema.ExecutionStatusTimedOut {
		switch o.Node.TimeoutBehavior {
		case schema.TimeoutIgnore:
			return verdictIgnore, nil
		case schema.TimeoutFailIfUnhandled:
			if o.WasHandled {
				return verdictIgnore, nil
			}
			return verdictFail, nil
		case schema.TimeoutFailAlways:
			return verdictFail, nil
		case schema.TimeoutTimeoutIfUnhandled, "":
			if o.WasHandled {
				return verdictIgnore, nil
			}
			return verdictTimeout, nil
		case schema.TimeoutTimeoutAlways:
			return verdictTimeout, nil
		default:
			return verdictIgnore, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown timeout_behavior %q", o.Node.TimeoutBehavior).WithNode(o.Node.ID)
		}
	}

	switch o.Node.FailureBehavior {
	case schema.FailureIgnore:
		return verdictIgnore, nil
	case schema.FailureFailIfUnhandled, "":
		if o.WasHandled {
			return verdictIgnore, nil
		}
		return verdictFail, nil
	case schema.FailureFailAlways:
		return verdictFail, nil
	default:
		return verdictIgnore, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown failure_behavior %q", o.Node.FailureBehavior).WithNode(o.Node.ID)
	}
}
