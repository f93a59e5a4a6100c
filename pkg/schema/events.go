package schema

// EventType names an entry in the run event log.
type EventType string

// Event type constants for the run event log.
const (
	EventRunStarted    EventType = "run_started"
	EventRunRetried    EventType = "run_retried"
	EventRunStopping   EventType = "run_stopping"
	EventRunStopped    EventType = "run_stopped"
	EventRunSucceeded  EventType = "run_succeeded"
	EventRunFailed     EventType = "run_failed"
	EventRunTimedOut   EventType = "run_timed_out"
	EventRunReopened   EventType = "run_reopened"
	EventStatusChanged EventType = "run_status_changed"

	EventNodeStarted         EventType = "node_started"
	EventNodeLaunchFailed    EventType = "node_launch_failed"
	EventNodeFinished        EventType = "node_finished"
	EventNodeRedriven        EventType = "node_redriven"
	EventNodeSkipped         EventType = "node_skipped"
	EventNodeCancelRequested EventType = "node_cancel_requested"
	EventNodesInvalidated    EventType = "nodes_invalidated"

	EventTransitionEvaluated EventType = "transition_evaluated"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusManuallyStarted RunStatus = "MANUALLY_STARTED"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusStopping        RunStatus = "STOPPING"
	RunStatusStopped         RunStatus = "STOPPED"
	RunStatusSucceeded       RunStatus = "SUCCEEDED"
	RunStatusFailed          RunStatus = "FAILED"
	RunStatusTimedOut        RunStatus = "TIMED_OUT"
)

// IsTerminal reports whether no further node activity is processed for the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	}
	return false
}

// ExecutionStatus is the state of a single node execution.
type ExecutionStatus string

const (
	ExecutionStatusManuallyStarted ExecutionStatus = "MANUALLY_STARTED"
	ExecutionStatusRunning         ExecutionStatus = "RUNNING"
	ExecutionStatusStopping        ExecutionStatus = "STOPPING"
	ExecutionStatusStopped         ExecutionStatus = "STOPPED"
	ExecutionStatusSucceeded       ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed          ExecutionStatus = "FAILED"
	ExecutionStatusTimedOut        ExecutionStatus = "TIMED_OUT"
	ExecutionStatusAbandoned       ExecutionStatus = "ABANDONED"
)

// IsInProgress reports whether the execution may still report a result.
func (s ExecutionStatus) IsInProgress() bool {
	switch s {
	case ExecutionStatusManuallyStarted, ExecutionStatusRunning, ExecutionStatusStopping:
		return true
	}
	return false
}

// IsFinished is the complement of IsInProgress.
func (s ExecutionStatus) IsFinished() bool {
	return !s.IsInProgress()
}

// IsFailure reports whether a finished execution counts as unsuccessful.
// TIMED_OUT is a failure status; callers that need to distinguish it must
// check it first.
func (s ExecutionStatus) IsFailure() bool {
	switch s {
	case ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusStopped, ExecutionStatusAbandoned:
		return true
	}
	return false
}

// CompletionStatuses are the statuses accepted from NodeExecutionCompleted.
var CompletionStatuses = []ExecutionStatus{
	ExecutionStatusSucceeded,
	ExecutionStatusFailed,
	ExecutionStatusTimedOut,
	ExecutionStatusStopped,
	ExecutionStatusAbandoned,
}
