package engine

import (
	"github.com/rendis/opflow/pkg/schema"
)

// Inbound commands. Each is validated with struct tags before it reaches the
// controller.

// StartRunCommand starts a new run of a registered workflow.
type StartRunCommand struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// RetryRunCommand reopens a run in a new epoch. Without seeds the graph
// roots are re-driven.
type RetryRunCommand struct {
	RunID       string   `json:"run_id" validate:"required"`
	SeedNodeIDs []string `json:"seed_node_ids,omitempty" validate:"omitempty,dive,required"`
}

// StopRunCommand requests cancellation of a running run.
type StopRunCommand struct {
	RunID  string `json:"run_id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// StartNodesCommand force-starts specific nodes of a run.
type StartNodesCommand struct {
	RunID   string   `json:"run_id" validate:"required"`
	NodeIDs []string `json:"node_ids" validate:"required,min=1,dive,required"`
}

// NodeExecutionCompletedCommand reports the final status of a node execution.
type NodeExecutionCompletedCommand struct {
	NodeExecutionID string                 `json:"node_execution_id" validate:"required"`
	Status          schema.ExecutionStatus `json:"status" validate:"required,oneof=SUCCEEDED FAILED TIMED_OUT STOPPED ABANDONED"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
}

// Command type names carried in bus message metadata.
const (
	CommandStartRun               = "start_run"
	CommandRetryRun               = "retry_run"
	CommandStopRun                = "stop_run"
	CommandStartNodes             = "start_nodes"
	CommandNodeExecutionCompleted = "node_execution_completed"
)

// CommandKind identifies an internal follow-up step.
type CommandKind string

const (
	CmdStartNode       CommandKind = "start_node"
	CmdRetryNode       CommandKind = "retry_node"
	CmdNodeFinished    CommandKind = "node_finished"
	CmdCheckComplete   CommandKind = "check_complete"
	CmdCancelExecution CommandKind = "cancel_execution"
)

// Command is one durable step of run processing. Handlers persist their
// effect and return follow-up commands; the controller drains them in order.
type Command struct {
	Kind   CommandKind
	RunID  string
	NodeID string

	// NodeExecutionID is the execution a NodeFinished or CancelExecution
	// command targets.
	NodeExecutionID string

	// ActivationSeq is the highest ledger seq consumed by a StartNode.
	ActivationSeq int64

	// Force skips the gate and admission checks on StartNode.
	Force bool

	// RetryMode marks activations issued by Retry.
	RetryMode bool

	// PendingActivation is passed to the status aggregation on CheckComplete.
	PendingActivation bool
}

func startNode(runID, nodeID string, seq int64, retryMode bool) Command {
	return Command{Kind: CmdStartNode, RunID: runID, NodeID: nodeID, ActivationSeq: seq, RetryMode: retryMode}
}

func retryNode(runID, nodeID string) Command {
	return Command{Kind: CmdRetryNode, RunID: runID, NodeID: nodeID, RetryMode: true}
}

func nodeFinished(runID, nodeExecutionID string) Command {
	return Command{Kind: CmdNodeFinished, RunID: runID, NodeExecutionID: nodeExecutionID}
}

func checkComplete(runID string, pending bool) Command {
	return Command{Kind: CmdCheckComplete, RunID: runID, PendingActivation: pending}
}

func cancelExecution(runID, nodeExecutionID string) Command {
	return Command{Kind: CmdCancelExecution, RunID: runID, NodeExecutionID: nodeExecutionID}
}
