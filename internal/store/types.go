package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Workflow is a registered, user-editable workflow definition.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Run is one execution instance of a workflow graph.
type Run struct {
	ID               string                    `json:"id"`
	WorkflowID       string                    `json:"workflow_id"`
	Status           schema.RunStatus          `json:"status"`
	RunReason        string                    `json:"run_reason,omitempty"`
	StopReason       string                    `json:"stop_reason,omitempty"`
	StartedBy        string                    `json:"started_by,omitempty"`
	Snapshot         schema.WorkflowDefinition `json:"snapshot"`
	Epoch            int                       `json:"epoch"`
	FailedAttempts   int                       `json:"failed_attempts"`
	TimedOutAttempts int                       `json:"timed_out_attempts"`
	Version          int64                     `json:"version"`
	CreatedAt        time.Time                 `json:"created_at"`
	StartedAt        *time.Time                `json:"started_at,omitempty"`
	FinishedAt       *time.Time                `json:"finished_at,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// RunUpdate carries only the fields that change. ExpectStatus and
// ExpectVersion make the update conditional; a mismatch yields CONFLICT.
type RunUpdate struct {
	Status           *schema.RunStatus
	StopReason       *string
	Epoch            *int
	FailedAttempts   *int
	TimedOutAttempts *int
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ClearFinishedAt  bool

	ExpectStatus  *schema.RunStatus
	ExpectVersion *int64
}

// RunFilter controls ListRuns.
type RunFilter struct {
	Status        *schema.RunStatus
	WorkflowID    string
	StartedBefore *time.Time
	Limit         int
}

// NodeExecution links a run's node to one underlying task execution.
type NodeExecution struct {
	ID              string                 `json:"id"`
	RunID           string                 `json:"run_id"`
	NodeID          string                 `json:"node_id"`
	Epoch           int                    `json:"epoch"`
	IsLatest        bool                   `json:"is_latest"`
	Status          schema.ExecutionStatus `json:"status"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	ExecutionHandle string                 `json:"execution_handle,omitempty"`
	ActivationSeq   int64                  `json:"activation_seq"`
	Error           string                 `json:"error,omitempty"`
	StartedBy       string                 `json:"started_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NodeExecutionUpdate carries only the fields that change. With
// OnlyIfInProgress set, the update applies only while the execution has not
// finished; otherwise CONFLICT is returned.
type NodeExecutionUpdate struct {
	Status          *schema.ExecutionStatus
	ExitCode        *int
	ExecutionHandle *string
	Error           *string
	StartedAt       *time.Time
	FinishedAt      *time.Time

	OnlyIfInProgress bool
}

// NodeExecutionFilter controls ListNodeExecutions.
type NodeExecutionFilter struct {
	RunID          string
	NodeID         string
	LatestOnly     bool
	NotLatestOnly  bool
	InProgressOnly bool
}

// TransitionEvaluation is one immutable ledger row: whether an edge fired for
// a specific source node execution. (EdgeID, SourceExecutionID) is unique.
type TransitionEvaluation struct {
	Seq               int64     `json:"seq"`
	RunID             string    `json:"run_id"`
	EdgeID            string    `json:"edge_id"`
	FromNodeID        string    `json:"from_node_id"`
	ToNodeID          string    `json:"to_node_id"`
	SourceExecutionID string    `json:"source_execution_id"`
	Epoch             int       `json:"epoch"`
	Result            bool      `json:"result"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// TransitionEvaluationFilter controls ListTransitionEvaluations.
type TransitionEvaluationFilter struct {
	RunID             string
	SourceExecutionID string
	ToNodeID          string
	FiredOnly         bool
}

// PostponedEvent is a failing status change whose alert is being held back.
type PostponedEvent struct {
	ID                     string             `json:"id"`
	Kind                   schema.SubjectKind `json:"kind"`
	SubjectID              string             `json:"subject_id"`
	RunID                  string             `json:"run_id,omitempty"`
	NodeExecutionID        string             `json:"node_execution_id,omitempty"`
	Status                 string             `json:"status"`
	PostponedUntil         time.Time          `json:"postponed_until"`
	CountWithSameStatus    int                `json:"count_with_same_status"`
	CountWithSuccessStatus int                `json:"count_with_success_status"`
	TriggeredAt            *time.Time         `json:"triggered_at,omitempty"`
	ResolvedAt             *time.Time         `json:"resolved_at,omitempty"`
	Payload                json.RawMessage    `json:"payload,omitempty"`
	Version                int64              `json:"version"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// IsOpen reports whether the event is neither triggered nor resolved.
func (e *PostponedEvent) IsOpen() bool {
	return e.TriggeredAt == nil && e.ResolvedAt == nil
}

// PostponedEventUpdate applies only while the event is open and its version
// matches ExpectVersion; otherwise CONFLICT is returned.
type PostponedEventUpdate struct {
	CountWithSameStatus    *int
	CountWithSuccessStatus *int
	TriggeredAt            *time.Time
	ResolvedAt             *time.Time

	ExpectVersion int64
}

// PostponedEventFilter controls ListPostponedEvents.
type PostponedEventFilter struct {
	Kind      schema.SubjectKind
	SubjectID string
	OpenOnly  bool
	DueBefore *time.Time
	Limit     int
}

// Notification attempt statuses.
const (
	AttemptSent   = "sent"
	AttemptFailed = "failed"
)

// NotificationAttempt records one delivery attempt of a notification.
type NotificationAttempt struct {
	ID             string                  `json:"id"`
	NotificationID string                  `json:"notification_id"`
	Kind           schema.NotificationKind `json:"kind"`
	Attempt        int                     `json:"attempt"`
	Status         string                  `json:"status"`
	Error          string                  `json:"error,omitempty"`
	AttemptedAt    time.Time               `json:"attempted_at"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	NodeID    string           `json:"node_id,omitempty"`
	Type      schema.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	ActorID   string           `json:"actor_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Sequence  int64            `json:"sequence"`
}
