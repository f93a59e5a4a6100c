package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Node Executions
	//
	// CreateNodeExecution atomically clears is_latest on the previous latest
	// execution of the same (run, node) before inserting ne as the new latest.
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)
	InvalidateNodeExecutions(ctx context.Context, runID string, nodeIDs []string) (int64, error)
	DeleteNodeExecution(ctx context.Context, id string) error

	// Transition Ledger (append-only)
	//
	// RecordTransitionEvaluation inserts ev unless a row for
	// (ev.EdgeID, ev.SourceExecutionID) exists, in which case ev is overwritten
	// with the stored row and false is returned.
	RecordTransitionEvaluation(ctx context.Context, ev *TransitionEvaluation) (bool, error)
	ListTransitionEvaluations(ctx context.Context, filter TransitionEvaluationFilter) ([]*TransitionEvaluation, error)

	// Postponed Events
	CreatePostponedEvent(ctx context.Context, ev *PostponedEvent) error
	GetPostponedEvent(ctx context.Context, id string) (*PostponedEvent, error)
	UpdatePostponedEvent(ctx context.Context, id string, update PostponedEventUpdate) error
	ListPostponedEvents(ctx context.Context, filter PostponedEventFilter) ([]*PostponedEvent, error)

	// Notification Attempts
	RecordNotificationAttempt(ctx context.Context, attempt *NotificationAttempt) error
	ListNotificationAttempts(ctx context.Context, notificationID string) ([]*NotificationAttempt, error)

	// Event Log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
