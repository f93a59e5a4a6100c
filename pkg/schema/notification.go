package schema

import "time"

// NotificationKind discriminates the payload carried by a Notification.
type NotificationKind string

const (
	NotificationStatusChange        NotificationKind = "status_change"
	NotificationPostponedResolution NotificationKind = "postponed_resolution"
)

// SubjectKind identifies what a status change is about.
type SubjectKind string

const (
	SubjectTask     SubjectKind = "task"
	SubjectWorkflow SubjectKind = "workflow"
)

// StatusChange describes a finished node execution or run.
// Status holds either an ExecutionStatus or a RunStatus value.
type StatusChange struct {
	SubjectKind     SubjectKind `json:"subject_kind"`
	SubjectID       string      `json:"subject_id"`
	RunID           string      `json:"run_id"`
	NodeExecutionID string      `json:"node_execution_id,omitempty"`
	Status          string      `json:"status"`
	OccurredAt      time.Time   `json:"occurred_at"`

	// Policy is the postponement policy of the owning schedulable at the time
	// of the change. Nil disables postponement.
	Policy *PostponementPolicy `json:"policy,omitempty"`
}

// PostponedResolution reports that a postponed alert was cleared by
// subsequent successes and will never be sent.
type PostponedResolution struct {
	PostponedEventID string       `json:"postponed_event_id"`
	Original         StatusChange `json:"original"`
	SuccessCount     int          `json:"success_count"`
	ResolvedAt       time.Time    `json:"resolved_at"`
}

// Notification is a tagged variant emitted to the Notifier. Exactly one of the
// payload fields is set, matching Kind.
type Notification struct {
	ID         string               `json:"id"`
	Kind       NotificationKind     `json:"kind"`
	Change     *StatusChange        `json:"change,omitempty"`
	Resolution *PostponedResolution `json:"resolution,omitempty"`

	// Accelerated is set when a postponed status change is delivered early,
	// either by repeated failures or an expired deadline.
	Accelerated bool `json:"accelerated,omitempty"`
}

// Status values treated as failing by the postponement tracker.
const (
	StatusFailed    = "FAILED"
	StatusTimedOut  = "TIMED_OUT"
	StatusSucceeded = "SUCCEEDED"
)
