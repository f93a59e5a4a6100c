package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed run status transitions. Terminal
// statuses only lead back to RUNNING, which opens a new epoch.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusManuallyStarted: {schema.RunStatusRunning, schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusRunning:         {schema.RunStatusStopping, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusTimedOut},
	schema.RunStatusStopping:        {schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusStopped:         {schema.RunStatusRunning},
	schema.RunStatusSucceeded:       {schema.RunStatusRunning},
	schema.RunStatusFailed:          {schema.RunStatusRunning},
	schema.RunStatusTimedOut:        {schema.RunStatusRunning},
}

// TransitionMeta annotates the event a run transition emits.
type TransitionMeta struct {
	ActorID string
	Event   schema.EventType // overrides the default event for the target status
	Payload map[string]any
}

// RunFSM validates run lifecycle transitions, persists them through a caller
// supplied function, and emits the corresponding event. Follow-up work is
// returned as commands by the controller, never attached to a transition.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates from → to, calls persist, then emits the transition
// event. Nothing is emitted when persist fails.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, meta TransitionMeta, persist func() error) error {
	if !IsValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	eventType := meta.Event
	if eventType == "" {
		eventType = runEventType(from, to)
	}
	payload := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range meta.Payload {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	if err := f.appender.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    eventType,
		Payload: raw,
		ActorID: meta.ActorID,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// IsValidRunTransition reports whether the table allows from → to.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(from, to schema.RunStatus) schema.EventType {
	switch to {
	case schema.RunStatusRunning:
		if from.IsTerminal() {
			return schema.EventRunRetried
		}
		return schema.EventRunStarted
	case schema.RunStatusStopping:
		return schema.EventRunStopping
	case schema.RunStatusStopped:
		return schema.EventRunStopped
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusTimedOut:
		return schema.EventRunTimedOut
	default:
		return schema.EventStatusChanged
	}
}
