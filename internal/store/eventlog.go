package store

import (
	"context"
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// EventLog provides append and replay operations over a Store's run event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// NodeHistory summarizes one node's activity within a run.
type NodeHistory struct {
	NodeID        string `json:"node_id"`
	Starts        int    `json:"starts"`
	LaunchErrors  int    `json:"launch_errors"`
	Finishes      int    `json:"finishes"`
	Redrives      int    `json:"redrives"`
	Skips         int    `json:"skips"`
	Invalidations int    `json:"invalidations"`
	LastEvent     string `json:"last_event"`
}

// RunHistory is the state reconstructed by replaying a run's event log.
type RunHistory struct {
	RunID   string                  `json:"run_id"`
	Status  schema.RunStatus        `json:"status,omitempty"`
	Epochs  int                     `json:"epochs"`
	Nodes   map[string]*NodeHistory `json:"nodes"`
	Actors  []string                `json:"actors,omitempty"`
	LastSeq int64                   `json:"last_seq"`
}

// ReplayEvents replays all events for a run and returns the reconstructed history.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (*RunHistory, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	h := &RunHistory{RunID: runID, Nodes: make(map[string]*NodeHistory)}
	if len(events) == 0 {
		return h, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	seenActors := make(map[string]bool)
	for _, e := range events {
		h.LastSeq = e.Sequence
		if e.ActorID != "" && !seenActors[e.ActorID] {
			seenActors[e.ActorID] = true
			h.Actors = append(h.Actors, e.ActorID)
		}

		switch e.Type {
		case schema.EventRunStarted:
			h.Status = schema.RunStatusRunning
			h.Epochs = 1
		case schema.EventRunRetried, schema.EventRunReopened:
			h.Status = schema.RunStatusRunning
			h.Epochs++
		case schema.EventRunStopping:
			h.Status = schema.RunStatusStopping
		case schema.EventRunStopped:
			h.Status = schema.RunStatusStopped
		case schema.EventRunSucceeded:
			h.Status = schema.RunStatusSucceeded
		case schema.EventRunFailed:
			h.Status = schema.RunStatusFailed
		case schema.EventRunTimedOut:
			h.Status = schema.RunStatusTimedOut
		}

		if e.NodeID == "" {
			continue
		}
		nh, ok := h.Nodes[e.NodeID]
		if !ok {
			nh = &NodeHistory{NodeID: e.NodeID}
			h.Nodes[e.NodeID] = nh
		}
		nh.LastEvent = string(e.Type)

		switch e.Type {
		case schema.EventNodeStarted:
			nh.Starts++
		case schema.EventNodeLaunchFailed:
			nh.LaunchErrors++
		case schema.EventNodeFinished:
			nh.Finishes++
		case schema.EventNodeRedriven:
			nh.Redrives++
		case schema.EventNodeSkipped:
			nh.Skips++
		case schema.EventNodesInvalidated:
			nh.Invalidations++
		}
	}

	return h, nil
}
