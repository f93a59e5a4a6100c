package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. It honours the same invariants as the
// SQL stores (single latest execution, unique ledger key, conditional updates)
// and is used by tests and by `serve --db-driver memory`.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[string]*Workflow
	runs       map[string]*Run
	executions map[string]*NodeExecution
	execOrder  []string
	ledger     []*TransitionEvaluation
	postponed  map[string]*PostponedEvent
	attempts   []*NotificationAttempt
	events     map[string][]*Event
	seq        int64
	eventID    int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		runs:       make(map[string]*Run),
		executions: make(map[string]*NodeExecution),
		postponed:  make(map[string]*PostponedEvent),
		events:     make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.workflows[wf.ID]; ok {
		wf.CreatedAt = existing.CreatedAt
	} else {
		wf.CreatedAt = timeOrNow(wf.CreatedAt)
	}
	wf.UpdatedAt = now
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(context.Context) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, u RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if u.ExpectStatus != nil && run.Status != *u.ExpectStatus {
		return storeConflict("run", id)
	}
	if u.ExpectVersion != nil && run.Version != *u.ExpectVersion {
		return storeConflict("run", id)
	}
	changed := false
	if u.Status != nil {
		run.Status = *u.Status
		changed = true
	}
	if u.StopReason != nil {
		run.StopReason = *u.StopReason
		changed = true
	}
	if u.Epoch != nil {
		run.Epoch = *u.Epoch
		changed = true
	}
	if u.FailedAttempts != nil {
		run.FailedAttempts = *u.FailedAttempts
		changed = true
	}
	if u.TimedOutAttempts != nil {
		run.TimedOutAttempts = *u.TimedOutAttempts
		changed = true
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		run.StartedAt = &t
		changed = true
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		run.FinishedAt = &t
		changed = true
	} else if u.ClearFinishedAt {
		run.FinishedAt = nil
		changed = true
	}
	if changed {
		run.Version++
		run.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if f.Status != nil && run.Status != *f.Status {
			continue
		}
		if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
			continue
		}
		if f.StartedBefore != nil && (run.StartedAt == nil || !run.StartedAt.Before(*f.StartedBefore)) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- Node Executions ---

func (m *MemoryStore) CreateNodeExecution(_ context.Context, ne *NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[ne.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %q already exists", ne.ID)
	}
	now := time.Now().UTC()
	for _, id := range m.execOrder {
		prev := m.executions[id]
		if prev.RunID == ne.RunID && prev.NodeID == ne.NodeID && prev.IsLatest {
			prev.IsLatest = false
			prev.UpdatedAt = now
		}
	}
	ne.IsLatest = true
	ne.CreatedAt = timeOrNow(ne.CreatedAt)
	ne.UpdatedAt = ne.CreatedAt
	cp := copyExecution(ne)
	m.executions[ne.ID] = cp
	m.execOrder = append(m.execOrder, ne.ID)
	return nil
}

func (m *MemoryStore) GetNodeExecution(_ context.Context, id string) (*NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("node execution", id)
	}
	return copyExecution(ne), nil
}

func (m *MemoryStore) UpdateNodeExecution(_ context.Context, id string, u NodeExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.executions[id]
	if !ok {
		return storeNotFound("node execution", id)
	}
	if u.OnlyIfInProgress && !ne.Status.IsInProgress() {
		return storeConflict("node execution", id)
	}
	if u.Status != nil {
		ne.Status = *u.Status
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		ne.ExitCode = &code
	}
	if u.ExecutionHandle != nil {
		ne.ExecutionHandle = *u.ExecutionHandle
	}
	if u.Error != nil {
		ne.Error = *u.Error
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		ne.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		ne.FinishedAt = &t
	}
	ne.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListNodeExecutions(_ context.Context, f NodeExecutionFilter) ([]*NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NodeExecution
	for _, id := range m.execOrder {
		ne, ok := m.executions[id]
		if !ok {
			continue
		}
		if f.RunID != "" && ne.RunID != f.RunID {
			continue
		}
		if f.NodeID != "" && ne.NodeID != f.NodeID {
			continue
		}
		if f.LatestOnly && !ne.IsLatest {
			continue
		}
		if f.NotLatestOnly && ne.IsLatest {
			continue
		}
		if f.InProgressOnly && !ne.Status.IsInProgress() {
			continue
		}
		out = append(out, copyExecution(ne))
	}
	return out, nil
}

func (m *MemoryStore) InvalidateNodeExecutions(_ context.Context, runID string, nodeIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		targets[id] = true
	}
	var n int64
	now := time.Now().UTC()
	for _, ne := range m.executions {
		if ne.RunID == runID && ne.IsLatest && targets[ne.NodeID] {
			ne.IsLatest = false
			ne.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteNodeExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[id]; !ok {
		return storeNotFound("node execution", id)
	}
	delete(m.executions, id)
	for i, eid := range m.execOrder {
		if eid == id {
			m.execOrder = append(m.execOrder[:i], m.execOrder[i+1:]...)
			break
		}
	}
	return nil
}

func copyExecution(ne *NodeExecution) *NodeExecution {
	cp := *ne
	if ne.ExitCode != nil {
		code := *ne.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}

// --- Transition Ledger ---

func (m *MemoryStore) RecordTransitionEvaluation(_ context.Context, ev *TransitionEvaluation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ledger {
		if existing.EdgeID == ev.EdgeID && existing.SourceExecutionID == ev.SourceExecutionID {
			*ev = *existing
			return false, nil
		}
	}
	m.seq++
	ev.Seq = m.seq
	ev.EvaluatedAt = timeOrNow(ev.EvaluatedAt)
	cp := *ev
	m.ledger = append(m.ledger, &cp)
	return true, nil
}

func (m *MemoryStore) ListTransitionEvaluations(_ context.Context, f TransitionEvaluationFilter) ([]*TransitionEvaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TransitionEvaluation
	for _, ev := range m.ledger {
		if f.RunID != "" && ev.RunID != f.RunID {
			continue
		}
		if f.SourceExecutionID != "" && ev.SourceExecutionID != f.SourceExecutionID {
			continue
		}
		if f.ToNodeID != "" && ev.ToNodeID != f.ToNodeID {
			continue
		}
		if f.FiredOnly && !ev.Result {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// --- Postponed Events ---

func (m *MemoryStore) CreatePostponedEvent(_ context.Context, ev *PostponedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.postponed[ev.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "postponed event %q already exists", ev.ID)
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	ev.UpdatedAt = ev.CreatedAt
	m.postponed[ev.ID] = copyPostponed(ev)
	return nil
}

func (m *MemoryStore) GetPostponedEvent(_ context.Context, id string) (*PostponedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.postponed[id]
	if !ok {
		return nil, storeNotFound("postponed event", id)
	}
	return copyPostponed(ev), nil
}

func (m *MemoryStore) UpdatePostponedEvent(_ context.Context, id string, u PostponedEventUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.postponed[id]
	if !ok {
		return storeNotFound("postponed event", id)
	}
	if !ev.IsOpen() || ev.Version != u.ExpectVersion {
		return storeConflict("postponed event", id)
	}
	if u.CountWithSameStatus != nil {
		ev.CountWithSameStatus = *u.CountWithSameStatus
	}
	if u.CountWithSuccessStatus != nil {
		ev.CountWithSuccessStatus = *u.CountWithSuccessStatus
	}
	if u.TriggeredAt != nil {
		t := *u.TriggeredAt
		ev.TriggeredAt = &t
	}
	if u.ResolvedAt != nil {
		t := *u.ResolvedAt
		ev.ResolvedAt = &t
	}
	ev.Version++
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListPostponedEvents(_ context.Context, f PostponedEventFilter) ([]*PostponedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PostponedEvent
	for _, ev := range m.postponed {
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.SubjectID != "" && ev.SubjectID != f.SubjectID {
			continue
		}
		if f.OpenOnly && !ev.IsOpen() {
			continue
		}
		if f.DueBefore != nil && ev.PostponedUntil.After(*f.DueBefore) {
			continue
		}
		out = append(out, copyPostponed(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostponedUntil.Equal(out[j].PostponedUntil) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PostponedUntil.Before(out[j].PostponedUntil)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func copyPostponed(ev *PostponedEvent) *PostponedEvent {
	cp := *ev
	if ev.TriggeredAt != nil {
		t := *ev.TriggeredAt
		cp.TriggeredAt = &t
	}
	if ev.ResolvedAt != nil {
		t := *ev.ResolvedAt
		cp.ResolvedAt = &t
	}
	if ev.Payload != nil {
		cp.Payload = append([]byte(nil), ev.Payload...)
	}
	return &cp
}

// --- Notification Attempts ---

func (m *MemoryStore) RecordNotificationAttempt(_ context.Context, a *NotificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.AttemptedAt = timeOrNow(a.AttemptedAt)
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *MemoryStore) ListNotificationAttempts(_ context.Context, notificationID string) ([]*NotificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NotificationAttempt
	for _, a := range m.attempts {
		if a.NotificationID == notificationID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
