package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// dialect selects placeholder syntax and migrations for the shared SQL core.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql. It backs both the embedded
// libSQL store and the PostgreSQL store.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- Workflows ---

func (s *SQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return storeErr("marshal workflow definition", err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	_, err = s.exec(ctx,
		`INSERT INTO workflows (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, definition = excluded.definition, updated_at = excluded.updated_at`,
		wf.ID, nullStr(wf.Name), string(def), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeErr("save workflow", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.queryRow(ctx,
		`SELECT id, name, definition, created_at, updated_at FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

func (s *SQLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.query(ctx, `SELECT id, name, definition, created_at, updated_at FROM workflows ORDER BY id`)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var name sql.NullString
	var def string
	if err := sc.Scan(&wf.ID, &name, &def, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Runs ---

const runColumns = `id, workflow_id, status, run_reason, stop_reason, started_by, snapshot, epoch,
	failed_attempts, timed_out_attempts, version, created_at, started_at, finished_at, updated_at`

func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	snap, err := json.Marshal(run.Snapshot)
	if err != nil {
		return storeErr("marshal run snapshot", err)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	_, err = s.exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), nullStr(run.RunReason), nullStr(run.StopReason),
		nullStr(run.StartedBy), string(snap), run.Epoch, run.FailedAttempts, run.TimedOutAttempts,
		run.Version, run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
	)
	if err != nil {
		return storeErr("create run", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StopReason != nil {
		sets = append(sets, "stop_reason = ?")
		args = append(args, *update.StopReason)
	}
	if update.Epoch != nil {
		sets = append(sets, "epoch = ?")
		args = append(args, *update.Epoch)
	}
	if update.FailedAttempts != nil {
		sets = append(sets, "failed_attempts = ?")
		args = append(args, *update.FailedAttempts)
	}
	if update.TimedOutAttempts != nil {
		sets = append(sets, "timed_out_attempts = ?")
		args = append(args, *update.TimedOutAttempts)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	} else if update.ClearFinishedAt {
		sets = append(sets, "finished_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC())

	where := []string{"id = ?"}
	args = append(args, id)
	if update.ExpectStatus != nil {
		where = append(where, "status = ?")
		args = append(args, string(*update.ExpectStatus))
	}
	if update.ExpectVersion != nil {
		where = append(where, "version = ?")
		args = append(args, *update.ExpectVersion)
	}

	query := fmt.Sprintf("UPDATE runs SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return storeErr("update run", err)
	}
	return s.checkConditional(ctx, res, "runs", "run", id)
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StartedBefore != nil {
		where = append(where, "started_at IS NOT NULL AND started_at < ?")
		args = append(args, *filter.StartedBefore)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var (
		reason, stopReason, startedBy sql.NullString
		status, snap                  string
		startedAt, finishedAt         sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.WorkflowID, &status, &reason, &stopReason, &startedBy, &snap,
		&run.Epoch, &run.FailedAttempts, &run.TimedOutAttempts, &run.Version,
		&run.CreatedAt, &startedAt, &finishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.RunReason = reason.String
	run.StopReason = stopReason.String
	run.StartedBy = startedBy.String
	if err := json.Unmarshal([]byte(snap), &run.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

// --- Node Executions ---

const nodeExecutionColumns = `id, run_id, node_id, epoch, is_latest, status, exit_code, execution_handle,
	activation_seq, error, started_by, created_at, started_at, finished_at, updated_at`

func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE node_executions SET is_latest = 0, updated_at = ? WHERE run_id = ? AND node_id = ? AND is_latest = 1`),
		now, ne.RunID, ne.NodeID,
	); err != nil {
		return storeErr("supersede node execution", err)
	}

	ne.IsLatest = true
	ne.CreatedAt = timeOrNow(ne.CreatedAt)
	ne.UpdatedAt = ne.CreatedAt
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO node_executions (`+nodeExecutionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ne.ID, ne.RunID, ne.NodeID, ne.Epoch, 1, string(ne.Status), nullInt(ne.ExitCode),
		nullStr(ne.ExecutionHandle), ne.ActivationSeq, nullStr(ne.Error), nullStr(ne.StartedBy),
		ne.CreatedAt, nullTime(ne.StartedAt), nullTime(ne.FinishedAt), ne.UpdatedAt,
	); err != nil {
		return storeErr("insert node execution", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit node execution", err)
	}
	return nil
}

func (s *SQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	ne, err := scanNodeExecution(s.queryRow(ctx, `SELECT `+nodeExecutionColumns+` FROM node_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	if err != nil {
		return nil, storeErr("get node execution", err)
	}
	return ne, nil
}

func (s *SQLStore) UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *update.ExitCode)
	}
	if update.ExecutionHandle != nil {
		sets = append(sets, "execution_handle = ?")
		args = append(args, *update.ExecutionHandle)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	where := "id = ?"
	args = append(args, id)
	if update.OnlyIfInProgress {
		where += " AND status IN (?, ?, ?)"
		args = append(args, string(schema.ExecutionStatusManuallyStarted),
			string(schema.ExecutionStatusRunning), string(schema.ExecutionStatusStopping))
	}

	query := fmt.Sprintf("UPDATE node_executions SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return storeErr("update node execution", err)
	}
	return s.checkConditional(ctx, res, "node_executions", "node execution", id)
}

func (s *SQLStore) ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.LatestOnly {
		where = append(where, "is_latest = 1")
	}
	if filter.NotLatestOnly {
		where = append(where, "is_latest = 0")
	}
	if filter.InProgressOnly {
		where = append(where, "status IN (?, ?, ?)")
		args = append(args, string(schema.ExecutionStatusManuallyStarted),
			string(schema.ExecutionStatusRunning), string(schema.ExecutionStatusStopping))
	}

	query := "SELECT " + nodeExecutionColumns + " FROM node_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list node executions", err)
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, storeErr("scan node execution", err)
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func (s *SQLStore) InvalidateNodeExecutions(ctx context.Context, runID string, nodeIDs []string) (int64, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UTC(), runID}
	marks := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		marks[i] = "?"
		args = append(args, id)
	}
	res, err := s.exec(ctx,
		`UPDATE node_executions SET is_latest = 0, updated_at = ? WHERE run_id = ? AND is_latest = 1 AND node_id IN (`+
			strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, storeErr("invalidate node executions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("invalidate node executions", err)
	}
	return n, nil
}

func (s *SQLStore) DeleteNodeExecution(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM node_executions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete node execution", err)
	}
	return checkRowsAffected(res, "node execution", id)
}

func scanNodeExecution(sc scanner) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var (
		isLatest                  int
		status                    string
		exitCode                  sql.NullInt64
		handle, errMsg, startedBy sql.NullString
		startedAt, finishedAt     sql.NullTime
	)
	if err := sc.Scan(&ne.ID, &ne.RunID, &ne.NodeID, &ne.Epoch, &isLatest, &status, &exitCode, &handle,
		&ne.ActivationSeq, &errMsg, &startedBy, &ne.CreatedAt, &startedAt, &finishedAt, &ne.UpdatedAt); err != nil {
		return nil, err
	}
	ne.IsLatest = isLatest != 0
	ne.Status = schema.ExecutionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		ne.ExitCode = &code
	}
	ne.ExecutionHandle = handle.String
	ne.Error = errMsg.String
	ne.StartedBy = startedBy.String
	ne.StartedAt = timePtr(startedAt)
	ne.FinishedAt = timePtr(finishedAt)
	return ne, nil
}

// --- Transition Ledger ---

const transitionColumns = `seq, run_id, edge_id, from_node_id, to_node_id, source_execution_id, epoch, result, evaluated_at`

func (s *SQLStore) RecordTransitionEvaluation(ctx context.Context, ev *TransitionEvaluation) (bool, error) {
	ev.EvaluatedAt = timeOrNow(ev.EvaluatedAt)
	err := s.queryRow(ctx,
		`INSERT INTO transition_evaluations (run_id, edge_id, from_node_id, to_node_id, source_execution_id, epoch, result, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (edge_id, source_execution_id) DO NOTHING
		 RETURNING seq`,
		ev.RunID, ev.EdgeID, ev.FromNodeID, ev.ToNodeID, ev.SourceExecutionID, ev.Epoch, boolToInt(ev.Result), ev.EvaluatedAt,
	).Scan(&ev.Seq)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, storeErr("record transition evaluation", err)
	}

	existing, err := scanTransition(s.queryRow(ctx,
		`SELECT `+transitionColumns+` FROM transition_evaluations WHERE edge_id = ? AND source_execution_id = ?`,
		ev.EdgeID, ev.SourceExecutionID))
	if err != nil {
		return false, storeErr("load transition evaluation", err)
	}
	*ev = *existing
	return false, nil
}

func (s *SQLStore) ListTransitionEvaluations(ctx context.Context, filter TransitionEvaluationFilter) ([]*TransitionEvaluation, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.SourceExecutionID != "" {
		where = append(where, "source_execution_id = ?")
		args = append(args, filter.SourceExecutionID)
	}
	if filter.ToNodeID != "" {
		where = append(where, "to_node_id = ?")
		args = append(args, filter.ToNodeID)
	}
	if filter.FiredOnly {
		where = append(where, "result = 1")
	}

	query := "SELECT " + transitionColumns + " FROM transition_evaluations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list transition evaluations", err)
	}
	defer rows.Close()

	var out []*TransitionEvaluation
	for rows.Next() {
		ev, err := scanTransition(rows)
		if err != nil {
			return nil, storeErr("scan transition evaluation", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanTransition(sc scanner) (*TransitionEvaluation, error) {
	ev := &TransitionEvaluation{}
	var result int
	if err := sc.Scan(&ev.Seq, &ev.RunID, &ev.EdgeID, &ev.FromNodeID, &ev.ToNodeID,
		&ev.SourceExecutionID, &ev.Epoch, &result, &ev.EvaluatedAt); err != nil {
		return nil, err
	}
	ev.Result = result != 0
	return ev, nil
}

// --- Postponed Events ---

const postponedColumns = `id, kind, subject_id, run_id, node_execution_id, status, postponed_until,
	count_with_same_status, count_with_success_status, triggered_at, resolved_at, payload, version, created_at, updated_at`

func (s *SQLStore) CreatePostponedEvent(ctx context.Context, ev *PostponedEvent) error {
	if ev.Version == 0 {
		ev.Version = 1
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	ev.UpdatedAt = ev.CreatedAt
	_, err := s.exec(ctx,
		`INSERT INTO postponed_events (`+postponedColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.SubjectID, nullStr(ev.RunID), nullStr(ev.NodeExecutionID), ev.Status,
		ev.PostponedUntil, ev.CountWithSameStatus, ev.CountWithSuccessStatus,
		nullTime(ev.TriggeredAt), nullTime(ev.ResolvedAt), nullRaw(ev.Payload), ev.Version, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return storeErr("create postponed event", err)
	}
	return nil
}

func (s *SQLStore) GetPostponedEvent(ctx context.Context, id string) (*PostponedEvent, error) {
	ev, err := scanPostponed(s.queryRow(ctx, `SELECT `+postponedColumns+` FROM postponed_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("postponed event", id)
	}
	if err != nil {
		return nil, storeErr("get postponed event", err)
	}
	return ev, nil
}

func (s *SQLStore) UpdatePostponedEvent(ctx context.Context, id string, update PostponedEventUpdate) error {
	var sets []string
	var args []any

	if update.CountWithSameStatus != nil {
		sets = append(sets, "count_with_same_status = ?")
		args = append(args, *update.CountWithSameStatus)
	}
	if update.CountWithSuccessStatus != nil {
		sets = append(sets, "count_with_success_status = ?")
		args = append(args, *update.CountWithSuccessStatus)
	}
	if update.TriggeredAt != nil {
		sets = append(sets, "triggered_at = ?")
		args = append(args, *update.TriggeredAt)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id, update.ExpectVersion)

	query := fmt.Sprintf(
		"UPDATE postponed_events SET %s WHERE id = ? AND version = ? AND triggered_at IS NULL AND resolved_at IS NULL",
		strings.Join(sets, ", "))
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return storeErr("update postponed event", err)
	}
	return s.checkConditional(ctx, res, "postponed_events", "postponed event", id)
}

func (s *SQLStore) ListPostponedEvents(ctx context.Context, filter PostponedEventFilter) ([]*PostponedEvent, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.OpenOnly {
		where = append(where, "triggered_at IS NULL AND resolved_at IS NULL")
	}
	if filter.DueBefore != nil {
		where = append(where, "postponed_until <= ?")
		args = append(args, *filter.DueBefore)
	}

	query := "SELECT " + postponedColumns + " FROM postponed_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY postponed_until ASC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list postponed events", err)
	}
	defer rows.Close()

	var out []*PostponedEvent
	for rows.Next() {
		ev, err := scanPostponed(rows)
		if err != nil {
			return nil, storeErr("scan postponed event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanPostponed(sc scanner) (*PostponedEvent, error) {
	ev := &PostponedEvent{}
	var (
		kind                 string
		runID, neID, payload sql.NullString
		triggered, resolved  sql.NullTime
	)
	if err := sc.Scan(&ev.ID, &kind, &ev.SubjectID, &runID, &neID, &ev.Status, &ev.PostponedUntil,
		&ev.CountWithSameStatus, &ev.CountWithSuccessStatus, &triggered, &resolved, &payload,
		&ev.Version, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}
	ev.Kind = schema.SubjectKind(kind)
	ev.RunID = runID.String
	ev.NodeExecutionID = neID.String
	ev.TriggeredAt = timePtr(triggered)
	ev.ResolvedAt = timePtr(resolved)
	ev.Payload = rawOrNil(payload)
	return ev, nil
}

// --- Notification Attempts ---

func (s *SQLStore) RecordNotificationAttempt(ctx context.Context, a *NotificationAttempt) error {
	a.AttemptedAt = timeOrNow(a.AttemptedAt)
	_, err := s.exec(ctx,
		`INSERT INTO notification_attempts (id, notification_id, kind, attempt, status, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.NotificationID, string(a.Kind), a.Attempt, a.Status, nullStr(a.Error), a.AttemptedAt,
	)
	if err != nil {
		return storeErr("record notification attempt", err)
	}
	return nil
}

func (s *SQLStore) ListNotificationAttempts(ctx context.Context, notificationID string) ([]*NotificationAttempt, error) {
	rows, err := s.query(ctx,
		`SELECT id, notification_id, kind, attempt, status, error, attempted_at
		 FROM notification_attempts WHERE notification_id = ? ORDER BY attempt ASC`, notificationID)
	if err != nil {
		return nil, storeErr("list notification attempts", err)
	}
	defer rows.Close()

	var out []*NotificationAttempt
	for rows.Next() {
		a := &NotificationAttempt{}
		var kind string
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.NotificationID, &kind, &a.Attempt, &a.Status, &errMsg, &a.AttemptedAt); err != nil {
			return nil, storeErr("scan notification attempt", err)
		}
		a.Kind = schema.NotificationKind(kind)
		a.Error = errMsg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`), event.RunID,
	).Scan(&seq)
	if err != nil {
		return storeErr("get next sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO events (run_id, node_id, event_type, payload, actor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		event.RunID, nullStr(event.NodeID), string(event.Type), nullRaw(event.Payload),
		nullStr(event.ActorID), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *SQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, run_id, node_id, event_type, payload, actor_id, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload, actorID sql.NullString
		var typ string
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &typ, &payload, &actorID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.NodeID = nodeID.String
		e.Type = schema.EventType(typ)
		e.Payload = rawOrNil(payload)
		e.ActorID = actorID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// checkConditional distinguishes a missing row from a failed precondition
// after an UPDATE that affected nothing.
func (s *SQLStore) checkConditional(ctx context.Context, res sql.Result, table, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count); err != nil {
		return storeErr("check "+resource, err)
	}
	if count == 0 {
		return storeNotFound(resource, id)
	}
	return storeConflict(resource, id)
}

func storeNotFound(resource, id string) *schema.OpcodeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.OpcodeError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q changed concurrently", resource, id)
}

func storeErr(op string, err error) *schema.OpcodeError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
