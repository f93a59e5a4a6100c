// Package postpone holds back alerts for failing status changes until the
// failure either clears through later successes or proves persistent.
package postpone

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// maxConflictRetries bounds how often a conditional update is re-read and
// retried after losing a race.
const maxConflictRetries = 3

// Notifier delivers notifications to the outside world.
type Notifier interface {
	Emit(ctx context.Context, n schema.Notification) error
}

// Config configures a Tracker.
type Config struct {
	Logger *slog.Logger
}

// Tracker is the postponement state machine. It satisfies the engine's
// status change trigger and is shared by task and workflow subjects.
type Tracker struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewTracker creates a Tracker that persists postponed events in s and
// delivers through n.
func NewTracker(s store.Store, n Notifier, cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    s,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Trigger handles one status change of a subject. Open postponed events of
// the subject are updated first; a repeat of their failing status is
// absorbed by them. A failing status with an enabled rule starts a new
// postponement, anything else is notified immediately.
func (t *Tracker) Trigger(ctx context.Context, change schema.StatusChange) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = t.now()
	}

	open, err := t.store.ListPostponedEvents(ctx, store.PostponedEventFilter{
		Kind:      change.SubjectKind,
		SubjectID: change.SubjectID,
		OpenOnly:  true,
	})
	if err != nil {
		return err
	}

	var (
		absorbed bool
		firstErr error
	)
	for _, ev := range open {
		a, err := t.UpdateAfterPostponed(ctx, ev, change)
		if err != nil {
			t.logger.Error("update postponed event",
				slog.String("postponed_event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		absorbed = absorbed || a
	}
	if absorbed {
		return firstErr
	}

	if rule, failing := change.Policy.RuleFor(change.Status); failing && rule.Enabled() {
		if err := t.postpone(ctx, change, rule); err != nil {
			return err
		}
		return firstErr
	}

	if err := t.emit(ctx, t.statusNotification(change, false)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *Tracker) postpone(ctx context.Context, change schema.StatusChange, rule schema.PostponementRule) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode status change: %s", err.Error()).WithCause(err)
	}
	now := t.now()
	ev := &store.PostponedEvent{
		ID:              t.newID(),
		Kind:            change.SubjectKind,
		SubjectID:       change.SubjectID,
		RunID:           change.RunID,
		NodeExecutionID: change.NodeExecutionID,
		Status:          change.Status,
		PostponedUntil:  now.Add(time.Duration(rule.PostponedBeforeSuccessSeconds) * time.Second),
		Payload:         payload,
		CreatedAt:       now,
	}
	if err := t.store.CreatePostponedEvent(ctx, ev); err != nil {
		return err
	}
	t.logger.Info("alert postponed",
		slog.String("postponed_event_id", ev.ID),
		slog.String("subject_id", ev.SubjectID),
		slog.String("status", ev.Status),
		slog.Time("postponed_until", ev.PostponedUntil),
	)
	return nil
}

// UpdateAfterPostponed folds a later status change of the same subject into
// the open event ev. It reports whether change was absorbed, which is the
// case for a repeat of ev's failing status.
//
// A success counts towards clearing the event and resolves it once the
// rule's required count is reached. A repeated failure counts towards the
// rule's max and accelerates the alert once reached. Past the deadline the
// alert is accelerated regardless. Updates are conditional on ev still being
// open at the version read; a lost race re-reads and retries.
func (t *Tracker) UpdateAfterPostponed(ctx context.Context, ev *store.PostponedEvent, change schema.StatusChange) (bool, error) {
	absorbed := change.Status == ev.Status

	for attempt := 0; ; attempt++ {
		upd, outcome, err := t.plan(ev, change)
		if err != nil {
			return false, err
		}
		if outcome == outcomeNone {
			return absorbed, nil
		}

		err = t.store.UpdatePostponedEvent(ctx, ev.ID, upd)
		if err == nil {
			t.afterUpdate(ctx, ev, upd, outcome)
			return absorbed, nil
		}
		if !schema.HasCode(err, schema.ErrCodeConflict) || attempt >= maxConflictRetries {
			return false, err
		}

		fresh, gerr := t.store.GetPostponedEvent(ctx, ev.ID)
		if gerr != nil {
			return false, gerr
		}
		if !fresh.IsOpen() {
			// Someone else triggered or resolved it; a repeat failure is still
			// covered by that alert.
			return absorbed && fresh.TriggeredAt != nil, nil
		}
		ev = fresh
	}
}

type updateOutcome int

const (
	outcomeNone updateOutcome = iota
	outcomeCount
	outcomeResolve
	outcomeAccelerate
)

// plan computes the conditional update change implies for ev.
func (t *Tracker) plan(ev *store.PostponedEvent, change schema.StatusChange) (store.PostponedEventUpdate, updateOutcome, error) {
	upd := store.PostponedEventUpdate{ExpectVersion: ev.Version}

	original, err := decodeChange(ev)
	if err != nil {
		return upd, outcomeNone, err
	}
	rule, _ := original.Policy.RuleFor(ev.Status)
	now := t.now()

	// Overdue: a late success no longer clears it.
	if !now.Before(ev.PostponedUntil) {
		upd.TriggeredAt = &now
		return upd, outcomeAccelerate, nil
	}

	switch change.Status {
	case schema.StatusSucceeded:
		n := ev.CountWithSuccessStatus + 1
		upd.CountWithSuccessStatus = &n
		if n >= max(rule.RequiredSuccessCountToClear, 1) {
			upd.ResolvedAt = &now
			return upd, outcomeResolve, nil
		}
		return upd, outcomeCount, nil
	case ev.Status:
		n := ev.CountWithSameStatus + 1
		upd.CountWithSameStatus = &n
		if n >= rule.MaxPostponedCount {
			upd.TriggeredAt = &now
			return upd, outcomeAccelerate, nil
		}
		return upd, outcomeCount, nil
	default:
		return upd, outcomeNone, nil
	}
}

func (t *Tracker) afterUpdate(ctx context.Context, ev *store.PostponedEvent, upd store.PostponedEventUpdate, outcome updateOutcome) {
	switch outcome {
	case outcomeResolve:
		t.logger.Info("postponed alert cleared",
			slog.String("postponed_event_id", ev.ID),
			slog.Int("success_count", *upd.CountWithSuccessStatus),
		)
		original, _ := decodeChange(ev)
		n := schema.Notification{
			ID:   t.newID(),
			Kind: schema.NotificationPostponedResolution,
			Resolution: &schema.PostponedResolution{
				PostponedEventID: ev.ID,
				Original:         original,
				SuccessCount:     *upd.CountWithSuccessStatus,
				ResolvedAt:       *upd.ResolvedAt,
			},
		}
		_ = t.emit(ctx, n)
	case outcomeAccelerate:
		t.accelerated(ctx, ev)
	}
}

// Sweep accelerates open events whose deadline passed before now. Each row
// is re-read before acting and skipped if it changed. It returns the number
// of alerts triggered.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := t.store.ListPostponedEvents(ctx, store.PostponedEventFilter{OpenOnly: true, DueBefore: &now})
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, ev := range due {
		fresh, err := t.store.GetPostponedEvent(ctx, ev.ID)
		if err != nil {
			t.logger.Warn("sweep: re-read postponed event",
				slog.String("postponed_event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !fresh.IsOpen() || fresh.Version != ev.Version || fresh.PostponedUntil.After(now) {
			continue
		}

		ts := now
		err = t.store.UpdatePostponedEvent(ctx, fresh.ID, store.PostponedEventUpdate{
			TriggeredAt:   &ts,
			ExpectVersion: fresh.Version,
		})
		if schema.HasCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return triggered, err
		}
		t.accelerated(ctx, fresh)
		triggered++
	}
	return triggered, nil
}

// accelerated delivers the original status change of ev.
func (t *Tracker) accelerated(ctx context.Context, ev *store.PostponedEvent) {
	original, err := decodeChange(ev)
	if err != nil {
		t.logger.Error("decode postponed payload",
			slog.String("postponed_event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	t.logger.Info("postponed alert triggered", slog.String("postponed_event_id", ev.ID))
	_ = t.emit(ctx, t.statusNotification(original, true))
}

func (t *Tracker) statusNotification(change schema.StatusChange, accelerated bool) schema.Notification {
	return schema.Notification{
		ID:          t.newID(),
		Kind:        schema.NotificationStatusChange,
		Change:      &change,
		Accelerated: accelerated,
	}
}

func (t *Tracker) emit(ctx context.Context, n schema.Notification) error {
	if err := t.notifier.Emit(ctx, n); err != nil {
		t.logger.Error("emit notification",
			slog.String("notification_id", n.ID),
			slog.String("kind", string(n.Kind)),
			slog.String("error", err.Error()),
		)
		return schema.NewErrorf(schema.ErrCodeNotifyFailed, "emit %s notification: %s", n.Kind, err.Error()).WithCause(err)
	}
	return nil
}

func decodeChange(ev *store.PostponedEvent) (schema.StatusChange, error) {
	var change schema.StatusChange
	if len(ev.Payload) == 0 {
		return schema.StatusChange{SubjectKind: ev.Kind, SubjectID: ev.SubjectID, RunID: ev.RunID, Status: ev.Status}, nil
	}
	if err := json.Unmarshal(ev.Payload, &change); err != nil {
		return change, schema.NewErrorf(schema.ErrCodeStore, "decode postponed event %s: %s", ev.ID, err.Error()).WithCause(err)
	}
	return change, nil
}
