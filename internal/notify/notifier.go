// Package notify delivers engine notifications over the message bus.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// Topic is the default topic notifications are published to.
const Topic = "opflow.notifications"

// Message metadata keys.
const (
	MetadataKind           = "notification_kind"
	MetadataNotificationID = "notification_id"
)

// AttemptRecorder persists per-attempt delivery bookkeeping.
type AttemptRecorder interface {
	RecordNotificationAttempt(ctx context.Context, attempt *store.NotificationAttempt) error
}

// Config configures a BusNotifier.
type Config struct {
	Topic       string  // default Topic
	MaxAttempts int     // default 3
	PoolSize    int     // default 4
	Backoff     Backoff // default DefaultBackoff
	Logger      *slog.Logger
}

// BusNotifier publishes notifications asynchronously. Emit only queues the
// delivery; failures are retried with backoff, recorded per attempt and
// logged, never returned to the caller.
type BusNotifier struct {
	publisher message.Publisher
	attempts  AttemptRecorder
	pool      *Pool
	topic     string
	max       int
	backoff   Backoff
	logger    *slog.Logger
	now       func() time.Time
}

// NewBusNotifier creates a BusNotifier publishing through pub.
func NewBusNotifier(pub message.Publisher, attempts AttemptRecorder, cfg Config) *BusNotifier {
	if cfg.Topic == "" {
		cfg.Topic = Topic
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BusNotifier{
		publisher: pub,
		attempts:  attempts,
		pool:      NewPool(cfg.PoolSize, cfg.Logger),
		topic:     cfg.Topic,
		max:       cfg.MaxAttempts,
		backoff:   cfg.Backoff,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Emit queues n for delivery. It blocks only while the pool is full.
func (b *BusNotifier) Emit(ctx context.Context, n schema.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotifyFailed, "encode notification: %s", err.Error()).WithCause(err)
	}

	err = b.pool.Submit(ctx, func(ctx context.Context) error {
		return b.deliver(ctx, n, payload)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotifyFailed, "queue notification %s: %s", n.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (b *BusNotifier) deliver(ctx context.Context, n schema.Notification, payload []byte) error {
	logger := b.logger.With(
		slog.String("notification_id", n.ID),
		slog.String("kind", string(n.Kind)),
	)

	for attempt := 1; ; attempt++ {
		msg := message.NewMessage(uuid.NewString(), payload)
		msg.Metadata.Set(MetadataKind, string(n.Kind))
		msg.Metadata.Set(MetadataNotificationID, n.ID)
		tracing.Inject(ctx, msg.Metadata)

		err := b.publisher.Publish(b.topic, msg)
		b.record(ctx, n, attempt, err)
		if err == nil {
			logger.Debug("notification delivered", slog.Int("attempt", attempt))
			return nil
		}

		if attempt >= b.max || !retryable(err) {
			logger.Error("notification delivery failed",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return schema.NewErrorf(schema.ErrCodeNotifyFailed,
				"deliver notification %s after %d attempts: %s", n.ID, attempt, err.Error()).WithCause(err)
		}

		delay := b.backoff.Delay(attempt - 1)
		logger.Warn("notification delivery retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (b *BusNotifier) record(ctx context.Context, n schema.Notification, attempt int, sendErr error) {
	if b.attempts == nil {
		return
	}
	a := &store.NotificationAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		Kind:           n.Kind,
		Attempt:        attempt,
		Status:         store.AttemptSent,
		AttemptedAt:    b.now(),
	}
	if sendErr != nil {
		a.Status = store.AttemptFailed
		a.Error = sendErr.Error()
	}
	if err := b.attempts.RecordNotificationAttempt(ctx, a); err != nil {
		b.logger.Warn("record notification attempt",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Metrics returns the delivery pool counters.
func (b *BusNotifier) Metrics() PoolMetrics {
	return b.pool.Metrics()
}

// Close stops accepting notifications and waits for queued deliveries.
func (b *BusNotifier) Close() error {
	b.pool.Close()
	return nil
}
