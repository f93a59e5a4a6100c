package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// flakyPublisher fails the first failures publishes with err.
type flakyPublisher struct {
	mu        sync.Mutex
	failures  int
	err       error
	published []*message.Message
}

func (p *flakyPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures != 0 {
		p.failures--
		return p.err
	}
	p.published = append(p.published, msgs...)
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

func statusNotification(id string) schema.Notification {
	return schema.Notification{
		ID:   id,
		Kind: schema.NotificationStatusChange,
		Change: &schema.StatusChange{
			SubjectKind: schema.SubjectWorkflow,
			SubjectID:   "nightly",
			RunID:       "run-1",
			Status:      schema.StatusFailed,
		},
	}
}

func attempts(t *testing.T, s *store.MemoryStore, id string) []*store.NotificationAttempt {
	t.Helper()
	out, err := s.ListNotificationAttempts(context.Background(), id)
	require.NoError(t, err)
	return out
}

func TestBusNotifier_PublishesOverGoChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10}, watermill.NopLogger{})
	defer pubSub.Close()
	messages, err := pubSub.Subscribe(ctx, Topic)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	n := NewBusNotifier(pubSub, s, Config{Logger: quietLogger})
	require.NoError(t, n.Emit(ctx, statusNotification("n-1")))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, string(schema.NotificationStatusChange), msg.Metadata.Get(MetadataKind))
		assert.Equal(t, "n-1", msg.Metadata.Get(MetadataNotificationID))

		var got schema.Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "nightly", got.Change.SubjectID)
		assert.Equal(t, schema.StatusFailed, got.Change.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not published")
	}

	require.NoError(t, n.Close())
	recorded := attempts(t, s, "n-1")
	require.Len(t, recorded, 1)
	assert.Equal(t, store.AttemptSent, recorded[0].Status)
	assert.Equal(t, schema.NotificationStatusChange, recorded[0].Kind)
	assert.EqualValues(t, 1, n.Metrics().Delivered)
}

func TestBusNotifier_AssignsID(t *testing.T) {
	pub := &flakyPublisher{}
	n := NewBusNotifier(pub, nil, Config{Logger: quietLogger})
	require.NoError(t, n.Emit(context.Background(), statusNotification("")))
	require.NoError(t, n.Close())

	require.Len(t, pub.published, 1)
	assert.NotEmpty(t, pub.published[0].Metadata.Get(MetadataNotificationID))
}

func TestBusNotifier_RetriesWithBackoff(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &flakyPublisher{failures: 2, err: errors.New("connection reset by peer")}
	n := NewBusNotifier(pub, s, Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: time.Millisecond},
		Logger:      quietLogger,
	})

	require.NoError(t, n.Emit(context.Background(), statusNotification("n-2")))
	require.NoError(t, n.Close())

	recorded := attempts(t, s, "n-2")
	require.Len(t, recorded, 3)
	assert.Equal(t, store.AttemptFailed, recorded[0].Status)
	assert.Equal(t, "connection reset by peer", recorded[0].Error)
	assert.Equal(t, store.AttemptFailed, recorded[1].Status)
	assert.Equal(t, store.AttemptSent, recorded[2].Status)
	assert.Equal(t, 3, recorded[2].Attempt)
	assert.Len(t, pub.published, 1)
}

func TestBusNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &flakyPublisher{failures: -1, err: errors.New("broker unreachable")}
	n := NewBusNotifier(pub, s, Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond},
		Logger:      quietLogger,
	})

	require.NoError(t, n.Emit(context.Background(), statusNotification("n-3")), "delivery failures never reach the caller")
	require.NoError(t, n.Close())

	recorded := attempts(t, s, "n-3")
	require.Len(t, recorded, 3)
	for _, a := range recorded {
		assert.Equal(t, store.AttemptFailed, a.Status)
	}
	assert.EqualValues(t, 1, n.Metrics().Failed)
}

func TestBusNotifier_StopsOnPermanentError(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &flakyPublisher{failures: -1, err: errors.New("Pub/Sub closed")}
	n := NewBusNotifier(pub, s, Config{MaxAttempts: 5, Backoff: Backoff{Base: time.Millisecond}, Logger: quietLogger})

	require.NoError(t, n.Emit(context.Background(), statusNotification("n-4")))
	require.NoError(t, n.Close())
	assert.Len(t, attempts(t, s, "n-4"), 1)
}

func TestBusNotifier_EmitAfterClose(t *testing.T) {
	n := NewBusNotifier(&flakyPublisher{}, nil, Config{Logger: quietLogger})
	require.NoError(t, n.Close())

	err := n.Emit(context.Background(), statusNotification("n-5"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotifyFailed))
	assert.ErrorIs(t, err, ErrPoolClosed)
}
