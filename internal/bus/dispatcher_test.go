package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type call struct {
	kind  string
	actor identity.Actor
	cmd   any
}

// fakeEngine records dispatched commands and fails them with err.
type fakeEngine struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeEngine) record(kind string, actor identity.Actor, cmd any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind, actor, cmd})
	return f.err
}

func (f *fakeEngine) Start(_ context.Context, actor identity.Actor, cmd engine.StartRunCommand) (*store.Run, error) {
	return nil, f.record(engine.CommandStartRun, actor, cmd)
}

func (f *fakeEngine) Retry(_ context.Context, actor identity.Actor, cmd engine.RetryRunCommand) error {
	return f.record(engine.CommandRetryRun, actor, cmd)
}

func (f *fakeEngine) Stop(_ context.Context, actor identity.Actor, cmd engine.StopRunCommand) error {
	return f.record(engine.CommandStopRun, actor, cmd)
}

func (f *fakeEngine) StartNodes(_ context.Context, actor identity.Actor, cmd engine.StartNodesCommand) error {
	return f.record(engine.CommandStartNodes, actor, cmd)
}

func (f *fakeEngine) NodeExecutionCompleted(_ context.Context, actor identity.Actor, cmd engine.NodeExecutionCompletedCommand) error {
	return f.record(engine.CommandNodeExecutionCompleted, actor, cmd)
}

func newTestDispatcher(t *testing.T, eng Engine) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(NewGoChannelPubSub(watermill.NopLogger{}), eng, DispatcherConfig{Logger: quietLogger})
	require.NoError(t, err)
	return d
}

func TestDispatch_RoutesEveryCommand(t *testing.T) {
	exitCode := 2
	tests := []struct {
		kind string
		cmd  any
	}{
		{engine.CommandStartRun, engine.StartRunCommand{WorkflowID: "wf", Reason: "nightly"}},
		{engine.CommandRetryRun, engine.RetryRunCommand{RunID: "r1", SeedNodeIDs: []string{"b"}}},
		{engine.CommandStopRun, engine.StopRunCommand{RunID: "r1", Reason: "maintenance"}},
		{engine.CommandStartNodes, engine.StartNodesCommand{RunID: "r1", NodeIDs: []string{"a", "c"}}},
		{engine.CommandNodeExecutionCompleted, engine.NodeExecutionCompletedCommand{
			NodeExecutionID: "ne-1", Status: schema.ExecutionStatusFailed, ExitCode: &exitCode,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			eng := &fakeEngine{}
			d := newTestDispatcher(t, eng)
			payload, err := json.Marshal(tt.cmd)
			require.NoError(t, err)

			require.NoError(t, d.Dispatch(context.Background(), identity.Human("ops"), tt.kind, payload))
			require.Len(t, eng.calls, 1)
			assert.Equal(t, tt.kind, eng.calls[0].kind)
			assert.Equal(t, tt.cmd, eng.calls[0].cmd)
			assert.Equal(t, "ops", eng.calls[0].actor.ID)
		})
	}
}

func TestDispatch_Rejects(t *testing.T) {
	d := newTestDispatcher(t, &fakeEngine{})

	err := d.Dispatch(context.Background(), identity.System(), "reboot", []byte(`{}`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = d.Dispatch(context.Background(), identity.System(), engine.CommandStopRun, []byte(`{not json`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHandle_AckAndNack(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success acks", nil, false},
		{"conflict nacks", schema.NewError(schema.ErrCodeConflict, "run version changed"), true},
		{"store error nacks", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"not found acks", schema.NewError(schema.ErrCodeNotFound, "run missing"), false},
		{"validation acks", schema.NewError(schema.ErrCodeValidation, "bad command"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{err: tt.err}
			d := newTestDispatcher(t, eng)
			msg, err := NewCommandMessage(context.Background(), identity.Human("ops"), engine.CommandStopRun, engine.StopRunCommand{RunID: "r1"})
			require.NoError(t, err)

			err = d.handle(msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, eng.calls, 1)
			assert.Equal(t, identity.ActorTypeHuman, eng.calls[0].actor.Type)
		})
	}
}

func TestHandle_ActorMetadata(t *testing.T) {
	eng := &fakeEngine{}
	d := newTestDispatcher(t, eng)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"run_id":"r1"}`))
	msg.Metadata.Set(MetadataCommandType, engine.CommandStopRun)
	require.NoError(t, d.handle(msg))
	require.Len(t, eng.calls, 1)
	assert.Equal(t, identity.ActorTypeService, eng.calls[0].actor.Type, "missing actor defaults to the bus service")

	bad := message.NewMessage(watermill.NewUUID(), []byte(`{"run_id":"r1"}`))
	bad.Metadata.Set(MetadataCommandType, engine.CommandStopRun)
	bad.Metadata.Set(MetadataActor, "robot:")
	require.NoError(t, d.handle(bad), "invalid actors are dropped, not redelivered")
	assert.Len(t, eng.calls, 1)
}

func TestNewCommandMessage(t *testing.T) {
	msg, err := NewCommandMessage(context.Background(), identity.Scheduler(), engine.CommandRetryRun, engine.RetryRunCommand{RunID: "r9"})
	require.NoError(t, err)
	assert.Equal(t, engine.CommandRetryRun, msg.Metadata.Get(MetadataCommandType))
	assert.Equal(t, "scheduler:opflow-scheduler", msg.Metadata.Get(MetadataActor))
	assert.JSONEq(t, `{"run_id":"r9"}`, string(msg.Payload))
}

// TestDispatcher_EndToEnd drives a two-node run entirely over the bus: the
// controller launches through the bus executor and completions come back as
// command messages.
func TestDispatcher_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := NewGoChannelPubSub(watermill.NopLogger{})
	defer pubSub.Close()
	executions, err := pubSub.Subscribe(ctx, ExecutionsTopic)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	require.NoError(t, s.SaveWorkflow(ctx, &store.Workflow{ID: "wf", Definition: schema.WorkflowDefinition{
		ID:    "wf",
		Nodes: []schema.NodeDefinition{{ID: "extract"}, {ID: "load", Task: "loader"}},
		Edges: []schema.EdgeDefinition{{From: "extract", To: "load", Rule: schema.RuleOnSuccess}},
	}}))
	ctrl := engine.NewController(s, NewExecutor(pubSub, "", quietLogger), nil, engine.Config{Logger: quietLogger})

	d, err := NewDispatcher(pubSub, ctrl, DispatcherConfig{Logger: quietLogger})
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()
	defer d.Close()
	<-d.Running()

	operator := identity.Human("ops")
	nextStart := func() NodeStart {
		t.Helper()
		select {
		case msg := <-executions:
			msg.Ack()
			require.Equal(t, MessageNodeStart, msg.Metadata.Get(MetadataMessageType))
			var start NodeStart
			require.NoError(t, json.Unmarshal(msg.Payload, &start))
			return start
		case <-time.After(5 * time.Second):
			t.Fatal("no node.start published")
			return NodeStart{}
		}
	}

	require.NoError(t, SendCommand(ctx, pubSub, operator, engine.CommandStartRun, engine.StartRunCommand{WorkflowID: "wf"}))
	first := nextStart()
	assert.Equal(t, "extract", first.NodeID)
	assert.Equal(t, "wf", first.WorkflowID)
	assert.Equal(t, 1, first.Epoch)

	require.NoError(t, SendCommand(ctx, pubSub, operator, engine.CommandNodeExecutionCompleted, engine.NodeExecutionCompletedCommand{
		NodeExecutionID: first.NodeExecutionID, Status: schema.ExecutionStatusSucceeded,
	}))
	second := nextStart()
	assert.Equal(t, "load", second.NodeID)
	assert.Equal(t, "loader", second.Task)
	assert.Equal(t, first.RunID, second.RunID)

	require.NoError(t, SendCommand(ctx, pubSub, operator, engine.CommandNodeExecutionCompleted, engine.NodeExecutionCompletedCommand{
		NodeExecutionID: second.NodeExecutionID, Status: schema.ExecutionStatusSucceeded,
	}))

	require.Eventually(t, func() bool {
		run, err := s.GetRun(ctx, first.RunID)
		return err == nil && run.Status == schema.RunStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	ne, err := s.GetNodeExecution(ctx, second.NodeExecutionID)
	require.NoError(t, err)
	assert.Equal(t, second.NodeExecutionID, ne.ExecutionHandle)
}
