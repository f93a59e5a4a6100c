package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// Execution message types.
const (
	MessageNodeStart  = "node.start"
	MessageNodeCancel = "node.cancel"
)

// NodeStart asks an external launcher to run a task. The launcher reports
// back with a node_execution_completed command quoting NodeExecutionID.
type NodeStart struct {
	NodeExecutionID string `json:"node_execution_id"`
	RunID           string `json:"run_id"`
	WorkflowID      string `json:"workflow_id"`
	NodeID          string `json:"node_id"`
	Task            string `json:"task"`
	Epoch           int    `json:"epoch"`
}

// NodeCancel asks the launcher to stop the work behind Handle.
type NodeCancel struct {
	Handle string `json:"handle"`
}

// Executor is an engine.Executor that hands launches to external workers
// over the bus. The handle of a launch is its node execution ID.
type Executor struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

var _ engine.Executor = (*Executor)(nil)

// NewExecutor creates an Executor publishing to topic, or ExecutionsTopic
// when empty.
func NewExecutor(pub message.Publisher, topic string, logger *slog.Logger) *Executor {
	if topic == "" {
		topic = ExecutionsTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{publisher: pub, topic: topic, logger: logger}
}

// Start publishes a node.start message.
func (e *Executor) Start(ctx context.Context, req engine.StartRequest) (string, error) {
	body := NodeStart{
		NodeExecutionID: req.NodeExecutionID,
		NodeID:          req.Node.ID,
		Task:            req.Node.TaskName(),
	}
	if req.Run != nil {
		body.RunID = req.Run.ID
		body.WorkflowID = req.Run.WorkflowID
		body.Epoch = req.Run.Epoch
	}
	if err := e.publish(ctx, MessageNodeStart, body); err != nil {
		return "", err
	}
	return req.NodeExecutionID, nil
}

// Cancel publishes a node.cancel message.
func (e *Executor) Cancel(ctx context.Context, handle string) error {
	return e.publish(ctx, MessageNodeCancel, NodeCancel{Handle: handle})
}

func (e *Executor) publish(ctx context.Context, typ string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode %s: %s", typ, err.Error()).WithCause(err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataMessageType, typ)
	tracing.Inject(ctx, msg.Metadata)

	if err := e.publisher.Publish(e.topic, msg); err != nil {
		e.logger.Error("publish execution message",
			slog.String("message_type", typ),
			slog.String("error", err.Error()),
		)
		return schema.NewErrorf(schema.ErrCodeExecution, "publish %s: %s", typ, err.Error()).WithCause(err)
	}
	return nil
}
