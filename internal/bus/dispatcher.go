package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

// Engine is the controller surface commands are dispatched to.
type Engine interface {
	Start(ctx context.Context, actor identity.Actor, cmd engine.StartRunCommand) (*store.Run, error)
	Retry(ctx context.Context, actor identity.Actor, cmd engine.RetryRunCommand) error
	Stop(ctx context.Context, actor identity.Actor, cmd engine.StopRunCommand) error
	StartNodes(ctx context.Context, actor identity.Actor, cmd engine.StartNodesCommand) error
	NodeExecutionCompleted(ctx context.Context, actor identity.Actor, cmd engine.NodeExecutionCompletedCommand) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Topic  string // default CommandsTopic
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Dispatcher consumes command messages and applies them to the engine.
// Messages whose command fails with a retryable error are nacked for
// redelivery; every other message is acked, failed ones after logging.
type Dispatcher struct {
	router *message.Router
	engine Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a Dispatcher reading from sub.
func NewDispatcher(sub message.Subscriber, eng Engine, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Topic == "" {
		cfg.Topic = CommandsTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Tracer()
	}

	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)

	d := &Dispatcher{
		router: router,
		engine: eng,
		logger: cfg.Logger,
		tracer: cfg.Tracer,
	}
	router.AddNoPublisherHandler("opflow.commands", cfg.Topic, sub, d.handle)
	return d, nil
}

// Run consumes messages until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once the dispatcher is consuming.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops consuming and waits for in-flight messages.
func (d *Dispatcher) Close() error {
	return d.router.Close()
}

func (d *Dispatcher) handle(msg *message.Message) error {
	ctx := tracing.Extract(msg.Context(), msg.Metadata)

	actor := identity.Actor{ID: "bus", Name: "bus", Type: identity.ActorTypeService}
	if raw := msg.Metadata.Get(MetadataActor); raw != "" {
		parsed, err := identity.Parse(raw)
		if err != nil {
			d.logger.Warn("dropping command with invalid actor",
				slog.String("message_id", msg.UUID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		actor = parsed
	}

	err := d.Dispatch(ctx, actor, msg.Metadata.Get(MetadataCommandType), msg.Payload)
	if err == nil {
		return nil
	}
	if schema.IsRetryable(err) {
		d.logger.Warn("command failed, requesting redelivery",
			slog.String("message_id", msg.UUID),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.logger.Error("command failed",
		slog.String("message_id", msg.UUID),
		slog.String("command_type", msg.Metadata.Get(MetadataCommandType)),
		slog.String("error", err.Error()),
	)
	return nil
}

// Dispatch decodes payload as the command named by commandType and applies
// it on behalf of actor.
func (d *Dispatcher) Dispatch(ctx context.Context, actor identity.Actor, commandType string, payload []byte) (err error) {
	ctx = logging.WithActorID(ctx, actor.ID)
	ctx, span := tracing.StartSpan(ctx, d.tracer, "bus.dispatch",
		attribute.String(tracing.CommandTypeKey, commandType),
		attribute.String(tracing.ActorIDKey, actor.ID),
	)
	defer func() { tracing.End(span, err) }()

	switch commandType {
	case engine.CommandStartRun:
		var cmd engine.StartRunCommand
		if err := decode(payload, &cmd); err != nil {
			return err
		}
		run, err := d.engine.Start(ctx, actor, cmd)
		if run != nil {
			logging.LogWith(ctx, d.logger).Info("run started from bus",
				slog.String("run_id", run.ID),
				slog.String("status", string(run.Status)),
			)
		}
		return err
	case engine.CommandRetryRun:
		var cmd engine.RetryRunCommand
		if err := decode(payload, &cmd); err != nil {
			return err
		}
		return d.engine.Retry(ctx, actor, cmd)
	case engine.CommandStopRun:
		var cmd engine.StopRunCommand
		if err := decode(payload, &cmd); err != nil {
			return err
		}
		return d.engine.Stop(ctx, actor, cmd)
	case engine.CommandStartNodes:
		var cmd engine.StartNodesCommand
		if err := decode(payload, &cmd); err != nil {
			return err
		}
		return d.engine.StartNodes(ctx, actor, cmd)
	case engine.CommandNodeExecutionCompleted:
		var cmd engine.NodeExecutionCompletedCommand
		if err := decode(payload, &cmd); err != nil {
			return err
		}
		return d.engine.NodeExecutionCompleted(ctx, actor, cmd)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown command type %q", commandType)
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode command: %s", err.Error()).WithCause(err)
	}
	return nil
}

// NewCommandMessage builds the message carrying cmd, with the command type,
// actor and trace context in its metadata.
func NewCommandMessage(ctx context.Context, actor identity.Actor, commandType string, cmd any) (*message.Message, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode command: %s", err.Error()).WithCause(err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataCommandType, commandType)
	msg.Metadata.Set(MetadataActor, actor.String())
	tracing.Inject(ctx, msg.Metadata)
	return msg, nil
}

// SendCommand publishes cmd to the commands topic.
func SendCommand(ctx context.Context, pub message.Publisher, actor identity.Actor, commandType string, cmd any) error {
	msg, err := NewCommandMessage(ctx, actor, commandType, cmd)
	if err != nil {
		return err
	}
	return pub.Publish(CommandsTopic, msg)
}
