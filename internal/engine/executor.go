package engine

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// StartRequest asks an Executor to launch the task behind a node.
type StartRequest struct {
	Run             *store.Run
	Node            *schema.NodeDefinition
	NodeExecutionID string
}

// Executor launches and cancels the work behind node executions. Launches
// are asynchronous: Start returns a handle once the work is accepted, and the
// outcome arrives later as a NodeExecutionCompleted command. Implementations
// must not call back into the controller from Start.
type Executor interface {
	Start(ctx context.Context, req StartRequest) (handle string, err error)
	// Cancel is advisory; the engine never waits for termination.
	Cancel(ctx context.Context, handle string) error
}

// StatusChangeTrigger receives task- and run-level status changes; it is
// satisfied by the postponement tracker.
type StatusChangeTrigger interface {
	Trigger(ctx context.Context, change schema.StatusChange) error
}
