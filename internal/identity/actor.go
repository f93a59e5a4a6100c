package identity

import (
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// Actor type constants.
const (
	ActorTypeHuman     = "human"
	ActorTypeService   = "service"
	ActorTypeScheduler = "scheduler"
	ActorTypeSystem    = "system"
)

var validActorTypes = map[string]bool{
	ActorTypeHuman:     true,
	ActorTypeService:   true,
	ActorTypeScheduler: true,
	ActorTypeSystem:    true,
}

// Actor is whoever initiated an engine operation. It is passed explicitly to
// every controller call and recorded on runs, node executions and events.
type Actor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
	Type string `json:"type" validate:"required"`
}

// Scheduler is the actor used by background sweeps.
func Scheduler() Actor {
	return Actor{ID: "opflow-scheduler", Name: "scheduler", Type: ActorTypeScheduler}
}

// System is the actor used for engine-internal follow-ups.
func System() Actor {
	return Actor{ID: "opflow-system", Name: "system", Type: ActorTypeSystem}
}

// Human returns an actor for a CLI user.
func Human(id string) Actor {
	return Actor{ID: id, Name: id, Type: ActorTypeHuman}
}

// ValidateActorType checks that typ is one of the valid actor types.
func ValidateActorType(typ string) error {
	if !validActorTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid actor type %q: must be one of human, service, scheduler, system", typ)
	}
	return nil
}

// Validate checks required fields on the actor.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor id is required")
	}
	return ValidateActorType(a.Type)
}

// String renders the actor as type:id.
func (a Actor) String() string {
	return a.Type + ":" + a.ID
}

// Parse reads the type:id form produced by String. A bare id is treated as a
// service actor.
func Parse(s string) (Actor, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		typ, id = ActorTypeService, s
	}
	a := Actor{ID: id, Name: id, Type: typ}
	if err := a.Validate(); err != nil {
		return Actor{}, err
	}
	return a, nil
}
