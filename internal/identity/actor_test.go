package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestValidateActorType(t *testing.T) {
	for _, typ := range []string{ActorTypeHuman, ActorTypeService, ActorTypeScheduler, ActorTypeSystem} {
		assert.NoError(t, ValidateActorType(typ), typ)
	}

	err := ValidateActorType("robot")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestActorValidate(t *testing.T) {
	assert.NoError(t, Scheduler().Validate())
	assert.NoError(t, System().Validate())
	assert.NoError(t, Human("alice").Validate())

	err := Actor{Type: ActorTypeHuman}.Validate()
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestParse(t *testing.T) {
	a, err := Parse("human:alice")
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "alice", Name: "alice", Type: ActorTypeHuman}, a)
	assert.Equal(t, "human:alice", a.String())

	a, err = Parse("billing-service")
	require.NoError(t, err)
	assert.Equal(t, ActorTypeService, a.Type)

	_, err = Parse("alien:zed")
	assert.Error(t, err)

	_, err = Parse("human:")
	assert.Error(t, err)
}
