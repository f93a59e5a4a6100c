package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

const pipelineYAML = `
id: pipeline
nodes:
  - id: fetch
  - id: publish
edges:
  - from: fetch
    to: publish
    rule_type: CUSTOM
    expression: size > 0
`

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	settings := filepath.Join(t.TempDir(), "settings.json")
	err := app.Run(context.Background(), append([]string{"opflow", "--settings", settings}, args...))
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(good, []byte(pipelineYAML), 0o644))

	out, err := runApp(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+" (pipeline, 1 warnings)")
	assert.Contains(t, out, "CUSTOM is not supported")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"id":"x","nodes":[{"id":"a"},{"id":"a"}]}`), 0o644))
	out, err = runApp(t, "validate", good, bad)
	assert.ErrorContains(t, err, "1 of 2 paths invalid")
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, out, `duplicate node id "a"`)
}

func TestRegisterCommand_MemoryStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yml"), []byte(pipelineYAML), 0o644))

	out, err := runApp(t, "--db-driver", "memory", "register", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "registered pipeline from")
}

func TestBusCommands_RequireKafka(t *testing.T) {
	_, err := runApp(t, "start", "--workflow", "pipeline")
	assert.ErrorContains(t, err, "needs bus_provider kafka")

	_, err = runApp(t, "complete", "--execution", "ne-1", "--status", "bogus")
	assert.ErrorContains(t, err, "VALIDATION_ERROR")

	_, err = runApp(t, "start-nodes", "--run", "r1")
	assert.ErrorContains(t, err, "VALIDATION_ERROR", "at least one --node is required")

	_, err = runApp(t, "start-nodes", "--run", "r1", "--node", "a", "--node", "b")
	assert.ErrorContains(t, err, "needs bus_provider kafka")
}

func TestCliActor(t *testing.T) {
	a, err := cliActor("service:deployer")
	require.NoError(t, err)
	assert.Equal(t, "deployer", a.ID)

	t.Setenv("USER", "ana")
	a, err = cliActor("")
	require.NoError(t, err)
	assert.Equal(t, "human:ana", a.String())
}

func TestDiagramCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0o644))

	out, err := runApp(t, "diagram", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "fetch -->|CUSTOM| publish")

	_, err = runApp(t, "diagram")
	assert.ErrorContains(t, err, "definition file or --run")
}

func TestHistoryCommand(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "opflow.db")
	st, err := store.NewLibSQLStore("file:" + db)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	log := store.NewEventLog(st)
	for _, e := range []*store.Event{
		{RunID: "r1", Type: schema.EventRunStarted, ActorID: "deployer"},
		{RunID: "r1", NodeID: "fetch", Type: schema.EventNodeStarted},
		{RunID: "r1", NodeID: "fetch", Type: schema.EventNodeFinished},
		{RunID: "r1", NodeID: "publish", Type: schema.EventNodeSkipped},
		{RunID: "r1", Type: schema.EventRunSucceeded},
	} {
		require.NoError(t, log.AppendEvent(ctx, e))
	}
	require.NoError(t, st.Close())

	out, err := runApp(t, "--db-driver", "libsql", "--db-url", db, "history", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "run r1 SUCCEEDED epochs=1 events=5")
	assert.Contains(t, out, "actors deployer")
	assert.Regexp(t, `fetch\s+starts=1 finishes=1 .* last=node_finished`, out)
	assert.Regexp(t, `publish\s+starts=0 finishes=0 redrives=0 skips=1`, out)
	assert.NotContains(t, out, "node_started node=")

	out, err = runApp(t, "--db-driver", "libsql", "--db-url", db, "history", "--events", "--since", "3", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "node_skipped")
	assert.Contains(t, out, "node=publish")
	assert.NotContains(t, out, "node=fetch")

	out, err = runApp(t, "--db-driver", "libsql", "--db-url", db, "history", "--json", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "SUCCEEDED"`)
	assert.Contains(t, out, `"last_seq": 5`)

	_, err = runApp(t, "history")
	assert.ErrorContains(t, err, "exactly one run id")
}

func TestSweepCommand_Validation(t *testing.T) {
	_, err := runApp(t, "sweep", "everything")
	assert.ErrorContains(t, err, `"timeouts" or "postponements"`)

	_, err = runApp(t, "sweep", "timeouts")
	assert.ErrorContains(t, err, "needs bus_provider kafka")
}
