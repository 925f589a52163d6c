package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

const triageYAML = `
id: email-triage
instruction: Sort incoming email.
model:
  primary: anthropic/claude-sonnet-4
  fallbacks: [openai/gpt-4o]
cron: "*/15 * * * *"
timezone: America/New_York
delivery:
  mode: publish
  stream: agent:output
heartbeat:
  cron: "0 * * * *"
  instruction: Check the inbox is reachable.
  budget:
    token_budget: 5000
hooks:
  - stream: email
    event_type: email.received
    message: New email arrived.
downstream: [responder]
warmup:
  enabled: true
  peer_agents: [responder]
`

const fleetYAML = `
agents:
  - id: responder
    instruction: Draft replies.
    model:
      primary: gpt-4o
  - id: planner
    instruction: Plan the day.
    model:
      primary: claude-sonnet-4
    spawn:
      can_spawn: true
      max_nesting_depth: 2
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileSingleAgent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "triage.yaml", triageYAML)

	cfgs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)

	cfg := cfgs[0]
	assert.Equal(t, "email-triage", cfg.ID)
	assert.Equal(t, []string{"anthropic/claude-sonnet-4", "openai/gpt-4o"}, cfg.ModelChain(""))
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, agent.DeliveryPublish, cfg.Delivery.Mode)
	require.NotNil(t, cfg.Heartbeat)
	assert.Equal(t, 5000, cfg.Heartbeat.Budget.TokenBudget)
	require.Len(t, cfg.Hooks, 1)
	assert.Equal(t, "email.received", cfg.Hooks[0].EventType)
	assert.Equal(t, []string{"responder"}, cfg.Downstream)
	assert.True(t, cfg.Warmup.Enabled)
}

func TestLoadFileAgentList(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fleet.yml", fleetYAML)

	cfgs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "responder", cfgs[0].ID)
	assert.True(t, cfgs[1].Spawn.CanSpawn)
	assert.Equal(t, 2, cfgs[1].Spawn.DepthCap())
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	single := writeFile(t, dir, "one.json", `{"id":"a","instruction":"x","model":{"primary":"gpt-4o"}}`)
	list := writeFile(t, dir, "many.json", `{"agents":[{"id":"b","instruction":"y","model":{"primary":"gpt-4o"}}]}`)

	cfgs, err := LoadFile(single)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "a", cfgs[0].ID)

	cfgs, err = LoadFile(list)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "b", cfgs[0].ID)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile("")
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read manifest")

	_, err = LoadFile(writeFile(t, dir, "agent.toml", "id = 'x'"))
	assert.ErrorContains(t, err, "unsupported manifest format")

	_, err = LoadFile(writeFile(t, dir, "typo.yaml", "id: x\ninstructions: oops\n"))
	assert.ErrorContains(t, err, "typo.yaml", "unknown fields are rejected")

	_, err = LoadFile(writeFile(t, dir, "bad.yaml", "id: [\n"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-triage.yaml", triageYAML)
	writeFile(t, dir, "02-fleet.yaml", fleetYAML)
	writeFile(t, dir, "README.md", "# not a manifest")
	writeFile(t, dir, ".hidden.yaml", "id: [")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts"), 0o755))

	cfgs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, cfgs, 3)
	for _, c := range cfgs {
		assert.Equal(t, c.ID, c.Name, "name defaults to id")
		assert.NotEmpty(t, c.Delivery.Mode)
	}
}

func TestLoadDirPartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-fleet.yaml", fleetYAML)
	writeFile(t, dir, "02-broken.yaml", "id: [\n")
	writeFile(t, dir, "03-dup.yaml", "id: planner\ninstruction: again\nmodel:\n  primary: gpt-4o\n")
	writeFile(t, dir, "04-invalid.yaml", "id: nomodel\ninstruction: x\n")

	cfgs, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "02-broken.yaml")
	assert.ErrorContains(t, err, "duplicate agent ID planner")
	assert.ErrorContains(t, err, "model.primary is required")

	require.Len(t, cfgs, 2)
	assert.Equal(t, "responder", cfgs[0].ID)
	assert.Equal(t, "planner", cfgs[1].ID)
}

func TestLoadDirUnknownReference(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "triage.yaml", triageYAML)

	cfgs, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown downstream agent responder")
	assert.ErrorContains(t, err, "unknown warm-up peer responder")
	assert.Len(t, cfgs, 1)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
