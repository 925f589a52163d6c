package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

func TestWriteRuns(t *testing.T) {
	runs := []*agent.AgentRun{{
		ID:           "run-1",
		AgentID:      "email-triage",
		Trigger:      agent.Trigger{Kind: agent.TriggerCron},
		Status:       agent.StatusCompleted,
		StartedAt:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		DurationMs:   1500,
		InputTokens:  100,
		OutputTokens: 20,
		ModelUsed:    "claude-sonnet-4",
	}}

	var buf bytes.Buffer
	writeRuns(&buf, runs)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "cron")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "120")

	buf.Reset()
	writeRuns(&buf, nil)
	assert.Equal(t, "No runs.\n", buf.String())
}

func TestPrintRun(t *testing.T) {
	newCmd := func() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
		cmd := &cobra.Command{}
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		cmd.SetOut(stdout)
		cmd.SetErr(stderr)
		return cmd, stdout, stderr
	}

	cmd, stdout, stderr := newCmd()
	require.NoError(t, printRun(cmd, &agent.AgentRun{ID: "r1", Status: agent.StatusCompleted, Output: "all done"}))
	assert.Equal(t, "all done\n", stdout.String())
	assert.Contains(t, stderr.String(), "run r1 completed")

	cmd, _, _ = newCmd()
	err := printRun(cmd, &agent.AgentRun{ID: "r2", Status: agent.StatusFailed, Error: "all models failed"})
	assert.ErrorContains(t, err, "failed: all models failed")
}
