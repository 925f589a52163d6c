package cli

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/internal/daemon"
)

func TestStopCommandHelp(t *testing.T) {
	cmd := GetRootCmd()
	cmd.SetArgs([]string{"stop", "--help"})
	output := &bytes.Buffer{}
	cmd.SetOut(output)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "Stop the running engine gracefully")
	assert.Contains(t, output.String(), "--timeout")
}

func TestStopEngineNotRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), daemon.PIDFileName)
	err := stopEngine(GetRootCmd(), pidFile, time.Second)
	assert.ErrorContains(t, err, "not running")
}

func TestStopEngineRemovesStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), daemon.PIDFileName)
	// PIDs are capped well below this on Linux and macOS.
	require.NoError(t, os.WriteFile(pidFile, []byte("99999999"), 0o644))

	err := stopEngine(GetRootCmd(), pidFile, time.Second)
	assert.ErrorContains(t, err, "stale PID file")
	assert.NoFileExists(t, pidFile)
}

func TestStopEngineTerminatesProcess(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}
	child := exec.Command(sleep, "30")
	require.NoError(t, child.Start())
	go func() { _ = child.Wait() }()

	pidFile := filepath.Join(t.TempDir(), daemon.PIDFileName)
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(child.Process.Pid)), 0o644))

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	require.NoError(t, stopEngine(cmd, pidFile, 5*time.Second))
	assert.Contains(t, out.String(), "Engine stopped successfully")
	assert.NoFileExists(t, pidFile)
}
