package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironsail-llc/robothor/internal/daemon"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running engine",
	Long: `Stop the running engine gracefully.
Sends SIGTERM and waits for in-flight runs to end. After the timeout the
process is killed; its runs are recovered as timed out on the next start.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the engine to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return stopEngine(cmd, daemon.PIDFile(cfg.DataDir), time.Duration(stopTimeout)*time.Second)
}

func stopEngine(cmd *cobra.Command, pidFile string, timeout time.Duration) error {
	out := cmd.OutOrStdout()
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("engine is not running")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidFile)
		return fmt.Errorf("engine is not running (removed stale PID file for %d)", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Engine stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	os.Remove(pidFile)
	fmt.Fprintln(out, "Engine killed")
	return nil
}
