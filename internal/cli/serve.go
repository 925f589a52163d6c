package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ironsail-llc/robothor/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine in the foreground",
	Long: `Run the engine in the foreground until SIGINT or SIGTERM.
Loads agent manifests, recovers runs interrupted by a previous crash, then
starts the scheduler, the event hook consumer and the HTTP endpoints.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("engine is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	d.Wait()
	return nil
}
