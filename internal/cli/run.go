package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironsail-llc/robothor/internal/daemon"
	"github.com/ironsail-llc/robothor/pkg/agent"
)

var (
	runTimeout   time.Duration
	runJSON      bool
	runMemoryLog bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent> <message>",
	Short: "Run one agent once and print its output",
	Long: `Run one agent once through the same dedup, budget and delivery path
as scheduled runs, then print its output. The scheduler, hook consumer and
HTTP endpoints are not started.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the run after this long (0 uses the agent timeout)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full run record as JSON")
	runCmd.Flags().BoolVar(&runMemoryLog, "memory-log", false, "use an in-process event log instead of Redis")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Scheduler.Enabled = false
	cfg.Hooks.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Ingress.Enabled = false
	if runMemoryLog {
		cfg.Hooks.UseMemoryLog = true
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	if err := d.LoadManifests(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	run, err := d.Chat(ctx, args[0], strings.Join(args[1:], " "), nil)
	if err != nil {
		return err
	}
	return printRun(cmd, run)
}

func printRun(cmd *cobra.Command, run *agent.AgentRun) error {
	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else if run.Output != "" {
		fmt.Fprintln(out, run.Output)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s in %s (%d tokens, $%.4f)\n",
		run.ID, run.Status, time.Duration(run.DurationMs)*time.Millisecond, run.TotalTokens(), run.TotalCostUSD)
	if !run.Succeeded() {
		return fmt.Errorf("run %s: %s", run.Status, run.Error)
	}
	return nil
}
