package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/store"
)

var (
	runsAgent  string
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Long:  `List recent runs from the tracking store, newest first.`,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsAgent, "agent", "", "only runs of this agent")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	st, err := store.Open(store.Config{Path: cfg.DatabasePath, Logger: log.Zerolog()})
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), store.RunFilter{
		AgentID: runsAgent,
		Status:  agent.RunStatus(runsStatus),
		Limit:   runsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	writeRuns(cmd.OutOrStdout(), runs)
	return nil
}

func writeRuns(out io.Writer, runs []*agent.AgentRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tTOKENS\tMODEL")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.AgentID, r.Trigger.Kind, r.Status,
			r.StartedAt.Format(time.RFC3339),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.TotalTokens(), r.ModelUsed)
	}
	w.Flush()
}
