package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/cron"
	"github.com/ironsail-llc/robothor/pkg/manifest"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent manifests",
	Long: `List the agents defined in the manifests directory with their
model, schedule, next run and delivery mode. Manifest errors are reported
but do not hide the agents that loaded.`,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cfgs, loadErr := manifest.LoadDir(cfg.ManifestsDir)
	writeAgents(cmd.OutOrStdout(), cfgs, time.Now())
	if loadErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nmanifest errors:\n%v\n", loadErr)
		if len(cfgs) == 0 {
			return fmt.Errorf("no agents loaded from %s", cfg.ManifestsDir)
		}
	}
	return nil
}

func writeAgents(out io.Writer, cfgs []agent.AgentConfig, now time.Time) {
	if len(cfgs) == 0 {
		fmt.Fprintln(out, "No agents defined.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSCHEDULE\tNEXT RUN\tDELIVERY\tHOOKS")
	for _, c := range cfgs {
		schedule, next := "-", "-"
		if c.Cron != "" {
			schedule = c.Cron
			if c.Timezone != "" {
				schedule += " (" + c.Timezone + ")"
			}
			if t, err := cron.NextRun(c.Cron, c.Timezone, now); err == nil {
				next = t.Format(time.RFC3339)
			}
		}
		hooks := make([]string, 0, len(c.Hooks))
		for _, h := range c.Hooks {
			hooks = append(hooks, h.Stream+"/"+h.EventType)
		}
		hookCol := "-"
		if len(hooks) > 0 {
			hookCol = strings.Join(hooks, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Model.Primary, schedule, next, c.Delivery.Mode, hookCol)
	}
	w.Flush()
}
