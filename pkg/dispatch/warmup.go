package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/store"
)

const (
	warmupFileMax   = 2000
	warmupOutputMax = 160
)

// RunLister reads recent runs. *store.Store satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]*agent.AgentRun, error)
}

// Warmup assembles the context preamble prepended to scheduled and
// event-driven runs: the latest outcome of each peer agent and the contents
// of the agent's context files. Missing sources are skipped.
type Warmup struct {
	runs      RunLister
	workspace string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewWarmup creates a Warmup. runs may be nil, in which case peer status is
// left out. Relative context file paths resolve against workspace unless the
// agent declares its own.
func NewWarmup(runs RunLister, workspace string, logger zerolog.Logger) *Warmup {
	return &Warmup{
		runs:      runs,
		workspace: workspace,
		logger:    logger.With().Str("component", "warmup").Logger(),
		now:       time.Now,
	}
}

// Preamble implements agent.WarmupSource.
func (w *Warmup) Preamble(ctx context.Context, cfg agent.AgentConfig) (string, error) {
	var sections []string

	if peers := w.peerStatus(ctx, cfg.Warmup.PeerAgents); peers != "" {
		sections = append(sections, "Peer agents:\n"+peers)
	}
	for _, f := range w.contextFiles(cfg) {
		sections = append(sections, f)
	}
	if len(sections) == 0 {
		return "", nil
	}
	return "[Warm context]\n" + strings.Join(sections, "\n\n") + "\n[/Warm context]", nil
}

func (w *Warmup) peerStatus(ctx context.Context, peers []string) string {
	if w.runs == nil || len(peers) == 0 {
		return ""
	}
	var b strings.Builder
	for _, id := range peers {
		runs, err := w.runs.ListRuns(ctx, store.RunFilter{AgentID: id, Limit: 1})
		if err != nil {
			w.logger.Debug().Err(err).Str("peer", id).Msg("Peer status unavailable")
			continue
		}
		if len(runs) == 0 {
			fmt.Fprintf(&b, "- %s: no runs yet\n", id)
			continue
		}
		r := runs[0]
		ago := w.now().Sub(r.StartedAt).Round(time.Minute)
		fmt.Fprintf(&b, "- %s: %s %s ago", id, r.Status, ago)
		if summary := firstLine(r.Output); summary != "" {
			fmt.Fprintf(&b, ": %s", summary)
		} else if r.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", firstLine(r.Error))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *Warmup) contextFiles(cfg agent.AgentConfig) []string {
	base := cfg.Workspace
	if base == "" {
		base = w.workspace
	}
	var out []string
	for _, name := range cfg.Warmup.ContextFiles {
		path := name
		if !filepath.IsAbs(path) && base != "" {
			path = filepath.Join(base, name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			w.logger.Debug().Err(err).Str("file", path).Msg("Context file skipped")
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		out = append(out, fmt.Sprintf("### %s\n%s", name, clip(content, warmupFileMax)))
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > warmupOutputMax {
		return string(r[:warmupOutputMax]) + "..."
	}
	return s
}

var _ agent.WarmupSource = (*Warmup)(nil)
