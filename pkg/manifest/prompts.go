package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// DefaultMaxFileChars bounds each bootstrap file in the system prompt.
const DefaultMaxFileChars = 20000

// BootstrapPrompts builds system prompts from an agent's instruction and its
// bootstrap files. Relative paths resolve against the agent's workspace,
// then the engine workspace. It implements agent.PromptSource.
type BootstrapPrompts struct {
	workspace    string
	maxFileChars int
	logger       zerolog.Logger
}

// NewBootstrapPrompts creates a prompt source rooted at workspace.
func NewBootstrapPrompts(workspace string, maxFileChars int, logger zerolog.Logger) *BootstrapPrompts {
	if maxFileChars <= 0 {
		maxFileChars = DefaultMaxFileChars
	}
	return &BootstrapPrompts{
		workspace:    workspace,
		maxFileChars: maxFileChars,
		logger:       logger.With().Str("component", "bootstrap_prompts").Logger(),
	}
}

// SystemPrompt implements agent.PromptSource. Missing files are skipped;
// any other read error fails the prompt.
func (p *BootstrapPrompts) SystemPrompt(cfg agent.AgentConfig) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.Instruction))

	for _, name := range cfg.BootstrapFiles {
		path := p.resolve(cfg, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn().Str("agent_id", cfg.ID).Str("path", path).Msg("Bootstrap file not found")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("bootstrap file %s: %w", name, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if len(content) > p.maxFileChars {
			content = content[:p.maxFileChars] + "\n...[truncated]"
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", filepath.Base(name), content)
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("agent %s has an empty system prompt", cfg.ID)
	}
	return b.String(), nil
}

func (p *BootstrapPrompts) resolve(cfg agent.AgentConfig, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	root := cfg.Workspace
	if root == "" {
		root = p.workspace
	}
	return filepath.Join(root, name)
}

var _ agent.PromptSource = (*BootstrapPrompts)(nil)
