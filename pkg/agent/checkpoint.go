package agent

import (
	"context"
	"time"
)

const defaultCheckpointInterval = 5

// Checkpoint is a durable snapshot of a run's working state.
type Checkpoint struct {
	RunID      string         `json:"run_id"`
	AgentID    string         `json:"agent_id"`
	Iteration  int            `json:"iteration"`
	Messages   []AgentMessage `json:"messages"`
	Scratchpad []string       `json:"scratchpad,omitempty"`
	Plan       string         `json:"plan,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Checkpointer persists checkpoints keyed by run id.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns nil, nil when the run has no checkpoint.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
}

// RunStore persists runs and steps. Every call is best-effort from the
// runner's perspective.
type RunStore interface {
	CreateRun(ctx context.Context, run *AgentRun) error
	UpdateRun(ctx context.Context, run *AgentRun) error
	CreateStep(ctx context.Context, step RunStep) error
}

// PromptSource builds an agent's system prompt.
type PromptSource interface {
	SystemPrompt(cfg AgentConfig) (string, error)
}

// WarmupSource assembles a context preamble for non-interactive runs.
type WarmupSource interface {
	Preamble(ctx context.Context, cfg AgentConfig) (string, error)
}
