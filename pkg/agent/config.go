package agent

import (
	"strings"

	"github.com/ironsail-llc/robothor/pkg/tools"
)

const (
	DefaultMaxIterations   = 20
	DefaultTimeoutSeconds  = 600
	MaxNestingDepthCeiling = 3
	MaxParallelSpawns      = 5
)

// DeliveryMode selects where a run's output goes.
type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryPublish  DeliveryMode = "publish"
	DeliverySilent   DeliveryMode = "silent"
)

// ModelConfig is the ordered model chain.
type ModelConfig struct {
	Primary   string   `yaml:"primary" json:"primary"`
	Fallbacks []string `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// DeliveryConfig routes final output.
type DeliveryConfig struct {
	Mode    DeliveryMode `yaml:"mode" json:"mode"`
	Channel string       `yaml:"channel" json:"channel,omitempty"`
	To      string       `yaml:"to" json:"to,omitempty"`
	Stream  string       `yaml:"stream" json:"stream,omitempty"`
}

// BudgetConfig limits one run. Zero means automatic (tokens) or unlimited (cost).
type BudgetConfig struct {
	TokenBudget   int     `yaml:"token_budget" json:"token_budget,omitempty"`
	CostBudgetUSD float64 `yaml:"cost_budget_usd" json:"cost_budget_usd,omitempty"`
}

// SpawnPolicy controls sub-agent spawning.
type SpawnPolicy struct {
	CanSpawn               bool `yaml:"can_spawn" json:"can_spawn"`
	MaxNestingDepth        int  `yaml:"max_nesting_depth" json:"max_nesting_depth,omitempty"`
	MaxChildIterations     int  `yaml:"max_child_iterations" json:"max_child_iterations,omitempty"`
	MaxChildTimeoutSeconds int  `yaml:"max_child_timeout_seconds" json:"max_child_timeout_seconds,omitempty"`
}

// DepthCap is the configured nesting cap clamped to [1, MaxNestingDepthCeiling].
func (p SpawnPolicy) DepthCap() int {
	if p.MaxNestingDepth <= 0 || p.MaxNestingDepth > MaxNestingDepthCeiling {
		return MaxNestingDepthCeiling
	}
	return p.MaxNestingDepth
}

// HeartbeatConfig is a secondary schedule with its own instruction and budget.
type HeartbeatConfig struct {
	Cron           string         `yaml:"cron" json:"cron"`
	Timezone       string         `yaml:"timezone" json:"timezone,omitempty"`
	Instruction    string         `yaml:"instruction" json:"instruction"`
	Message        string         `yaml:"message" json:"message,omitempty"`
	Budget         BudgetConfig   `yaml:"budget" json:"budget"`
	TimeoutSeconds int            `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	MaxIterations  int            `yaml:"max_iterations" json:"max_iterations,omitempty"`
	Delivery       DeliveryConfig `yaml:"delivery" json:"delivery"`
}

// WarmupConfig lists context gathered before non-interactive runs.
type WarmupConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	PeerAgents   []string `yaml:"peer_agents" json:"peer_agents,omitempty"`
	ContextFiles []string `yaml:"context_files" json:"context_files,omitempty"`
}

// HookBinding subscribes the agent to an event type on a stream.
type HookBinding struct {
	Stream    string `yaml:"stream" json:"stream"`
	EventType string `yaml:"event_type" json:"event_type"`
	Message   string `yaml:"message" json:"message,omitempty"`
}

// Enhancements toggles the optional loop passes.
type Enhancements struct {
	ErrorFeedback      bool     `yaml:"error_feedback" json:"error_feedback"`
	Escalation         bool     `yaml:"escalation" json:"escalation"`
	Planning           bool     `yaml:"planning" json:"planning"`
	Scratchpad         bool     `yaml:"scratchpad" json:"scratchpad"`
	Checkpoint         bool     `yaml:"checkpoint" json:"checkpoint"`
	Verification       bool     `yaml:"verification" json:"verification"`
	Routing            bool     `yaml:"routing" json:"routing"`
	Guardrails         []string `yaml:"guardrails" json:"guardrails,omitempty"`
	SuccessCriteria    string   `yaml:"success_criteria" json:"success_criteria,omitempty"`
	ScratchpadInterval int      `yaml:"scratchpad_interval" json:"scratchpad_interval,omitempty"`
	CheckpointInterval int      `yaml:"checkpoint_interval" json:"checkpoint_interval,omitempty"`
}

// AgentConfig is the immutable, fully-parsed definition of one agent.
type AgentConfig struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Description    string   `yaml:"description" json:"description,omitempty"`
	Instruction    string   `yaml:"instruction" json:"instruction"`
	BootstrapFiles []string `yaml:"bootstrap_files" json:"bootstrap_files,omitempty"`

	Model       ModelConfig `yaml:"model" json:"model"`
	Temperature float64     `yaml:"temperature" json:"temperature,omitempty"`

	Cron        string `yaml:"cron" json:"cron,omitempty"`
	Timezone    string `yaml:"timezone" json:"timezone,omitempty"`
	CronMessage string `yaml:"cron_message" json:"cron_message,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	MaxIterations  int `yaml:"max_iterations" json:"max_iterations,omitempty"`

	ToolsAllowed []string `yaml:"tools_allowed" json:"tools_allowed,omitempty"`
	ToolsDenied  []string `yaml:"tools_denied" json:"tools_denied,omitempty"`

	Delivery  DeliveryConfig   `yaml:"delivery" json:"delivery"`
	Budget    BudgetConfig     `yaml:"budget" json:"budget"`
	Spawn     SpawnPolicy      `yaml:"spawn" json:"spawn"`
	Heartbeat *HeartbeatConfig `yaml:"heartbeat" json:"heartbeat,omitempty"`

	Downstream   []string      `yaml:"downstream" json:"downstream,omitempty"`
	Warmup       WarmupConfig  `yaml:"warmup" json:"warmup"`
	Hooks        []HookBinding `yaml:"hooks" json:"hooks,omitempty"`
	Enhancements Enhancements  `yaml:"enhancements" json:"enhancements"`
	Workspace    string        `yaml:"workspace" json:"workspace,omitempty"`
}

// ModelChain returns [override?, primary, fallbacks...] with blanks and
// duplicates removed, preserving first occurrence.
func (c AgentConfig) ModelChain(override string) []string {
	candidates := make([]string, 0, 2+len(c.Model.Fallbacks))
	candidates = append(candidates, override, c.Model.Primary)
	candidates = append(candidates, c.Model.Fallbacks...)

	seen := make(map[string]bool, len(candidates))
	chain := make([]string, 0, len(candidates))
	for _, m := range candidates {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

// ToolPolicy converts the allow/deny lists into a tools.Policy.
func (c AgentConfig) ToolPolicy() tools.Policy {
	return tools.Policy{Allow: c.ToolsAllowed, Deny: c.ToolsDenied}
}

// EffectiveMaxIterations applies the default.
func (c AgentConfig) EffectiveMaxIterations() int {
	if c.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return c.MaxIterations
}

// EffectiveTimeoutSeconds applies the default.
func (c AgentConfig) EffectiveTimeoutSeconds() int {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds
	}
	return c.TimeoutSeconds
}

// HeartbeatAgentConfig derives the config a heartbeat run executes with: the
// heartbeat's instruction, budget, limits and delivery on top of the parent's
// identity, model chain and tools. ok is false when no heartbeat is declared.
func (c AgentConfig) HeartbeatAgentConfig() (AgentConfig, bool) {
	if c.Heartbeat == nil || c.Heartbeat.Cron == "" {
		return AgentConfig{}, false
	}
	hb := *c.Heartbeat
	out := c
	out.Heartbeat = nil
	out.Cron = hb.Cron
	out.Timezone = hb.Timezone
	if out.Timezone == "" {
		out.Timezone = c.Timezone
	}
	if hb.Instruction != "" {
		out.Instruction = hb.Instruction
	}
	out.CronMessage = hb.Message
	out.Budget = hb.Budget
	if hb.TimeoutSeconds > 0 {
		out.TimeoutSeconds = hb.TimeoutSeconds
	}
	if hb.MaxIterations > 0 {
		out.MaxIterations = hb.MaxIterations
	}
	if hb.Delivery.Mode != "" {
		out.Delivery = hb.Delivery
	}
	// heartbeats do not chain
	out.Downstream = nil
	return out, true
}

// ConfigSource resolves agent configs by id.
type ConfigSource interface {
	Get(agentID string) (AgentConfig, bool)
}

// StaticConfigs is a map-backed ConfigSource.
type StaticConfigs map[string]AgentConfig

// Get implements ConfigSource.
func (s StaticConfigs) Get(agentID string) (AgentConfig, bool) {
	cfg, ok := s[agentID]
	return cfg, ok
}
