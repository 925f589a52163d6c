package agent

import (
	"time"
)

// TriggerKind is why a run started.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerHook     TriggerKind = "hook"
	TriggerChat     TriggerKind = "chat"
	TriggerWorkflow TriggerKind = "workflow"
	TriggerSpawn    TriggerKind = "spawn"
)

// Interactive reports whether a human is waiting on the run.
func (k TriggerKind) Interactive() bool {
	return k == TriggerChat
}

// Trigger describes the origin of a run.
type Trigger struct {
	Kind          TriggerKind `json:"kind"`
	Detail        string      `json:"detail,omitempty"` // e.g. "heartbeat", stream name, parent agent
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusTimeout   RunStatus = "timeout"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// StepType classifies one loop event.
type StepType string

const (
	StepLLMCall      StepType = "llm_call"
	StepToolCall     StepType = "tool_call"
	StepError        StepType = "error"
	StepPlanning     StepType = "planning"
	StepVerification StepType = "verification"
	StepCheckpoint   StepType = "checkpoint"
	StepScratchpad   StepType = "scratchpad"
	StepEscalation   StepType = "escalation"
	StepGuardrail    StepType = "guardrail"
	StepSpawnAgent   StepType = "spawn_agent"
)

// RunStep is one append-only entry in a run's step log.
type RunStep struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Index        int       `json:"index"`
	Type         StepType  `json:"type"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolInput    string    `json:"tool_input,omitempty"`
	ToolOutput   string    `json:"tool_output,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentRun is one execution attempt of an agent.
type AgentRun struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	AgentID  string    `json:"agent_id"`
	Trigger  Trigger   `json:"trigger"`
	Status   RunStatus `json:"status"`

	ModelUsed       string   `json:"model_used,omitempty"`
	ModelsAttempted []string `json:"models_attempted,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	// Usage of descendant sub-agent runs, charged through spawns.
	ChildTokens  int     `json:"child_tokens,omitempty"`
	ChildCostUSD float64 `json:"child_cost_usd,omitempty"`

	TokenBudget     int     `json:"token_budget,omitempty"`
	CostBudgetUSD   float64 `json:"cost_budget_usd,omitempty"`
	BudgetExhausted bool    `json:"budget_exhausted,omitempty"`

	ParentRunID  string `json:"parent_run_id,omitempty"`
	NestingDepth int    `json:"nesting_depth"`

	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorTrace string `json:"error_trace,omitempty"`

	DeliveryMode DeliveryMode `json:"delivery_mode,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	Steps []RunStep `json:"steps,omitempty"`
}

// TotalTokens is the run's own input plus output tokens.
func (r *AgentRun) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Succeeded reports whether the run completed.
func (r *AgentRun) Succeeded() bool {
	return r.Status == StatusCompleted
}

// CountSteps returns how many steps of type t the run recorded.
func (r *AgentRun) CountSteps(t StepType) int {
	n := 0
	for _, s := range r.Steps {
		if s.Type == t {
			n++
		}
	}
	return n
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []AgentMessage) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + 16
			for k, v := range tc.Parameters {
				totalChars += len(k)
				if s, ok := v.(string); ok {
					totalChars += len(s)
				} else {
					totalChars += 8
				}
			}
		}
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
