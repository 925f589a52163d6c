package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ironsail-llc/robothor/pkg/tools"
)

const (
	SpawnAgentTool  = "spawn_agent"
	SpawnAgentsTool = "spawn_agents"
)

// IsSpawnTool reports whether name is one of the spawn tools.
func IsSpawnTool(name string) bool {
	return name == SpawnAgentTool || name == SpawnAgentsTool
}

// SpawnContext is handed from a parent run to the children it spawns.
// Ledger is shared with the parent; everything else is copied.
type SpawnContext struct {
	ParentRunID            string
	ParentAgentID          string
	CorrelationID          string
	TraceID                string
	NestingDepth           int // depth of the parent run; top level is 0
	MaxNestingDepth        int
	MaxChildIterations     int
	MaxChildTimeoutSeconds int
	Ledger                 *Ledger
}

// SpawnRequest asks for one child run.
type SpawnRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// Spawn error codes.
const (
	SpawnErrDepthExceeded  = "depth_exceeded"
	SpawnErrNotFound       = "agent_not_found"
	SpawnErrAlreadyRunning = "already_running"
	SpawnErrInvalid        = "invalid_request"
	SpawnErrUnavailable    = "spawning_unavailable"
)

// SpawnResult is the compact summary returned to the parent's tool call.
type SpawnResult struct {
	AgentID    string    `json:"agent_id"`
	RunID      string    `json:"run_id,omitempty"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Tokens     int       `json:"tokens"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMs int64     `json:"duration_ms"`
}

// Failed reports whether the child did not complete.
func (r SpawnResult) Failed() bool {
	return r.ErrorCode != "" || r.Status != StatusCompleted
}

// Spawner starts child runs on behalf of a parent.
type Spawner interface {
	Spawn(ctx context.Context, sc *SpawnContext, req SpawnRequest) SpawnResult
	SpawnMany(ctx context.Context, sc *SpawnContext, reqs []SpawnRequest) []SpawnResult
}

// SpawnToolSchemas returns the model-facing spawn tool definitions.
func SpawnToolSchemas() []tools.Schema {
	return []tools.Schema{
		{
			Name:        SpawnAgentTool,
			Description: "Run another agent as a sub-agent and wait for its result.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{"type": "string", "description": "Id of the agent to run"},
					"message":  map[string]any{"type": "string", "description": "Task for the sub-agent"},
				},
				"required": []string{"agent_id", "message"},
			},
		},
		{
			Name:        SpawnAgentsTool,
			Description: fmt.Sprintf("Run up to %d sub-agents in parallel and wait for all results.", MaxParallelSpawns),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tasks": map[string]any{
						"type":     "array",
						"maxItems": MaxParallelSpawns,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"agent_id": map[string]any{"type": "string"},
								"message":  map[string]any{"type": "string"},
							},
							"required": []string{"agent_id", "message"},
						},
					},
				},
				"required": []string{"tasks"},
			},
		},
	}
}

// parseSpawnRequests decodes spawn tool arguments.
func parseSpawnRequests(call ToolCall) ([]SpawnRequest, error) {
	if call.Name == SpawnAgentTool {
		id, _ := call.Parameters["agent_id"].(string)
		msg, _ := call.Parameters["message"].(string)
		if id == "" || msg == "" {
			return nil, fmt.Errorf("agent_id and message are required")
		}
		return []SpawnRequest{{AgentID: id, Message: msg}}, nil
	}

	raw, err := json.Marshal(call.Parameters["tasks"])
	if err != nil {
		return nil, fmt.Errorf("invalid tasks: %w", err)
	}
	var reqs []SpawnRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("invalid tasks: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("tasks must not be empty")
	}
	if len(reqs) > MaxParallelSpawns {
		return nil, fmt.Errorf("at most %d tasks may run in parallel, got %d", MaxParallelSpawns, len(reqs))
	}
	for i, r := range reqs {
		if r.AgentID == "" || r.Message == "" {
			return nil, fmt.Errorf("tasks[%d]: agent_id and message are required", i)
		}
	}
	return reqs, nil
}
