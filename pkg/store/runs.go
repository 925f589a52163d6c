package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

const runColumns = `id, tenant_id, agent_id, trigger_kind, trigger_detail, correlation_id, status,
	model_used, models_attempted, input_tokens, output_tokens, total_cost_usd,
	child_tokens, child_cost_usd, token_budget, cost_budget_usd, budget_exhausted,
	parent_run_id, nesting_depth, output, error, error_trace, delivery_mode,
	started_at, completed_at, duration_ms`

// CreateRun records a run's start.
func (s *Store) CreateRun(ctx context.Context, run *agent.AgentRun) error {
	return s.upsertRun(ctx, run)
}

// UpdateRun records a run's current state.
func (s *Store) UpdateRun(ctx context.Context, run *agent.AgentRun) error {
	return s.upsertRun(ctx, run)
}

func (s *Store) upsertRun(ctx context.Context, run *agent.AgentRun) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	attempted, err := json.Marshal(run.ModelsAttempted)
	if err != nil {
		return fmt.Errorf("failed to encode models attempted: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			model_used = excluded.model_used,
			models_attempted = excluded.models_attempted,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_cost_usd = excluded.total_cost_usd,
			child_tokens = excluded.child_tokens,
			child_cost_usd = excluded.child_cost_usd,
			token_budget = excluded.token_budget,
			cost_budget_usd = excluded.cost_budget_usd,
			budget_exhausted = excluded.budget_exhausted,
			output = excluded.output,
			error = excluded.error,
			error_trace = excluded.error_trace,
			delivery_mode = excluded.delivery_mode,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		run.ID, run.TenantID, run.AgentID, string(run.Trigger.Kind), run.Trigger.Detail, run.Trigger.CorrelationID,
		string(run.Status), run.ModelUsed, string(attempted), run.InputTokens, run.OutputTokens, run.TotalCostUSD,
		run.ChildTokens, run.ChildCostUSD, run.TokenBudget, run.CostBudgetUSD, boolInt(run.BudgetExhausted),
		run.ParentRunID, run.NestingDepth, run.Output, run.Error, run.ErrorTrace, string(run.DeliveryMode),
		toMillis(run.StartedAt), nullMillis(run.CompletedAt), run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// CreateStep appends one step.
func (s *Store) CreateStep(ctx context.Context, step agent.RunStep) error {
	if step.ID == "" || step.RunID == "" {
		return errors.New("step id and run id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_run_steps
			(id, run_id, step_index, step_type, model, input_tokens, output_tokens,
			 tool_name, tool_input, tool_output, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Index, string(step.Type), step.Model, step.InputTokens, step.OutputTokens,
		step.ToolName, step.ToolInput, step.ToolOutput, step.DurationMs, step.Error, toMillis(step.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// GetRun returns a run without its steps, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*agent.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListSteps returns a run's steps in order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]agent.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_index, step_type, model, input_tokens, output_tokens,
		       tool_name, tool_input, tool_output, duration_ms, error, created_at
		FROM agent_run_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []agent.RunStep
	for rows.Next() {
		var (
			st        agent.RunStep
			stepType  string
			createdAt int64
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.Index, &stepType, &st.Model, &st.InputTokens, &st.OutputTokens,
			&st.ToolName, &st.ToolInput, &st.ToolOutput, &st.DurationMs, &st.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Type = agent.StepType(stepType)
		st.CreatedAt = fromMillis(createdAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// RunFilter narrows ListRuns. Zero fields do not filter.
type RunFilter struct {
	AgentID string
	Status  agent.RunStatus
	Limit   int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*agent.AgentRun, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*agent.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunningRuns returns runs still marked running.
func (s *Store) ListRunningRuns(ctx context.Context) ([]*agent.AgentRun, error) {
	return s.ListRuns(ctx, RunFilter{Status: agent.StatusRunning})
}

// MarkInterrupted moves every running run to timeout with reason and returns
// the runs it changed.
func (s *Store) MarkInterrupted(ctx context.Context, reason string) ([]*agent.AgentRun, error) {
	runs, err := s.ListRunningRuns(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, run := range runs {
		run.Status = agent.StatusTimeout
		run.Error = reason
		run.CompletedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
		if err := s.upsertRun(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*agent.AgentRun, error) {
	var (
		run             agent.AgentRun
		triggerKind     string
		status          string
		attempted       string
		budgetExhausted int
		deliveryMode    string
		startedAt       int64
		completedAt     sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.AgentID, &triggerKind, &run.Trigger.Detail, &run.Trigger.CorrelationID, &status,
		&run.ModelUsed, &attempted, &run.InputTokens, &run.OutputTokens, &run.TotalCostUSD,
		&run.ChildTokens, &run.ChildCostUSD, &run.TokenBudget, &run.CostBudgetUSD, &budgetExhausted,
		&run.ParentRunID, &run.NestingDepth, &run.Output, &run.Error, &run.ErrorTrace, &deliveryMode,
		&startedAt, &completedAt, &run.DurationMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Trigger.Kind = agent.TriggerKind(triggerKind)
	run.Status = agent.RunStatus(status)
	run.DeliveryMode = agent.DeliveryMode(deliveryMode)
	run.BudgetExhausted = budgetExhausted != 0
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = fromNullMillis(completedAt)
	if attempted != "" {
		if err := json.Unmarshal([]byte(attempted), &run.ModelsAttempted); err != nil {
			return nil, fmt.Errorf("failed to decode models attempted: %w", err)
		}
	}
	return &run, nil
}

var (
	_ agent.RunStore     = (*Store)(nil)
	_ agent.Checkpointer = (*Store)(nil)
)
