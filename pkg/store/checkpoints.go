package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// SaveCheckpoint replaces the checkpoint of cp.RunID.
func (s *Store) SaveCheckpoint(ctx context.Context, cp agent.Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint run id is required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_checkpoints (run_id, agent_id, iteration, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.AgentID, cp.Iteration, string(data), toMillis(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of runID, or nil when there is none.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (*agent.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agent_checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp agent.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}
