package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// SpawnMany runs up to agent.MaxParallelSpawns children concurrently and
// waits for all of them. Results keep the order of reqs; requests past the
// cap are rejected without running.
func (s *Spawner) SpawnMany(ctx context.Context, sc *agent.SpawnContext, reqs []agent.SpawnRequest) []agent.SpawnResult {
	results := make([]agent.SpawnResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(agent.MaxParallelSpawns)
	for i, req := range reqs {
		if i >= agent.MaxParallelSpawns {
			results[i] = agent.SpawnResult{
				AgentID:   req.AgentID,
				Status:    agent.StatusFailed,
				Error:     fmt.Sprintf("at most %d sub-agents may run in parallel", agent.MaxParallelSpawns),
				ErrorCode: agent.SpawnErrInvalid,
			}
			continue
		}
		g.Go(func() error {
			results[i] = s.Spawn(ctx, sc, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	s.logger.Info().
		Int("requested", len(reqs)).
		Int("failed", failed).
		Msg("Parallel spawn completed")

	return results
}
