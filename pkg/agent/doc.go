// Package agent runs one agent to completion: the model/tool loop with model
// fallback, budgets, guardrails, escalation and the optional planning,
// scratchpad, checkpoint and verification passes.
//
// Invariants:
// - Execute always returns a run in a terminal state; it never returns an error.
// - A model that fails with 401, 403 or 429 is not retried within the same run.
// - Steps are append-only and indexed in the order they happened.
// - Persistence is best-effort; a failing store never fails a run.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Configs:  registry,
//		Tools:    toolRegistry,
//		Provider: agent.NewRouter(agent.NewAnthropicProvider(key)),
//	})
//	run := runner.Execute(ctx, "email-triage", "check the inbox",
//		agent.Trigger{Kind: agent.TriggerCron}, agent.ExecuteOptions{})
//	_ = run.Output
package agent
