// Package dispatch is the shared entry path for every trigger that starts a
// top-level agent run: cron fires, hook events, chat messages and downstream
// chains.
//
// Invariants:
//   - A run only starts after its dedup key is acquired; the key is released
//     when the run ends, including on panic.
//   - At most MaxConcurrent runs execute at once across all keys.
//   - Delivery and downstream triggers never change the run's status.
//
// Usage:
//
//	d, _ := dispatch.New(dispatch.Config{Runner: runner, Configs: registry, Lock: lock})
//	run, err := d.Dispatch(ctx, dispatch.Request{AgentID: "email-triage", Message: "check inbox",
//		Trigger: agent.Trigger{Kind: agent.TriggerHook}})
package dispatch
