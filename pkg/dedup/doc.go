// Package dedup provides the in-flight key registry that enforces at most one
// concurrent run per agent across every trigger source.
//
// Invariants:
//   - TryAcquire is atomic: exactly one concurrent caller observes true for a key.
//   - Release is idempotent.
//   - Heartbeat and sub-agent runs use namespaced keys so they never contend with
//     the agent's primary schedule.
//
// Usage:
//
//	locks := dedup.New()
//	if !locks.TryAcquire("crm-steward") {
//		return // already running
//	}
//	defer locks.Release("crm-steward")
package dedup
