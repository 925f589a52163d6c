package agent

const (
	escalateDifferentStrategy = 3
	escalateReduceScope       = 4
	escalateStop              = 5
	hardAbortTotal            = 10
)

const (
	msgDifferentStrategy = "[escalation] Three tool calls in a row have failed. Try a completely different strategy: " +
		"use other tools, other arguments, or another angle on the task."
	msgReduceScope = "[escalation] Four consecutive tool failures. Reduce scope to the single most critical subtask " +
		"and complete only that."
	msgStop = "[escalation] Five consecutive tool failures. Stop calling tools now and summarize what you accomplished, " +
		"what failed, and what a human should look at."
)

// EscalationManager tracks tool-call failures for one run and decides which
// corrective instruction, if any, to inject.
type EscalationManager struct {
	consecutive int
	total       int
	stopIssued  bool
}

// NewEscalationManager returns a manager with zeroed counters.
func NewEscalationManager() *EscalationManager {
	return &EscalationManager{}
}

// RecordFailure counts one failed tool call.
func (e *EscalationManager) RecordFailure() {
	e.consecutive++
	e.total++
}

// RecordSuccess resets the consecutive counter. The lifetime total is kept.
func (e *EscalationManager) RecordSuccess() {
	e.consecutive = 0
}

// Consecutive returns the current run of failures.
func (e *EscalationManager) Consecutive() int {
	return e.consecutive
}

// Total returns lifetime failures for the run.
func (e *EscalationManager) Total() int {
	return e.total
}

// Message returns the instruction for the current counters, highest threshold
// first. The stop instruction is issued at most once per run; once issued,
// later calls fall through to the reduce-scope message.
func (e *EscalationManager) Message() string {
	if e.consecutive >= escalateStop && !e.stopIssued {
		e.stopIssued = true
		return msgStop
	}
	switch {
	case e.consecutive >= escalateReduceScope:
		return msgReduceScope
	case e.consecutive >= escalateDifferentStrategy:
		return msgDifferentStrategy
	}
	return ""
}

// ShouldAbort reports whether the lifetime failure ceiling was reached.
func (e *EscalationManager) ShouldAbort() bool {
	return e.total >= hardAbortTotal
}
