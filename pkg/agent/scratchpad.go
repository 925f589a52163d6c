package agent

import (
	"fmt"
	"strings"
)

const (
	defaultScratchpadInterval  = 3
	defaultScratchpadInjection = 5
	scratchpadMaxEntries       = 20
	scratchpadEntryLen         = 200
)

// Scratchpad keeps a rolling log of tool outcomes and periodically
// re-surfaces it to the model during long loops.
type Scratchpad struct {
	interval   int
	maxInject  int
	injections int
	entries    []string
}

// NewScratchpad returns a scratchpad injecting every interval iterations, at
// most maxInjections times. Non-positive values use the defaults.
func NewScratchpad(interval, maxInjections int) *Scratchpad {
	if interval <= 0 {
		interval = defaultScratchpadInterval
	}
	if maxInjections <= 0 {
		maxInjections = defaultScratchpadInjection
	}
	return &Scratchpad{interval: interval, maxInject: maxInjections}
}

// Record notes one tool outcome.
func (s *Scratchpad) Record(tool string, ok bool, detail string) {
	status := "ok"
	if !ok {
		status = "FAILED"
	}
	detail = strings.Join(strings.Fields(detail), " ")
	if len(detail) > scratchpadEntryLen {
		detail = detail[:scratchpadEntryLen] + "..."
	}
	s.entries = append(s.entries, fmt.Sprintf("%s [%s]: %s", tool, status, detail))
	if len(s.entries) > scratchpadMaxEntries {
		s.entries = s.entries[len(s.entries)-scratchpadMaxEntries:]
	}
}

// Due reports whether a summary should be injected before iteration iter.
func (s *Scratchpad) Due(iter int) bool {
	return iter > 0 && iter%s.interval == 0 && s.injections < s.maxInject && len(s.entries) > 0
}

// Inject returns the working-state summary and counts the injection.
func (s *Scratchpad) Inject(iter int) string {
	s.injections++
	var b strings.Builder
	fmt.Fprintf(&b, "[scratchpad] Working state after %d iterations. Recent tool results:\n", iter)
	for _, e := range s.entries {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("Keep the goal in view and avoid repeating work that already succeeded.")
	return b.String()
}

// Injections returns how many summaries were injected.
func (s *Scratchpad) Injections() int {
	return s.injections
}

// Entries returns a copy of the log.
func (s *Scratchpad) Entries() []string {
	return append([]string(nil), s.entries...)
}

// Restore replaces the log, e.g. from a checkpoint.
func (s *Scratchpad) Restore(entries []string) {
	s.entries = append([]string(nil), entries...)
}
