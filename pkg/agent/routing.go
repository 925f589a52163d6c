package agent

import (
	"regexp"
	"strings"
)

// Difficulty is the routing class of a message.
type Difficulty string

const (
	DifficultySimple   Difficulty = "simple"
	DifficultyStandard Difficulty = "standard"
	DifficultyComplex  Difficulty = "complex"
)

const (
	simpleIterations   = 5
	standardIterations = 15
)

var (
	complexKeywords = []string{
		"research", "investigate", "analyze", "analyse", "audit", "compare",
		"comprehensive", "step by step", "multi-step", "refactor", "migrate",
		"plan ", "design", "reconcile", "deep dive",
	}
	listItem = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*])\s+`)
)

// RouteDecision is the configuration selected for one run.
type RouteDecision struct {
	Difficulty    Difficulty
	MaxIterations int
	Planning      bool
	Scratchpad    bool
	Checkpoint    bool
	Verification  bool
}

// ClassifyDifficulty estimates how much work a message asks for.
func ClassifyDifficulty(message string) Difficulty {
	lower := strings.ToLower(message)
	score := 0
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if n := len(listItem.FindAllString(message, -1)); n >= 3 {
		score += 2
	}
	switch {
	case len(message) > 1500:
		score += 2
	case len(message) > 400:
		score++
	}

	switch {
	case score >= 2:
		return DifficultyComplex
	case score == 0 && len(message) < 200:
		return DifficultySimple
	}
	return DifficultyStandard
}

// Route picks iteration cap and passes for message. The cap never exceeds
// agentMax.
func Route(message string, agentMax int) RouteDecision {
	d := RouteDecision{Difficulty: ClassifyDifficulty(message)}
	switch d.Difficulty {
	case DifficultySimple:
		d.MaxIterations = simpleIterations
	case DifficultyStandard:
		d.MaxIterations = standardIterations
	case DifficultyComplex:
		d.MaxIterations = agentMax
		d.Planning = true
		d.Scratchpad = true
		d.Checkpoint = true
		d.Verification = true
	}
	if d.MaxIterations > agentMax || d.MaxIterations <= 0 {
		d.MaxIterations = agentMax
	}
	return d
}
