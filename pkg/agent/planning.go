package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultSuccessCriteria = "The response fully and correctly addresses the request."

func planningPrompt(message string, toolNames []string) string {
	var b strings.Builder
	b.WriteString("Before acting, write a short numbered plan (at most 7 steps) for the task below. ")
	b.WriteString("Name the tools you expect to use. Do not execute anything yet.\n\n")
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(toolNames, ", "))
	}
	b.WriteString("Task:\n")
	b.WriteString(message)
	return b.String()
}

func planInjection(plan string) string {
	return "[plan] Follow this plan, adapting it if a step fails:\n" + plan
}

func verificationPrompt(task, output, criteria string) string {
	if strings.TrimSpace(criteria) == "" {
		criteria = defaultSuccessCriteria
	}
	return fmt.Sprintf(`You are reviewing an agent's final answer.

Task:
%s

Success criteria:
%s

Answer:
%s

Reply with JSON only: {"passed": true|false, "feedback": "<what is missing or wrong>"}`, task, criteria, output)
}

// Verdict is the parsed outcome of a verification call.
type Verdict struct {
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// parseVerdict extracts the first JSON object from text. Unparseable replies
// count as a pass so verification can never fail a run on its own.
func parseVerdict(text string) Verdict {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{Passed: true}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Verdict{Passed: true}
	}
	return v
}

func verificationFeedback(v Verdict) string {
	return "[verification] Your answer did not meet the success criteria: " + v.Feedback +
		"\nRevise it. Use tools only if you need more information."
}

func errorFeedback(failures []string) string {
	var b strings.Builder
	b.WriteString("[error feedback] These tool calls failed this iteration:\n")
	for _, f := range failures {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("Do not repeat them unchanged. Fix the arguments or change strategy.")
	return b.String()
}

const (
	budgetWarningMessage = "[budget] You have used over 80% of this run's budget. Prioritize finishing the task."
	budgetWrapUpMessage  = "[budget] This run's budget is exhausted. Stop calling tools and give your final answer now " +
		"with what you have."
	maxIterationsMessage = "max iterations reached"
)
