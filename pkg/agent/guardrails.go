package agent

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ironsail-llc/robothor/pkg/tools"
)

const outputSizeWarnBytes = 20000

// Guardrail is a named policy applied around tool calls. Pre may block a
// call; Post may only warn.
type Guardrail struct {
	Name string
	Pre  func(call ToolCall) (blocked bool, reason string)
	Post func(call ToolCall, res tools.Result) (warning string)
}

var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*f|\brm\s+-[a-z]*f[a-z]*r`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\btruncate\s+table\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(;|$)`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=.*\bof=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force\b`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot)\b\s+(-h|now)`),
}

var builtinGuardrails = map[string]Guardrail{
	"destructive_commands": {
		Name: "destructive_commands",
		Pre: func(call ToolCall) (bool, string) {
			args, _ := json.Marshal(call.Parameters)
			for _, re := range destructivePatterns {
				if m := re.Find(args); m != nil {
					return true, fmt.Sprintf("destructive pattern %q in %s arguments", string(m), call.Name)
				}
			}
			return false, ""
		},
	},
	"output_size": {
		Name: "output_size",
		Post: func(call ToolCall, res tools.Result) string {
			if n := len(res.Output); n > outputSizeWarnBytes || res.Truncated {
				return fmt.Sprintf("%s returned a large output (%d bytes); summarize instead of quoting it", call.Name, n)
			}
			return ""
		},
	},
}

// GuardrailEngine applies the guardrails an agent enabled.
type GuardrailEngine struct {
	rails []Guardrail
}

// NewGuardrailEngine resolves names against the built-ins and returns the
// engine plus any names it did not recognize.
func NewGuardrailEngine(names []string) (*GuardrailEngine, []string) {
	g := &GuardrailEngine{}
	var unknown []string
	for _, n := range names {
		rail, ok := builtinGuardrails[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		g.rails = append(g.rails, rail)
	}
	return g, unknown
}

// Empty reports whether no guardrail is active.
func (g *GuardrailEngine) Empty() bool {
	return g == nil || len(g.rails) == 0
}

// CheckPre returns the first guardrail blocking call.
func (g *GuardrailEngine) CheckPre(call ToolCall) (blocked bool, guardrail, reason string) {
	if g == nil {
		return false, "", ""
	}
	for _, r := range g.rails {
		if r.Pre == nil {
			continue
		}
		if blocked, reason := r.Pre(call); blocked {
			return true, r.Name, reason
		}
	}
	return false, "", ""
}

// CheckPost collects warnings for a finished call.
func (g *GuardrailEngine) CheckPost(call ToolCall, res tools.Result) []string {
	if g == nil {
		return nil
	}
	var warnings []string
	for _, r := range g.rails {
		if r.Post == nil {
			continue
		}
		if w := r.Post(call, res); w != "" {
			warnings = append(warnings, r.Name+": "+w)
		}
	}
	return warnings
}

// blockedResult is the structured tool result for a blocked call.
func blockedResult(guardrail, reason string) string {
	data, _ := json.Marshal(map[string]string{
		"error":     "blocked by guardrail",
		"guardrail": guardrail,
		"reason":    reason,
	})
	return string(data)
}
