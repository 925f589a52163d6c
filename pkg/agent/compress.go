package agent

import (
	"fmt"
)

const (
	compressKeepRecent   = 12
	compressToolOutputTo = 1500
	compressHeadroom     = 0.85
)

// CompressMessages shrinks a transcript that would not fit in maxTokens.
// pin is the index of the run's task message, which always survives. Old
// tool outputs are truncated first; if that is not enough, everything before
// the recent tail except the task is collapsed into a marker. The tail never
// starts with an orphaned tool result. It returns the task's index in the
// result.
func CompressMessages(messages []AgentMessage, maxTokens, pin int) ([]AgentMessage, int, bool) {
	budget := int(float64(maxTokens) * compressHeadroom)
	if maxTokens <= 0 || EstimateTokens(messages) <= budget {
		return messages, pin, false
	}
	if pin < 0 || pin >= len(messages) {
		pin = 0
	}

	tailStart := len(messages) - compressKeepRecent
	if tailStart < 1 {
		tailStart = 1
	}

	out := make([]AgentMessage, len(messages))
	copy(out, messages)
	for i := 0; i < tailStart; i++ {
		if out[i].Role == "tool" && len(out[i].Content) > compressToolOutputTo {
			out[i].Content = out[i].Content[:compressToolOutputTo] + "\n...[output truncated]"
		}
	}
	if EstimateTokens(out) <= budget {
		return out, pin, true
	}

	for tailStart < len(out) && out[tailStart].Role == "tool" {
		tailStart++
	}
	dropped := tailStart
	if pin < tailStart {
		dropped--
	}
	if dropped <= 0 {
		return out, pin, true
	}

	collapsed := make([]AgentMessage, 0, len(out)-dropped+2)
	newPin := 0
	if pin < tailStart {
		collapsed = append(collapsed, out[pin])
	} else {
		newPin = pin - tailStart + 1
	}
	collapsed = append(collapsed, AgentMessage{
		Role:    "user",
		Content: fmt.Sprintf("[context] %d earlier messages were removed to fit the context window.", dropped),
	})
	collapsed = append(collapsed, out[tailStart:]...)
	return collapsed, newPin, true
}
