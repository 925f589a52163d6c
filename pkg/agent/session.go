package agent

import (
	"time"

	"github.com/google/uuid"
)

// Session is the mutable state of one run: transcript, step log, counters and
// timing. It is owned by exactly one goroutine.
type Session struct {
	Run      *AgentRun
	Messages []AgentMessage

	started time.Time
	now     func() time.Time
}

// NewSession starts the clock for run.
func NewSession(run *AgentRun, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{Run: run, started: now(), now: now}
}

// Append adds messages to the transcript.
func (s *Session) Append(msgs ...AgentMessage) {
	s.Messages = append(s.Messages, msgs...)
}

// Inject adds engine guidance as a user turn.
func (s *Session) Inject(content string) {
	s.Messages = append(s.Messages, AgentMessage{Role: "user", Content: content})
}

// RecordStep stamps identity and ordering onto step and appends it.
func (s *Session) RecordStep(step RunStep) RunStep {
	step.ID = uuid.NewString()
	step.RunID = s.Run.ID
	step.Index = len(s.Run.Steps)
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.now()
	}
	s.Run.Steps = append(s.Run.Steps, step)
	return step
}

// AddUsage accumulates tokens and cost for one model call.
func (s *Session) AddUsage(model string, in, out int, costUSD float64) {
	s.Run.InputTokens += in
	s.Run.OutputTokens += out
	s.Run.TotalCostUSD += costUSD
	s.Run.ModelUsed = model
}

// NoteAttempt records that model was tried, once.
func (s *Session) NoteAttempt(model string) {
	for _, m := range s.Run.ModelsAttempted {
		if m == model {
			return
		}
	}
	s.Run.ModelsAttempted = append(s.Run.ModelsAttempted, model)
}

// Elapsed returns time since the session started.
func (s *Session) Elapsed() time.Duration {
	return s.now().Sub(s.started)
}

// LastAssistantContent returns the newest non-empty assistant text.
func (s *Session) LastAssistantContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}
