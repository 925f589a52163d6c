package hooks

import (
	"sort"
	"strings"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// AnyEvent matches every event type on a stream.
const AnyEvent = "*"

// Trigger starts AgentID when an event of EventType arrives on Stream.
// Message is prepended to the event details in the run's input.
type Trigger struct {
	Stream    string `mapstructure:"stream" json:"stream" yaml:"stream"`
	EventType string `mapstructure:"event_type" json:"event_type" yaml:"event_type"`
	AgentID   string `mapstructure:"agent_id" json:"agent_id" yaml:"agent_id"`
	Message   string `mapstructure:"message" json:"message,omitempty" yaml:"message"`
}

func (t Trigger) matches(eventType string) bool {
	return t.EventType == AnyEvent || t.EventType == eventType
}

func (t Trigger) key() string {
	return t.Stream + "\x00" + t.EventType + "\x00" + t.AgentID
}

// TriggersFromConfigs derives triggers from the hook bindings agents declare.
func TriggersFromConfigs(cfgs []agent.AgentConfig) []Trigger {
	var out []Trigger
	for _, cfg := range cfgs {
		for _, h := range cfg.Hooks {
			out = append(out, Trigger{
				Stream:    h.Stream,
				EventType: h.EventType,
				AgentID:   cfg.ID,
				Message:   h.Message,
			})
		}
	}
	return out
}

// MergeTriggers concatenates trigger lists, dropping blanks and repeated
// (stream, event type, agent) combinations. The first occurrence wins.
func MergeTriggers(lists ...[]Trigger) []Trigger {
	seen := make(map[string]bool)
	var out []Trigger
	for _, list := range lists {
		for _, t := range list {
			t.Stream = strings.TrimSpace(t.Stream)
			t.EventType = strings.TrimSpace(t.EventType)
			t.AgentID = strings.TrimSpace(t.AgentID)
			if t.Stream == "" || t.EventType == "" || t.AgentID == "" {
				continue
			}
			if seen[t.key()] {
				continue
			}
			seen[t.key()] = true
			out = append(out, t)
		}
	}
	return out
}

// index groups triggers by stream.
func index(triggers []Trigger) map[string][]Trigger {
	out := make(map[string][]Trigger)
	for _, t := range MergeTriggers(triggers) {
		out[t.Stream] = append(out[t.Stream], t)
	}
	return out
}

func sortedStreams(byStream map[string][]Trigger) []string {
	streams := make([]string, 0, len(byStream))
	for s := range byStream {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return streams
}
