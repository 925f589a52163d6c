package manifest

import (
	"slices"
	"sort"
	"sync"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// Registry holds the current set of agent configs. It implements
// agent.ConfigSource, so a reload is visible to the next run without
// restarting anything.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]agent.AgentConfig
	version   int
	listeners []func([]agent.AgentConfig)
}

// NewRegistry creates a registry holding cfgs.
func NewRegistry(cfgs ...agent.AgentConfig) *Registry {
	r := &Registry{agents: make(map[string]agent.AgentConfig)}
	for _, c := range cfgs {
		r.agents[c.ID] = c
	}
	return r
}

// Get implements agent.ConfigSource.
func (r *Registry) Get(id string) (agent.AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[id]
	return cfg, ok
}

// List returns all configs sorted by id.
func (r *Registry) List() []agent.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []agent.AgentConfig {
	out := make([]agent.AgentConfig, 0, len(r.agents))
	for _, c := range r.agents {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Version increments on every Replace.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// OnChange registers fn to be called with the full config list after each
// Replace. Listeners run synchronously in registration order.
func (r *Registry) OnChange(fn func([]agent.AgentConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Replace swaps in a new config set and notifies listeners.
func (r *Registry) Replace(cfgs []agent.AgentConfig) {
	r.mu.Lock()
	r.agents = make(map[string]agent.AgentConfig, len(cfgs))
	for _, c := range cfgs {
		r.agents[c.ID] = c
	}
	r.version++
	list := r.listLocked()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}

var _ agent.ConfigSource = (*Registry)(nil)
