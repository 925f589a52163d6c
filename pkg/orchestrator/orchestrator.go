// Package orchestrator implements sub-agent spawning: a parent run asks for
// one or more child runs, the Spawner checks nesting depth, resolves the
// child's config, claims a namespaced dedup key and runs the child through
// the same Runner with a cascaded budget. Only a compact summary flows back
// to the parent.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// InstanceStatus is the state of a tracked child run.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Instance is a child run currently owned by the Spawner.
type Instance struct {
	Key           string
	AgentID       string
	ParentRunID   string
	ParentAgentID string
	Depth         int
	Status        InstanceStatus
	StartedAt     time.Time
}

// instances tracks in-flight children by dedup key.
type instances struct {
	mu     sync.RWMutex
	active map[string]*Instance
}

func newInstances() *instances {
	return &instances{active: make(map[string]*Instance)}
}

func (i *instances) add(inst *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active[inst.Key] = inst
}

func (i *instances) remove(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.active, key)
}

func (i *instances) list() []Instance {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]Instance, 0, len(i.active))
	for _, inst := range i.active {
		out = append(out, *inst)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartedAt.Before(out[b].StartedAt)
	})
	return out
}

func statusOf(run *agent.AgentRun) InstanceStatus {
	if run != nil && run.Succeeded() {
		return InstanceCompleted
	}
	return InstanceFailed
}
