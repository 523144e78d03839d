// Package registry tracks agent capability sets and availability.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jfenner/foreman/internal/models"
)

// CandidatePolicy orders idle capable agents for dispatch. The default
// prefers the least-recently-dispatched agent to spread load.
type CandidatePolicy func(agents []*models.Agent)

// LeastRecentlyDispatched is the default candidate ordering.
func LeastRecentlyDispatched(agents []*models.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].LastDispatch.Before(agents[j].LastDispatch)
	})
}

// Registry provides thread-safe storage of agent state. It is the sole
// owner of agent availability; task state lives in the store.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
	policy CandidatePolicy

	// notify is signalled (non-blocking) on every availability change so
	// the dispatcher can wake without polling.
	notify chan struct{}
}

// New creates an empty registry with the default candidate policy.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*models.Agent),
		policy: LeastRecentlyDispatched,
		notify: make(chan struct{}, 1),
	}
}

// SetPolicy replaces the candidate ordering policy.
func (r *Registry) SetPolicy(p CandidatePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Notify returns a channel that receives a signal whenever agent
// availability changes. At most one signal is buffered; a dispatch pass
// drains it and re-scans.
func (r *Registry) Notify() <-chan struct{} {
	return r.notify
}

func (r *Registry) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Register adds or re-registers an agent as idle with the given
// capability set. Re-registering a busy agent keeps it busy.
func (r *Registry) Register(id, name string, capabilities []string) *models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.agents[id]; ok {
		existing.Name = name
		existing.Capabilities = capabilities
		existing.LastHeartbeat = now
		if existing.Status == models.AgentStatusDisabled {
			existing.Status = models.AgentStatusIdle
		}
		r.signal()
		return cloneAgent(existing)
	}

	agent := &models.Agent{
		ID:            id,
		Name:          name,
		Capabilities:  capabilities,
		Status:        models.AgentStatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.agents[id] = agent
	r.signal()
	return cloneAgent(agent)
}

// Get returns a copy of the agent, or nil if unknown.
func (r *Registry) Get(id string) *models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	return cloneAgent(a)
}

// All returns copies of every registered agent.
func (r *Registry) All() []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// SetAvailability forces an agent's availability status.
func (r *Registry) SetAvailability(id string, status models.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.Status = status
	if status != models.AgentStatusBusy {
		a.CurrentTaskID = ""
	}
	r.signal()
	return true
}

// FindCandidates returns idle agents whose declared capability set covers
// the required set, ordered by the registry's candidate policy. An empty
// result is a normal condition, not an error.
func (r *Registry) FindCandidates(required []string) []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*models.Agent
	for _, a := range r.agents {
		if a.Status != models.AgentStatusIdle {
			continue
		}
		if !a.HasCapabilities(required) {
			continue
		}
		candidates = append(candidates, cloneAgent(a))
	}
	r.policy(candidates)
	return candidates
}

// AnyCapable reports whether any non-disabled agent declares the required
// set, regardless of availability. Used for stalled-task detection.
func (r *Registry) AnyCapable(required []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Status == models.AgentStatusDisabled {
			continue
		}
		if a.HasCapabilities(required) {
			return true
		}
	}
	return false
}

// Reserve transitions an idle agent to busy on the given task. It is the
// registry half of the atomic assignment step: it fails when the agent is
// not idle, so two concurrent dispatch passes can never both take it.
func (r *Registry) Reserve(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || a.Status != models.AgentStatusIdle {
		return false
	}
	a.Status = models.AgentStatusBusy
	a.CurrentTaskID = taskID
	a.LastDispatch = time.Now().UTC()
	return true
}

// Release returns a busy agent to idle.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.Status == models.AgentStatusBusy {
		a.Status = models.AgentStatusIdle
	}
	a.CurrentTaskID = ""
	r.signal()
}

// Heartbeat records agent liveness. Unknown agents are ignored.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	a.LastHeartbeat = time.Now().UTC()
	return true
}

// DisableStale disables agents whose last heartbeat is older than the
// cutoff and returns copies of them, including any task they were running
// so the caller can fail it.
func (r *Registry) DisableStale(cutoff time.Time) []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*models.Agent
	for _, a := range r.agents {
		if a.Status == models.AgentStatusDisabled {
			continue
		}
		if a.LastHeartbeat.After(cutoff) {
			continue
		}
		snapshot := cloneAgent(a)
		a.Status = models.AgentStatusDisabled
		a.CurrentTaskID = ""
		stale = append(stale, snapshot)
	}
	if len(stale) > 0 {
		r.signal()
	}
	return stale
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}
