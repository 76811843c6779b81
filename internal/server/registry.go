package server

import (
	"sync"

	"github.com/strandloop/strand/internal/agent"
)

// registry tracks live agents by run id so cancel and resume can
// address a run after its starting request returned. Entries are
// removed once the run reaches a terminal status; a paused run
// (requires_action) stays registered for resumption.
type registry struct {
	mu   sync.RWMutex
	runs map[string]agent.Agent
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]agent.Agent)}
}

func (r *registry) add(runID string, a agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = a
}

func (r *registry) get(runID string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.runs[runID]
	return a, ok
}

func (r *registry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}
