package delivery

import (
	"fmt"
	"sync"
)

// Registry routes broker SENDs and global verification signals to the
// owning session pipeline. Pipelines share nothing else.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

func (r *Registry) Add(session string, p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[session] = p
}

func (r *Registry) Remove(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, session)
}

func (r *Registry) Get(session string) *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[session]
}

// Route hands a SEND to the recipient's pipeline.
func (r *Registry) Route(msg Message) error {
	p := r.Get(msg.To)
	if p == nil {
		return fmt.Errorf("no session for recipient %q", msg.To)
	}
	return p.Submit(msg)
}

// Broadcast fans a signal out to every pipeline. Delivery ids are
// unique, so every pipeline but the owner ignores it.
func (r *Registry) Broadcast(sig Signal) {
	r.mu.RLock()
	pipelines := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipelines = append(pipelines, p)
	}
	r.mu.RUnlock()

	for _, p := range pipelines {
		p.Signal(sig)
	}
}

func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]string, 0, len(r.pipelines))
	for session := range r.pipelines {
		sessions = append(sessions, session)
	}
	return sessions
}
