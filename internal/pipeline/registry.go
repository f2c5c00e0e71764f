package pipeline

import (
	"sort"
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"go.uber.org/zap"
)

// Registry tracks open pipelines and notifies per-category listeners.
// Listeners run on the caller's goroutine, outside the registry lock.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	listeners map[host.ConnectionType][]host.PipelineListener
	logger    *zap.Logger
}

var _ host.PipelineRegistry = (*Registry)(nil)

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		pipelines: make(map[string]*Pipeline),
		listeners: make(map[host.ConnectionType][]host.PipelineListener),
		logger:    logger,
	}
}

// Open returns the live pipelines of a category ordered by ID.
func (r *Registry) Open(t host.ConnectionType) []host.Pipeline {
	r.mu.RLock()
	var out []host.Pipeline
	for _, p := range r.pipelines {
		if p.Type() == t && p.State() != host.StateClosed {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of registered pipelines per category.
func (r *Registry) Count() map[host.ConnectionType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[host.ConnectionType]int)
	for _, p := range r.pipelines {
		out[p.Type()]++
	}
	return out
}

// AddListener subscribes l to a category. Adding the same listener twice has
// no effect.
func (r *Registry) AddListener(t host.ConnectionType, l host.PipelineListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners[t] {
		if existing == l {
			return
		}
	}
	r.listeners[t] = append(r.listeners[t], l)
}

func (r *Registry) RemoveListener(t host.ConnectionType, l host.PipelineListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[t]
	for i, existing := range ls {
		if existing == l {
			r.listeners[t] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// Register records p and tells the category's listeners it opened.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	r.pipelines[p.ID()] = p
	ls := append([]host.PipelineListener(nil), r.listeners[p.Type()]...)
	r.mu.Unlock()

	for _, l := range ls {
		r.notify(p, func() { l.PipelineOpened(p) })
	}
}

// Unregister forgets p and tells the category's listeners it closed.
func (r *Registry) Unregister(p *Pipeline) {
	r.mu.Lock()
	_, ok := r.pipelines[p.ID()]
	delete(r.pipelines, p.ID())
	ls := append([]host.PipelineListener(nil), r.listeners[p.Type()]...)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, l := range ls {
		r.notify(p, func() { l.PipelineClosed(p) })
	}
}

func (r *Registry) notify(p *Pipeline, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline listener panicked",
				zap.String("pipeline_id", p.ID()),
				zap.Any("panic", rec))
		}
	}()
	fn()
}
