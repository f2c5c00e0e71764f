// Package interceptor is the server-wide registry of unit interceptors.
package interceptor

import (
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
	"go.uber.org/zap"
)

// Registry holds interceptors in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []host.Interceptor
	logger  *zap.Logger
}

var _ host.InterceptorRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Add registers i. It returns false if i is already registered.
func (r *Registry) Add(i host.Interceptor) bool {
	if i == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.entries {
		if existing == i {
			return false
		}
	}
	r.entries = append(r.entries, i)
	return true
}

// Remove unregisters i. It returns false if i was not registered.
func (r *Registry) Remove(i host.Interceptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for idx, existing := range r.entries {
		if existing == i {
			r.entries = append(r.entries[:idx:idx], r.entries[idx+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered interceptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Invoke runs every interceptor registered at call time. A panicking
// interceptor is logged and skipped.
func (r *Registry) Invoke(unit *stanza.Unit, session host.Session, incoming, processed bool) {
	r.mu.RLock()
	snapshot := append([]host.Interceptor(nil), r.entries...)
	r.mu.RUnlock()

	for _, i := range snapshot {
		r.invokeOne(i, unit, session, incoming, processed)
	}
}

func (r *Registry) invokeOne(i host.Interceptor, unit *stanza.Unit, session host.Session, incoming, processed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("interceptor panicked",
				zap.Any("panic", rec),
				zap.Bool("incoming", incoming),
				zap.Bool("processed", processed))
		}
	}()
	i.InterceptPacket(unit, session, incoming, processed)
}
