package runtimeconfig

import (
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Listener is notified after a key changes value.
type Listener func(key, value string)

type subscription struct {
	fn Listener
}

// Store is an in-memory property table. Writes are serialized and listeners
// run on the writer's goroutine before Set returns.
type Store struct {
	mu        sync.RWMutex
	values    map[string]string
	listeners map[string][]*subscription

	// writeMu orders notifications so listeners observe writes in commit order.
	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values:    make(map[string]string),
		listeners: make(map[string][]*subscription),
		logger:    logger,
	}
}

// Get returns the raw value of key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetBool parses key as a boolean, returning defaultValue when the key is
// missing or unparsable.
func (s *Store) GetBool(key string, defaultValue bool) bool {
	raw, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn("ignoring non-boolean property value",
			zap.String("key", key),
			zap.String("value", raw))
		return defaultValue
	}
	return v
}

// Set stores value under key and notifies the key's listeners when the value
// changed.
func (s *Store) Set(key, value string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	old, existed := s.values[key]
	s.values[key] = value
	subs := append([]*subscription(nil), s.listeners[key]...)
	s.mu.Unlock()

	if existed && old == value {
		return
	}

	s.logger.Debug("property changed",
		zap.String("key", key),
		zap.String("value", value))

	for _, sub := range subs {
		sub.fn(key, value)
	}
}

// SetBool stores a boolean value.
func (s *Store) SetBool(key string, value bool) {
	s.Set(key, strconv.FormatBool(value))
}

// Load writes every entry of values, notifying listeners as Set does.
// Keys are applied in sorted order.
func (s *Store) Load(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Set(k, values[k])
	}
}

// Subscribe registers fn for changes to key. The returned func removes it.
func (s *Store) Subscribe(key string, fn Listener) func() {
	sub := &subscription{fn: fn}

	s.mu.Lock()
	s.listeners[key] = append(s.listeners[key], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.listeners[key]
		for i, candidate := range subs {
			if candidate == sub {
				s.listeners[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(s.listeners[key]) == 0 {
			delete(s.listeners, key)
		}
	}
}

// Snapshot returns a copy of every stored property.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
