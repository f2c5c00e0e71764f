package runtimeconfig

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Cell is a boolean property with a locally cached value.
type Cell struct {
	key          string
	defaultValue bool
	store        *Store
	value        atomic.Bool

	mu        sync.Mutex
	observers []func(bool)
	cancel    func()
}

// NewCell binds a cell to key in store. The cache starts at the stored value,
// or defaultValue when the key is unset.
func NewCell(store *Store, key string, defaultValue bool) *Cell {
	c := &Cell{
		key:          key,
		defaultValue: defaultValue,
		store:        store,
	}
	c.cancel = store.Subscribe(key, c.onPropertyChange)
	c.value.Store(store.GetBool(key, defaultValue))
	return c
}

// Key returns the property name.
func (c *Cell) Key() string { return c.key }

// Default returns the value used when the property is unset.
func (c *Cell) Default() bool { return c.defaultValue }

// Get returns the cached value.
func (c *Cell) Get() bool { return c.value.Load() }

// Set writes through the store. Observers have run by the time it returns.
func (c *Cell) Set(v bool) {
	c.store.SetBool(c.key, v)
}

// OnChange registers fn to run whenever the cached value flips.
func (c *Cell) OnChange(fn func(bool)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Close detaches the cell from its store.
func (c *Cell) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.observers = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Cell) onPropertyChange(_, raw string) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		v = c.defaultValue
	}
	if c.value.Swap(v) == v {
		return
	}

	c.mu.Lock()
	observers := make([]func(bool), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(v)
	}
}
