package command

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRegistryFrozen is returned by Register after Freeze.
var ErrRegistryFrozen = errors.New("command: registry is frozen")

// Registry maps command keys to descriptors for one configuration scope.
// It is filled while configuration loads and frozen before serving, after
// which it is read-only and safe to share between views.
type Registry struct {
	mu     sync.RWMutex
	items  map[string]Descriptor
	order  []string
	frozen bool
}

// NewRegistry returns a registry holding the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{items: make(map[string]Descriptor)}
	for _, d := range Builtins() {
		r.put(d)
	}
	return r
}

// Register inserts d, replacing any descriptor with the same key.
func (r *Registry) Register(d Descriptor) error {
	if d.Key == "" {
		return fmt.Errorf("command: descriptor has no key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registering %q: %w", d.Key, ErrRegistryFrozen)
	}
	r.put(d)
	return nil
}

// callers hold r.mu or own r exclusively.
func (r *Registry) put(d Descriptor) {
	if _, exists := r.items[d.Key]; !exists {
		r.order = append(r.order, d.Key)
	}
	r.items[d.Key] = d
}

// Get returns the descriptor for key.
func (r *Registry) Get(key string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[key]
	return d, ok
}

// Keys returns the registered keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
