package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Function is a named server-side function a "function" command can run.
type Function func(ctx context.Context, params map[string]any) (map[string]any, error)

// FunctionRegistry stores functions registered at startup and runs them by
// name. It is safe for concurrent use after initial registration.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]Function)}
}

// Register adds fn under name. Panics if the name is taken, since this
// indicates a wiring mistake at startup.
func (r *FunctionRegistry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[name]; exists {
		panic(fmt.Sprintf("invoker: function %q already registered", name))
	}
	r.functions[name] = fn
}

// Has reports whether name is registered.
func (r *FunctionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// Names returns all registered names, sorted alphabetically.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the function registered under name.
func (r *FunctionRegistry) Call(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %q is not registered", name)
	}
	return fn(ctx, params)
}
