package payment

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps provider names to adapters. Providers are registered at
// start-up and only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds adapter under name. Registering a name twice fails with
// ErrDuplicateProvider.
func (r *Registry) Register(name string, adapter Adapter) error {
	key := normaliseName(name)
	if key == "" || adapter == nil {
		return invalidRequest("provider name and adapter are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; exists {
		return ErrDuplicateProvider
	}
	r.adapters[key] = adapter
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	key := normaliseName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[key]
	if !ok {
		return nil, &ProviderNotFoundError{Name: key}
	}
	return adapter, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[normaliseName(name)]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	key := normaliseName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[key]; !ok {
		return false
	}
	delete(r.adapters, key)
	return true
}
