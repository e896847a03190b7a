package catalog

import (
	"strings"
	"sync"
)

// StateBackendFactory builds a backend from a full DSN.
type StateBackendFactory func(dsn string) (StateBackend, error)

type schemeRegistry struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}

var stateBackendSchemes = &schemeRegistry{factories: map[string]StateBackendFactory{}}

// RegisterStateBackendFactory overrides or adds the backend built for a DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	if factory == nil {
		return
	}
	stateBackendSchemes.set(scheme, factory)
}

func unregisterStateBackendFactory(scheme string) {
	stateBackendSchemes.set(scheme, nil)
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	return stateBackendSchemes.get(scheme)
}

func (r *schemeRegistry) set(scheme string, factory StateBackendFactory) {
	key := normalizeBackendScheme(scheme)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if factory == nil {
		delete(r.factories, key)
		return
	}
	r.factories[key] = factory
}

func (r *schemeRegistry) get(scheme string) (StateBackendFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
