package llm

import (
	"fmt"
	"sort"
	"sync"

	"tavern/internal/logging"
)

// BackendFactory constructs an adapter for one backend config. The default
// factory dispatches on the variant tag; tests inject fakes.
type BackendFactory func(cfg BackendConfig) (Backend, error)

// DefaultFactory selects the adapter constructor by variant.
func DefaultFactory(cfg BackendConfig) (Backend, error) {
	switch cfg.Variant {
	case VariantKobold:
		return NewKoboldBackend(cfg), nil
	case VariantOpenAI:
		return NewOpenAIBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend variant: %q", cfg.Variant)
	}
}

type registryEntry struct {
	backend Backend
	sem     *Semaphore
}

// Registry is the process-wide mapping from backend id to adapter instance
// and admission semaphore. It is rebuilt wholesale by Initialize; partial
// state is never observable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Initialize atomically replaces the registry contents. The new mapping is
// built completely before the swap; on any constructor error the previous
// mapping stays in place.
func (r *Registry) Initialize(configs []BackendConfig, factory BackendFactory) error {
	if factory == nil {
		factory = DefaultFactory
	}

	next := make(map[string]registryEntry, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			return fmt.Errorf("backend config missing id")
		}
		if _, dup := next[cfg.ID]; dup {
			return fmt.Errorf("duplicate backend id: %q", cfg.ID)
		}
		backend, err := factory(cfg)
		if err != nil {
			return fmt.Errorf("backend %q: %w", cfg.ID, err)
		}
		next[cfg.ID] = registryEntry{
			backend: backend,
			sem:     NewSemaphore(cfg.MaxConcurrent),
		}
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	logging.Boot("backend registry initialized (%d backends)", len(next))
	return nil
}

// Get returns the adapter for a backend id.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.backend, true
}

// Controller returns the admission semaphore for a backend id.
func (r *Registry) Controller(id string) (*Semaphore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sem, true
}

// IDs returns the registered backend ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears the registry. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()
}

var global = NewRegistry()

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Initialize rebuilds the process-wide registry from configs.
func Initialize(configs []BackendConfig, factory BackendFactory) error {
	return global.Initialize(configs, factory)
}
