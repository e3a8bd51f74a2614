package entity

import (
	"fmt"
	"sync"

	"github.com/brainkernel/brain/brainerr"
)

// Registry maps entityType -> Type. Writes happen during plugin
// initialization, after which Seal rejects further registration. A single
// RWMutex guards the map both before and after Seal.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]Type
	sealed bool
}

// NewRegistry builds an empty entity type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds a new entity type. Registering the same name twice with an
// equivalent schema is a no-op; registering it with a different schema is
// an error.
func (r *Registry) Register(t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return brainerr.New(brainerr.Dependency, "entity registry is sealed", map[string]any{"entityType": t.Name})
	}
	if existing, ok := r.types[t.Name]; ok {
		if !existing.Schema.Equal(t.Schema) {
			return brainerr.New(brainerr.Validation, fmt.Sprintf("entity type %q already registered with a different schema", t.Name), nil)
		}
		return nil
	}
	r.types[t.Name] = t
	return nil
}

// Seal freezes the registry against further registration. Called once the
// plugin register-phase completes.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the registered Type, if any.
func (r *Registry) Get(entityType string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[entityType]
	return t, ok
}

// MustGet returns the registered Type or a NotFound error.
func (r *Registry) MustGet(entityType string) (Type, error) {
	t, ok := r.Get(entityType)
	if !ok {
		return Type{}, brainerr.New(brainerr.NotFound, fmt.Sprintf("entity type %q is not registered", entityType), map[string]any{"entityType": entityType})
	}
	return t, nil
}

// Unregister drops a registered entity type that has not survived Seal,
// reporting whether one existed. It exists for the plugin manager to roll
// back an entity type a plugin registered from a failed onRegister call.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	if _, ok := r.types[name]; !ok {
		return false
	}
	delete(r.types, name)
	return true
}

// Names returns every registered entity type name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	return names
}
