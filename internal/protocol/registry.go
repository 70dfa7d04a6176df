package protocol

import (
	"sync"

	"github.com/go-chi/chi/v5"
)

// Provider is a login protocol or auth surface that mounts routes under a realm.
type Provider interface {
	ID() string
	RegisterRoutes(r chi.Router)
}

// Registry holds the registered providers in registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byID      map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Provider),
	}
}

// Register adds a provider. Registering the same ID twice replaces the earlier entry.
func (reg *Registry) Register(p Provider) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[p.ID()]; exists {
		for i, existing := range reg.providers {
			if existing.ID() == p.ID() {
				reg.providers[i] = p
				break
			}
		}
	} else {
		reg.providers = append(reg.providers, p)
	}
	reg.byID[p.ID()] = p
}

// Get returns the provider registered under id
func (reg *Registry) Get(id string) (Provider, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	p, ok := reg.byID[id]
	return p, ok
}

// List returns all providers in registration order
func (reg *Registry) List() []Provider {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Provider, len(reg.providers))
	copy(out, reg.providers)
	return out
}
