package connectors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Factory builds a fresh connector for one sync of integration.
type Factory func(integration *models.Integration) (Connector, error)

// Registry maps providers to connector factories. It is built once at startup and
// passed to whatever creates connectors.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Provider]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[models.Provider]Factory{}}
}

// Register adds or replaces the factory for provider.
func (r *Registry) Register(provider models.Provider, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

func (r *Registry) Has(provider models.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[provider]
	return ok
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds a connector for integration. An unregistered provider is a 404.
func (r *Registry) New(integration *models.Integration) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[integration.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, httperror.NewHTTPErrorf(404, "no connector available for provider %s", integration.Provider)
	}

	connector, err := factory(integration)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", integration.Provider, err)
	}
	return connector, nil
}
