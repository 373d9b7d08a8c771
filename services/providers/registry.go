package providers

import (
	"errors"
	"sync"
)

// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
var ErrProviderAlreadyRegistered = errors.New("provider already registered")

// Registry holds configured providers in priority order. The first entry is
// the primary; the rest are fallbacks in configured order.
type Registry struct {
	mu        sync.RWMutex
	providers map[ProviderTag]Provider
	order     []ProviderTag
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[ProviderTag]Provider),
	}
}

// RegisterProvider appends a provider to the end of the priority list
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if !name.Valid() {
		return errors.New("provider name is not a supported vendor")
	}

	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider
	r.order = append(r.order, name)
	return nil
}

// GetProvider retrieves a provider by tag
func (r *Registry) GetProvider(name ProviderTag) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// SetPrimary moves name to the front. The relative order of the remaining
// providers is unchanged.
func (r *Registry) SetPrimary(name ProviderTag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return ErrProviderNotFound
	}

	order := make([]ProviderTag, 0, len(r.order))
	order = append(order, name)
	for _, tag := range r.order {
		if tag != name {
			order = append(order, tag)
		}
	}
	r.order = order
	return nil
}

// Ordered returns a snapshot of the providers in priority order
func (r *Registry) Ordered() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.order))
	for _, tag := range r.order {
		out = append(out, r.providers[tag])
	}
	return out
}

// ListProviders returns the registered tags in priority order
func (r *Registry) ListProviders() []ProviderTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]ProviderTag(nil), r.order...)
}

// Primary returns the tag tried first, or empty when nothing is registered
func (r *Registry) Primary() ProviderTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// GetProviderCount returns the number of registered providers
func (r *Registry) GetProviderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}
