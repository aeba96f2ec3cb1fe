// Package provider implements the storage provider capability the core
// talks to.
//
// This package contains:
//   - Provider interface: refresh-token exchange and connectivity probe
//   - Registry: providers by name
//   - OAuth2Provider: the built-in OAuth2 implementation
//   - Fake: scriptable provider for tests
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// ErrProviderNotRegistered is returned when no provider has the requested name.
var ErrProviderNotRegistered = errors.New("provider not registered")

// Provider is the capability interface consumed by the core.
type Provider interface {
	// Name returns the provider identifier (e.g., "gdrive", "dropbox")
	Name() string

	// ExchangeRefreshToken trades a refresh token for a new access token
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (domain.TokenGrant, error)

	// ProbeConnectivity performs one cheap read-only call with accessToken
	ProbeConnectivity(ctx context.Context, accessToken string) error
}

// Capabilities describes optional provider behaviour.
type Capabilities struct {
	ManualRefresh bool
}

// CapabilityReporter is implemented by providers that restrict optional behaviour.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns p's capabilities. Providers that don't report any
// support everything.
func CapabilitiesOf(p Provider) Capabilities {
	if r, ok := p.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return Capabilities{ManualRefresh: true}
}

// Registry holds providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}
	return p, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
