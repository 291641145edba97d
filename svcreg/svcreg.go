// Package svcreg maps registered service ids to the channel their
// requests arrive on. Lookups are memoized with an unexpiring cache so
// repeated resolution in a hot pipeline stage never repeats the map
// lookup's lock acquisition (spec §2, §6).
package svcreg

import (
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/dataparency-dev/capkernel/ids"
)

// ServiceNotFoundError is returned by Lookup for an unregistered
// service id.
type ServiceNotFoundError struct {
	Service ids.ServiceID
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("svcreg: service %s not registered", e.Service)
}

// AlreadyRegisteredError is returned by Register when the service id is
// already bound to a channel.
type AlreadyRegisteredError struct {
	Service ids.ServiceID
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("svcreg: service %s already registered", e.Service)
}

// Registry binds service ids to the channel their handler reads from.
// Bindings never expire and are never mutated after Register, which is
// exactly the shape go-cache.NoExpiration memoization is for: a pure
// function from ServiceID to ChannelID, cached as soon as it's known.
type Registry struct {
	mu       sync.Mutex
	bindings map[ids.ServiceID]ids.ChannelID
	lookup   *cache.Cache
}

// NewRegistry builds an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[ids.ServiceID]ids.ChannelID),
		lookup:   cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// Register binds service to ch. It is an error to register the same
// service id twice — services don't migrate channels mid-run.
func (r *Registry) Register(service ids.ServiceID, ch ids.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[service]; exists {
		return &AlreadyRegisteredError{Service: service}
	}
	r.bindings[service] = ch
	r.lookup.Set(service.String(), ch, cache.NoExpiration)
	return nil
}

// Lookup resolves service to its bound channel.
func (r *Registry) Lookup(service ids.ServiceID) (ids.ChannelID, error) {
	if v, ok := r.lookup.Get(service.String()); ok {
		return v.(ids.ChannelID), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.bindings[service]
	if !ok {
		return ids.NilChannelID, &ServiceNotFoundError{Service: service}
	}
	r.lookup.Set(service.String(), ch, cache.NoExpiration)
	return ch, nil
}
