package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/transcribe"
)

// ErrTransportNotRegistered is returned by [Registry.Create] when no factory
// has been registered for the requested kind.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportDeps is everything a transport factory may draw on.
type TransportDeps struct {
	Config *Config

	// UserID and MatchID identify the local participant. Peer-to-peer
	// signaling registers under them.
	UserID  string
	MatchID string

	Devices device.Source

	// API is shared by every peer connection. May be nil.
	API *webrtc.API

	// Transcriber backs transcription for backends without a native one.
	// May be nil.
	Transcriber transcribe.Provider
}

// TransportFactory builds the adapter for one backend.
type TransportFactory func(TransportDeps) (media.Provider, error)

// Registry maps transport kinds to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[media.Kind]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[media.Kind]TransportFactory)}
}

// Register registers factory for kind. Subsequent calls with the same kind
// overwrite the previous registration.
func (r *Registry) Register(kind media.Kind, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []media.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]media.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Create instantiates the adapter registered under kind.
// Returns [ErrTransportNotRegistered] if no factory has been registered for it.
func (r *Registry) Create(kind media.Kind, deps TransportDeps) (media.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, kind)
	}
	p, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("config: create %s transport: %w", kind, err)
	}
	if p.Kind() != kind {
		return nil, fmt.Errorf("config: factory for %s built a %s adapter", kind, p.Kind())
	}
	return p, nil
}
