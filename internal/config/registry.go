package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio/local"
)

// ErrProviderNotRegistered is returned by [Registry.CreateOutput] when no
// factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OutputFactory builds an output backend from the audio section. A nil
// output with a nil error means headless.
type OutputFactory func(AudioConfig) (local.Output, error)

// Registry maps output backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	output map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		output: make(map[string]OutputFactory),
	}
}

// RegisterOutput registers an output factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateOutput instantiates the output registered under cfg.Output.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateOutput(cfg AudioConfig) (local.Output, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Output.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Output.Name)
	}
	return factory(cfg)
}

// OutputNames returns the registered output names, sorted.
func (r *Registry) OutputNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.output))
	for name := range r.output {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
