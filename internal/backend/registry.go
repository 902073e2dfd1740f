package backend

import (
	"fmt"
	"log/slog"
)

// Registry maps backend names to Backend implementations, directly
// generalizing the teacher's internal/executor.Registry (which keyed on
// model.ExecutorType) to the richer Backend contract. Registration happens
// at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends map[string]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		logger:   logger.With("component", "backend-registry"),
	}
}

// Register adds a Backend, keyed by its Name().
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
	r.logger.Info("backend registered", "name", b.Name())
}

// Get returns the Backend for name or an error if none is registered.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", name)
	}
	return b, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
