package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Registry dispatches by (protocol name, version). It is filled once at
// startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
}

// NewRegistry creates a registry holding handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[Key]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler. Registering the same key twice is an error.
func (r *Registry) Register(h Handler) error {
	key := h.Metadata().Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("protocol handler %s already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// Describe returns the metadata of a handler.
func (r *Registry) Describe(name, version string) (Metadata, error) {
	h, err := r.Handler(name, version)
	if err != nil {
		return Metadata{}, err
	}
	return h.Metadata(), nil
}

// ListHandlers returns the metadata of every handler ordered by name and
// version.
func (r *Registry) ListHandlers() []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Metadata())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProtocolHandlerName != out[j].ProtocolHandlerName {
			return out[i].ProtocolHandlerName < out[j].ProtocolHandlerName
		}
		return out[i].Version.VersionValue < out[j].Version.VersionValue
	})
	return out
}

// Handler returns the handler registered for name and version.
func (r *Registry) Handler(name, version string) (Handler, error) {
	key := Key{Name: name, Version: version}

	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()

	if !ok {
		return nil, NewNotFoundError("describe protocol", fmt.Sprintf("no handler for %s", key))
	}
	return h, nil
}

// HandlerFor returns the handler configured on a network.
func (r *Registry) HandlerFor(n *models.Network) (Handler, error) {
	return r.Handler(n.ProtocolName, n.ProtocolVersion)
}

// Wrap decorates every registered handler with ic.
func (r *Registry) Wrap(ic Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, h := range r.handlers {
		r.handlers[k] = WithInterceptor(h, ic)
	}
}
