// Package transport provides the default transports of the engine: a
// gRPC-based one for real clusters and an in-process network for tests
// and single-process deployments. Protocols are selected by URI scheme.
package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shrtyk/statelog/api"
)

// Scheme extracts the protocol scheme from a member URI.
func Scheme(uri string) (string, error) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", api.NewProtocolError("member URI %q has no scheme", uri)
	}
	return uri[:i], nil
}

// Target returns the address part of a member URI.
func Target(uri string) (string, error) {
	i := strings.Index(uri, "://")
	if i < 0 || i+3 >= len(uri) {
		return "", api.NewProtocolError("member URI %q has no target", uri)
	}
	return uri[i+3:], nil
}

// Registry maps URI schemes to protocol implementations.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]api.Protocol
}

func NewRegistry() *Registry {
	return &Registry{protocols: make(map[string]api.Protocol)}
}

// Register installs a protocol for a scheme, replacing any previous one.
func (r *Registry) Register(scheme string, p api.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[scheme] = p
}

// Lookup resolves the protocol serving the given member URI.
func (r *Registry) Lookup(uri string) (api.Protocol, error) {
	scheme, err := Scheme(uri)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[scheme]
	if !ok {
		return nil, api.NewProtocolError("no protocol registered for scheme %q", scheme)
	}
	return p, nil
}

// DefaultRegistry returns a registry with the gRPC protocol installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("grpc", NewGRPCProtocol())
	return r
}

var errStopped = fmt.Errorf("transport stopped: %w", api.ErrClosed)
