package transport

import (
	"context"
	"sync"

	"github.com/shrtyk/statelog/api"
)

// Network is an in-process transport fabric. Servers register by URI;
// clients deliver frames by direct handler invocation. Links can be cut
// and healed to simulate partitions.
type Network struct {
	mu       sync.RWMutex
	servers  map[string]*localServer
	severed  map[[2]string]bool
	isolated map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		servers:  make(map[string]*localServer),
		severed:  make(map[[2]string]bool),
		isolated: make(map[string]bool),
	}
}

// Protocol returns the protocol view of the network for one local member.
func (n *Network) Protocol(local string) api.Protocol {
	return &localProtocol{net: n, local: local}
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Sever cuts the bidirectional link between two members.
func (n *Network) Sever(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.severed[linkKey(a, b)] = true
}

// Heal restores the link between two members.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.severed, linkKey(a, b))
}

// Isolate cuts a member off from everyone.
func (n *Network) Isolate(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[uri] = true
}

// Rejoin reverses Isolate.
func (n *Network) Rejoin(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, uri)
}

// HealAll restores every link.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.severed = make(map[[2]string]bool)
	n.isolated = make(map[string]bool)
}

func (n *Network) reachable(from, to string) (*localServer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] || n.severed[linkKey(from, to)] {
		return nil, false
	}
	s, ok := n.servers[to]
	if !ok || !s.listening() {
		return nil, false
	}
	return s, true
}

type localProtocol struct {
	net   *Network
	local string
}

func (p *localProtocol) NewServer(uri string) (api.Server, error) {
	return &localServer{net: p.net, uri: uri}, nil
}

func (p *localProtocol) NewClient() (api.Client, error) {
	return &localClient{net: p.net, from: p.local}, nil
}

type localServer struct {
	net *Network
	uri string

	mu      sync.RWMutex
	handler api.Handler
	up      bool
}

func (s *localServer) Handle(h api.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *localServer) Listen() error {
	s.mu.Lock()
	s.up = true
	s.mu.Unlock()

	s.net.mu.Lock()
	s.net.servers[s.uri] = s
	s.net.mu.Unlock()
	return nil
}

func (s *localServer) Close() error {
	s.mu.Lock()
	s.up = false
	s.mu.Unlock()

	s.net.mu.Lock()
	delete(s.net.servers, s.uri)
	s.net.mu.Unlock()
	return nil
}

func (s *localServer) listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.up
}

func (s *localServer) dispatch(ctx context.Context, req []byte) ([]byte, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, api.NewProtocolError("no handler installed on %s", s.uri)
	}
	return h(ctx, req)
}

type localClient struct {
	net  *Network
	from string
}

func (c *localClient) Send(ctx context.Context, uri string, req []byte) ([]byte, error) {
	s, ok := c.net.reachable(c.from, uri)
	if !ok {
		return nil, api.NewProtocolError("member %s unreachable from %s", uri, c.from)
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.dispatch(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		// The link may have been cut while the call was in flight.
		if _, stillUp := c.net.reachable(c.from, uri); !stillUp {
			return nil, api.NewProtocolError("member %s unreachable from %s", uri, c.from)
		}
		return r.resp, r.err
	}
}

func (c *localClient) Close() error { return nil }
