package api

import "context"

// Handler processes one inbound frame and returns the response frame.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// Server is the listening half of a transport. The engine installs a single
// handler; topic multiplexing is layered above raw frames.
type Server interface {
	// Handle installs the frame handler. Must be called before Listen.
	Handle(h Handler)

	// Listen binds the local member URI and serves until Close.
	// It does not block.
	Listen() error

	Close() error
}

// Client is the sending half of a transport. Sends never block the
// caller's execution context; they are issued from dedicated goroutines.
type Client interface {
	// Send delivers a frame to the member at uri and returns the response.
	Send(ctx context.Context, uri string, req []byte) ([]byte, error)

	Close() error
}

// Protocol constructs servers and clients for one URI scheme.
type Protocol interface {
	NewServer(uri string) (Server, error)
	NewClient() (Client, error)
}
