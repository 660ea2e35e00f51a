package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shrtyk/statelog/api"
)

const dispatchFullMethod = "/statelog.Transport/Dispatch"

// dispatchService is the server-side contract of the single generic RPC
// the engine needs: opaque frame in, opaque frame out. The service
// descriptor is written by hand; frames carry their own framing, so a
// bytes wrapper is the whole message schema.
type dispatchService interface {
	Dispatch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func dispatchRPCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dispatchService).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dispatchFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dispatchService).Dispatch(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var dispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: "statelog.Transport",
	HandlerType: (*dispatchService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchRPCHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "statelog/transport",
}

// GRPCProtocol serves and dials members whose URIs use the grpc scheme,
// e.g. grpc://10.0.0.1:5000.
type GRPCProtocol struct{}

func NewGRPCProtocol() *GRPCProtocol { return &GRPCProtocol{} }

func (p *GRPCProtocol) NewServer(uri string) (api.Server, error) {
	addr, err := Target(uri)
	if err != nil {
		return nil, err
	}
	return &grpcServer{addr: addr}, nil
}

func (p *GRPCProtocol) NewClient() (api.Client, error) {
	return &grpcClient{conns: make(map[string]*grpc.ClientConn)}, nil
}

type grpcServer struct {
	addr string

	mu      sync.RWMutex
	handler api.Handler
	server  *grpc.Server
}

func (s *grpcServer) Handle(h api.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *grpcServer) Dispatch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, errStopped
	}
	resp, err := h(ctx, req.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(resp), nil
}

func (s *grpcServer) Listen() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	gs := grpc.NewServer()
	gs.RegisterService(&dispatchServiceDesc, s)
	s.mu.Lock()
	s.server = gs
	s.mu.Unlock()

	go func() {
		if serr := gs.Serve(l); serr != nil && !errors.Is(serr, grpc.ErrServerStopped) {
			// Serve only fails on listener errors; the listener dies with
			// the server on Close.
			_ = serr
		}
	}()
	return nil
}

func (s *grpcServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.GracefulStop()
		s.server = nil
	}
	return nil
}

type grpcClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func (c *grpcClient) conn(uri string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[uri]; ok {
		return conn, nil
	}

	addr, err := Target(uri)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	c.conns[uri] = conn
	return conn, nil
}

func (c *grpcClient) Send(ctx context.Context, uri string, req []byte) ([]byte, error) {
	conn, err := c.conn(uri)
	if err != nil {
		return nil, err
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, dispatchFullMethod, wrapperspb.Bytes(req), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *grpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for uri, conn := range c.conns {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connection to %s: %w", uri, cerr))
		}
		delete(c.conns, uri)
	}
	return err
}
