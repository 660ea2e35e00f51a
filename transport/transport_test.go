package transport

import (
	"context"
	"testing"

	"github.com/shrtyk/statelog/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	s, err := Scheme("grpc://127.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, "grpc", s)

	addr, err := Target("grpc://127.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", addr)

	_, err = Scheme("no-scheme")
	var perr *api.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	p, err := r.Lookup("grpc://127.0.0.1:5000")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.Lookup("carrier-pigeon://x")
	var perr *api.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestLocalNetworkEcho(t *testing.T) {
	net := NewNetwork()

	srvProto := net.Protocol("local://a")
	srv, err := srvProto.NewServer("local://a")
	require.NoError(t, err)
	srv.Handle(func(ctx context.Context, req []byte) ([]byte, error) {
		return append([]byte("echo:"), req...), nil
	})
	require.NoError(t, srv.Listen())
	defer srv.Close()

	client, err := net.Protocol("local://b").NewClient()
	require.NoError(t, err)

	resp, err := client.Send(context.Background(), "local://a", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), resp)
}

func TestLocalNetworkPartition(t *testing.T) {
	net := NewNetwork()
	srv, err := net.Protocol("local://a").NewServer("local://a")
	require.NoError(t, err)
	srv.Handle(func(ctx context.Context, req []byte) ([]byte, error) { return req, nil })
	require.NoError(t, srv.Listen())
	defer srv.Close()

	client, err := net.Protocol("local://b").NewClient()
	require.NoError(t, err)

	net.Sever("local://a", "local://b")
	_, err = client.Send(context.Background(), "local://a", []byte("x"))
	require.Error(t, err)

	net.Heal("local://a", "local://b")
	_, err = client.Send(context.Background(), "local://a", []byte("x"))
	require.NoError(t, err)

	net.Isolate("local://a")
	_, err = client.Send(context.Background(), "local://a", []byte("x"))
	require.Error(t, err)

	net.HealAll()
	_, err = client.Send(context.Background(), "local://a", []byte("x"))
	require.NoError(t, err)
}

func TestLocalNetworkServerDown(t *testing.T) {
	net := NewNetwork()
	client, err := net.Protocol("local://b").NewClient()
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "local://gone", nil)
	require.Error(t, err)
}

func TestGRPCTransportRoundTrip(t *testing.T) {
	proto := NewGRPCProtocol()

	uri := "grpc://127.0.0.1:39841"
	srv, err := proto.NewServer(uri)
	require.NoError(t, err)
	srv.Handle(func(ctx context.Context, req []byte) ([]byte, error) {
		return append([]byte("ok:"), req...), nil
	})
	require.NoError(t, srv.Listen())
	defer srv.Close()

	client, err := proto.NewClient()
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(context.Background(), uri, []byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok:frame"), resp)
}
