package statelog

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/coordinator"
	rlog "github.com/shrtyk/statelog/log"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
	"github.com/shrtyk/statelog/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateLog(t *testing.T) (*StateLog, map[string]string) {
	t.Helper()
	net := transport.NewNetwork()
	uri := "local://solo"

	cfg := api.TestsClusterConfig()
	cfg.LocalMember = uri
	cfg.Members = []string{uri}

	registry := transport.NewRegistry()
	registry.Register("local", net.Protocol(uri))

	_, lg := logger.NewTestLogger()
	coord, err := coordinator.NewCoordinator(cfg, api.DefaultLogConfig(), registry,
		func(cfg api.LogConfig) api.Log { return rlog.NewMemoryLog() }, lg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Open(ctx))
	t.Cleanup(func() { coord.Close() })

	res, err := coord.CreateResource(ctx, "store")
	require.NoError(t, err)

	state := make(map[string]string)
	sl := New(res).
		RegisterCommand("put", func(input []byte) ([]byte, error) {
			k, v, ok := strings.Cut(string(input), "=")
			if !ok {
				return nil, fmt.Errorf("bad input %q", input)
			}
			state[k] = v
			return []byte(v), nil
		}).
		RegisterQuery("get", func(input []byte) ([]byte, error) {
			return []byte(state[string(input)]), nil
		})
	require.NoError(t, sl.Open(ctx))
	return sl, state
}

func submit(t *testing.T, sl *StateLog, op, input string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := sl.Submit(op, []byte(input)).Get(ctx)
	return string(out), err
}

func TestSubmitCommandAndQuery(t *testing.T) {
	sl, state := newTestStateLog(t)

	out, err := submit(t, sl, "put", "k=v")
	require.NoError(t, err)
	assert.Equal(t, "v", out)
	assert.Equal(t, "v", state["k"])

	out, err = submit(t, sl, "get", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", out)
}

func TestSubmitUnknownOperation(t *testing.T) {
	sl, _ := newTestStateLog(t)

	_, err := submit(t, sl, "nope", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestCommandErrorSurfacesToSubmitter(t *testing.T) {
	sl, _ := newTestStateLog(t)

	_, err := submit(t, sl, "put", "malformed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit failed")
}

func TestUnregister(t *testing.T) {
	sl, _ := newTestStateLog(t)

	sl.Unregister("get")
	_, err := submit(t, sl, "get", "k")
	require.Error(t, err)
}

func TestQueryConsistencyDefaultsToStrong(t *testing.T) {
	sl, _ := newTestStateLog(t)

	sl.mu.RLock()
	q := sl.queries["get"]
	sl.mu.RUnlock()
	assert.Equal(t, protocol.Strong, q.consistency)
}

func TestOperationPayloadRoundTrip(t *testing.T) {
	payload := encodeOperation("put", []byte("k=v"))
	name, input, err := decodeOperation(payload)
	require.NoError(t, err)
	assert.Equal(t, "put", name)
	assert.Equal(t, []byte("k=v"), input)

	_, _, err = decodeOperation([]byte{0, 0})
	var perr *api.ProtocolError
	assert.ErrorAs(t, err, &perr)

	_, _, err = decodeOperation([]byte{0, 0, 0, 9, 'x'})
	assert.ErrorAs(t, err, &perr)
}
