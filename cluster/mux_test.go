package cluster

import (
	"context"
	"testing"

	"github.com/shrtyk/statelog/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := EncodeFrame(KindTopic, 42, "append", []byte("payload"))

	kind, addr, topic, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, KindTopic, kind)
	assert.Equal(t, uint32(42), addr)
	assert.Equal(t, "append", topic)
	assert.Equal(t, []byte("payload"), payload)
}

func TestFrameTaskHasNoTopic(t *testing.T) {
	frame := EncodeFrame(KindTask, 0, "", []byte("task"))

	kind, addr, topic, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, KindTask, kind)
	assert.Equal(t, uint32(0), addr)
	assert.Empty(t, topic)
	assert.Equal(t, []byte("task"), payload)
}

func TestMuxDispatch(t *testing.T) {
	m := NewMux()
	m.Handle(7, "ping", func(ctx context.Context, payload []byte) ([]byte, error) {
		return append([]byte("pong:"), payload...), nil
	})

	resp, err := m.Dispatch(context.Background(), EncodeFrame(KindTopic, 7, "ping", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong:x"), resp)
}

func TestMuxUnknownTopic(t *testing.T) {
	m := NewMux()

	_, err := m.Dispatch(context.Background(), EncodeFrame(KindTopic, 7, "nope", nil))
	var perr *api.ProtocolError
	assert.ErrorAs(t, err, &perr)

	m.Handle(7, "nope", func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil })
	_, err = m.Dispatch(context.Background(), EncodeFrame(KindTopic, 7, "nope", nil))
	assert.NoError(t, err)

	m.Unhandle(7, "nope")
	_, err = m.Dispatch(context.Background(), EncodeFrame(KindTopic, 7, "nope", nil))
	assert.ErrorAs(t, err, &perr)
}

func TestMuxShortFrame(t *testing.T) {
	m := NewMux()
	_, err := m.Dispatch(context.Background(), []byte{1, 2, 3})
	var perr *api.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestAddressStable(t *testing.T) {
	assert.Equal(t, Address("events"), Address("events"))
	assert.NotEqual(t, MetaAddress, Address("events"))
}
