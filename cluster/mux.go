// Package cluster layers topic multiplexing over a raw byte transport and
// wires protocol instances to topics per resource.
package cluster

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/shrtyk/statelog/api"
)

// Frame kinds. Kind 0 dispatches an admin task on the receiving member;
// kind 1 dispatches a message to a (topic, addr) handler.
const (
	KindTask  uint32 = 0
	KindTopic uint32 = 1
)

// TaskHandler runs an admin task payload and returns its result.
type TaskHandler func(ctx context.Context, payload []byte) ([]byte, error)

// TopicHandler processes one topic message for a resource address.
type TopicHandler func(ctx context.Context, payload []byte) ([]byte, error)

type muxKey struct {
	addr  uint32
	topic string
}

// Mux is the inbound side of topic multiplexing: it owns the transport
// server's single handler and routes frames to registered (topic, addr)
// handlers. Registration is concurrent-safe; lookups are safe during
// dispatch.
type Mux struct {
	mu       sync.RWMutex
	topics   map[muxKey]TopicHandler
	taskFunc TaskHandler
}

func NewMux() *Mux {
	return &Mux{topics: make(map[muxKey]TopicHandler)}
}

// HandleTask installs the admin task handler (frame kind 0).
func (m *Mux) HandleTask(h TaskHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskFunc = h
}

// Handle registers a topic handler for a resource address.
func (m *Mux) Handle(addr uint32, topic string, h TopicHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[muxKey{addr: addr, topic: topic}] = h
}

// Unhandle removes a topic handler.
func (m *Mux) Unhandle(addr uint32, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, muxKey{addr: addr, topic: topic})
}

// Dispatch is the api.Handler installed on the transport server.
func (m *Mux) Dispatch(ctx context.Context, frame []byte) ([]byte, error) {
	kind, addr, topic, payload, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindTask:
		m.mu.RLock()
		h := m.taskFunc
		m.mu.RUnlock()
		if h == nil {
			return nil, api.NewProtocolError("no task handler installed")
		}
		return h(ctx, payload)
	case KindTopic:
		m.mu.RLock()
		h := m.topics[muxKey{addr: addr, topic: topic}]
		m.mu.RUnlock()
		if h == nil {
			return nil, api.NewProtocolError("no handler for topic %q addr %d", topic, addr)
		}
		return h(ctx, payload)
	default:
		return nil, api.NewProtocolError("unknown frame kind %d", kind)
	}
}

// EncodeFrame builds a wire frame: {u32 kind, u32 addr, [u32 topicLen,
// topic,] payload}. The topic section is present only for KindTopic.
func EncodeFrame(kind, addr uint32, topic string, payload []byte) []byte {
	size := 8 + len(payload)
	if kind == KindTopic {
		size += 4 + len(topic)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, kind)
	buf = binary.BigEndian.AppendUint32(buf, addr)
	if kind == KindTopic {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(topic)))
		buf = append(buf, topic...)
	}
	return append(buf, payload...)
}

// DecodeFrame splits a wire frame into its parts.
func DecodeFrame(frame []byte) (kind, addr uint32, topic string, payload []byte, err error) {
	if len(frame) < 8 {
		return 0, 0, "", nil, api.NewProtocolError("short frame: %d bytes", len(frame))
	}
	kind = binary.BigEndian.Uint32(frame)
	addr = binary.BigEndian.Uint32(frame[4:])
	rest := frame[8:]

	if kind == KindTopic {
		if len(rest) < 4 {
			return 0, 0, "", nil, api.NewProtocolError("short topic header")
		}
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < n {
			return 0, 0, "", nil, api.NewProtocolError("truncated topic")
		}
		topic = string(rest[:n])
		rest = rest[n:]
	}
	return kind, addr, topic, rest, nil
}

// Sender is the outbound side: it frames payloads and sends them to a
// member URI over the transport client.
type Sender struct {
	client api.Client
}

func NewSender(client api.Client) *Sender {
	return &Sender{client: client}
}

// Send delivers one topic message and returns the raw response payload.
func (s *Sender) Send(ctx context.Context, uri string, addr uint32, topic string, payload []byte) ([]byte, error) {
	return s.client.Send(ctx, uri, EncodeFrame(KindTopic, addr, topic, payload))
}

// SendTask delivers one admin task to a member.
func (s *Sender) SendTask(ctx context.Context, uri string, payload []byte) ([]byte, error) {
	return s.client.Send(ctx, uri, EncodeFrame(KindTask, 0, "", payload))
}
