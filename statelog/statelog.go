// Package statelog is the user-facing facade over a replicated resource:
// a registry of named commands and queries whose invocations are agreed
// on by the cluster and applied, in order, on every member.
package statelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/coordinator"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/protocol"
	"github.com/shrtyk/statelog/raft"
)

// Command mutates replicated state. It runs on every member, in log
// order, and must be deterministic.
type Command func(input []byte) ([]byte, error)

// Query reads state without mutating it.
type Query func(input []byte) ([]byte, error)

type queryRegistration struct {
	fn          Query
	consistency protocol.Consistency
}

// StateLog registers commands and queries above one replicated resource.
type StateLog struct {
	name string
	ctx  *raft.StateContext

	mu          sync.RWMutex
	commands    map[string]Command
	queries     map[string]queryRegistration
	snapshotter func() ([]byte, error)
	installer   func([]byte) error
}

// New attaches a state log to a resource created by the coordinator. The
// resource must not be open yet; Open starts it.
func New(res *coordinator.Resource) *StateLog {
	s := &StateLog{
		name:     res.Name(),
		ctx:      res.Context(),
		commands: make(map[string]Command),
		queries:  make(map[string]queryRegistration),
	}
	s.ctx.SetConsumer(s.consume)
	s.ctx.SetQuerier(s.serveQuery)
	s.ctx.SetSnapshotter(s.takeSnapshot)
	s.ctx.SetInstaller(s.installSnapshot)
	return s
}

// Open starts the underlying consensus context and blocks until a leader
// is known or ctx expires.
func (s *StateLog) Open(ctx context.Context) error {
	_, err := s.ctx.Open().Get(ctx)
	return err
}

// Close shuts the resource down.
func (s *StateLog) Close() error {
	return s.ctx.Close()
}

// Name returns the resource name.
func (s *StateLog) Name() string { return s.name }

// RegisterCommand registers a state-mutating operation.
func (s *StateLog) RegisterCommand(name string, fn Command) *StateLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = fn
	return s
}

// RegisterQuery registers a read-only operation. The default consistency
// is Strong; pass an explicit level to relax it.
func (s *StateLog) RegisterQuery(name string, fn Query, consistency ...protocol.Consistency) *StateLog {
	level := protocol.Strong
	if len(consistency) > 0 {
		level = consistency[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name] = queryRegistration{fn: fn, consistency: level}
	return s
}

// Unregister removes a command or query by name.
func (s *StateLog) Unregister(name string) *StateLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, name)
	delete(s.queries, name)
	return s
}

// TakeSnapshotWith registers the snapshot provider.
func (s *StateLog) TakeSnapshotWith(fn func() ([]byte, error)) *StateLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotter = fn
	return s
}

// Compact takes a snapshot with the registered provider and compacts the
// replicated log through the given index, which must be the last applied
// one.
func (s *StateLog) Compact(throughIndex uint64) error {
	return s.ctx.Compact(throughIndex)
}

// InstallSnapshotWith registers the snapshot installer.
func (s *StateLog) InstallSnapshotWith(fn func([]byte) error) *StateLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installer = fn
	return s
}

// Submit invokes a registered command or query by name. Commands are
// replicated through the log; queries are routed per their consistency
// level. The future resolves with the operation's output.
func (s *StateLog) Submit(name string, input []byte) *futures.Future[[]byte] {
	s.mu.RLock()
	_, isCommand := s.commands[name]
	q, isQuery := s.queries[name]
	s.mu.RUnlock()

	switch {
	case isCommand:
		f := s.ctx.Commit(&protocol.CommitRequest{
			From:    s.ctx.LocalMember(),
			Payload: encodeOperation(name, input),
		})
		return futures.Map(f, commitResult)
	case isQuery:
		f := s.ctx.Query(&protocol.QueryRequest{
			From:        s.ctx.LocalMember(),
			Consistency: q.consistency,
			Payload:     encodeOperation(name, input),
		})
		return futures.Map(f, queryResult)
	default:
		return futures.Failed[[]byte](fmt.Errorf("unknown operation %q on resource %s", name, s.name))
	}
}

func commitResult(resp *protocol.CommitResponse) ([]byte, error) {
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Result, nil
	case protocol.StatusNoLeader:
		return nil, api.ErrNoLeader
	default:
		return nil, fmt.Errorf("commit failed: %s", resp.Error)
	}
}

func queryResult(resp *protocol.QueryResponse) ([]byte, error) {
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Result, nil
	case protocol.StatusNoLeader:
		return nil, api.ErrNoLeader
	default:
		return nil, fmt.Errorf("query failed: %s", resp.Error)
	}
}

// consume dispatches one committed entry to its registered command.
func (s *StateLog) consume(index uint64, payload []byte) ([]byte, error) {
	name, input, err := decodeOperation(payload)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	fn, ok := s.commands[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no command %q registered on resource %s", name, s.name)
	}
	return fn(input)
}

// serveQuery dispatches a query payload against local state.
func (s *StateLog) serveQuery(payload []byte) ([]byte, error) {
	name, input, err := decodeOperation(payload)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	q, ok := s.queries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no query %q registered on resource %s", name, s.name)
	}
	return q.fn(input)
}

func (s *StateLog) takeSnapshot() ([]byte, error) {
	s.mu.RLock()
	fn := s.snapshotter
	s.mu.RUnlock()
	if fn == nil {
		return nil, api.NewIllegalStateError("no snapshot provider registered on resource %s", s.name)
	}
	return fn()
}

func (s *StateLog) installSnapshot(blob []byte) error {
	s.mu.RLock()
	fn := s.installer
	s.mu.RUnlock()
	if fn == nil {
		return api.NewIllegalStateError("no snapshot installer registered on resource %s", s.name)
	}
	return fn(blob)
}

// Operation payloads are framed as {u32 nameLen, name, input}.
func encodeOperation(name string, input []byte) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(name)))
	buf = append(buf, name...)
	return append(buf, input...)
}

func decodeOperation(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, api.NewProtocolError("short operation payload")
	}
	n := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]
	if len(payload) < n {
		return "", nil, api.NewProtocolError("truncated operation name")
	}
	return string(payload[:n]), payload[n:], nil
}
