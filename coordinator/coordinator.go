// Package coordinator multiplexes many named replicated resources onto
// one transport server and agrees on resource creation and deletion
// through an internal meta-log replicated with the same consensus core.
package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/cluster"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
	"github.com/shrtyk/statelog/raft"
	"github.com/shrtyk/statelog/transport"
)

const metaResourceName = "coordinator"

// Record kinds in the meta-log.
const (
	recordCreate int32 = 1
	recordDelete int32 = -1
)

// LogFactory builds the durable log for one resource.
type LogFactory func(cfg api.LogConfig) api.Log

// Coordinator hosts one transport server, a registry of named resources
// and the meta instance that replicates the registry across the cluster.
type Coordinator struct {
	cfg      api.ClusterConfig
	logCfg   api.LogConfig
	logs     LogFactory
	logger   *slog.Logger
	registry *transport.Registry

	server api.Server
	client api.Client
	mux    *cluster.Mux
	sender *cluster.Sender

	meta       *raft.StateContext
	metaRouter *cluster.Router

	mu        sync.RWMutex
	resources map[string]*Resource
	members   map[string]api.Member

	stopObserver chan struct{}
	wg           sync.WaitGroup
	opened       bool
}

// Resource is one named replicated state machine sharing the host's
// transport. It is created closed; the facade attaches its handlers and
// opens it.
type Resource struct {
	name   string
	ctx    *raft.StateContext
	router *cluster.Router
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Context exposes the resource's consensus context.
func (r *Resource) Context() *raft.StateContext { return r.ctx }

// NewCoordinator wires the transport but opens nothing yet.
func NewCoordinator(
	cfg api.ClusterConfig,
	logCfg api.LogConfig,
	registry *transport.Registry,
	logs LogFactory,
	lg *slog.Logger,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proto, err := registry.Lookup(cfg.LocalMember)
	if err != nil {
		return nil, err
	}
	server, err := proto.NewServer(cfg.LocalMember)
	if err != nil {
		return nil, err
	}
	client, err := proto.NewClient()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		logCfg:    logCfg,
		logs:      logs,
		logger:    lg.With(slog.String("uri", cfg.LocalMember)),
		registry:  registry,
		server:    server,
		client:    client,
		mux:       cluster.NewMux(),
		sender:    cluster.NewSender(client),
		resources: make(map[string]*Resource),
		members:   make(map[string]api.Member),
	}
	c.server.Handle(c.mux.Dispatch)
	c.mux.HandleTask(c.handleTask)

	metaLogCfg := logCfg.WithName(metaResourceName)
	c.metaRouter = cluster.NewRouter(cluster.MetaAddress, c.mux, c.sender)
	c.meta = raft.NewStateContext(metaResourceName, cfg, metaLogCfg, logs(metaLogCfg), c.metaRouter, lg)
	c.meta.SetConsumer(c.consume)
	c.metaRouter.Bind(c.meta)

	return c, nil
}

// Open starts the transport server and the meta instance. It returns once
// a meta leader is known, or when ctx expires.
func (c *Coordinator) Open(ctx context.Context) error {
	if err := c.server.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	events := c.meta.Subscribe()
	c.stopObserver = make(chan struct{})
	c.wg.Add(1)
	go c.observeMembers(events)

	if _, err := c.meta.Open().Get(ctx); err != nil {
		return fmt.Errorf("open meta context: %w", err)
	}
	c.opened = true
	c.logger.Info("coordinator opened")
	return nil
}

// Close shuts down every resource, the meta instance and the transport.
func (c *Coordinator) Close() error {
	var err error

	c.mu.Lock()
	resources := make([]*Resource, 0, len(c.resources))
	for _, r := range c.resources {
		resources = append(resources, r)
	}
	c.resources = make(map[string]*Resource)
	c.mu.Unlock()

	for _, r := range resources {
		r.router.Unbind()
		if cerr := r.ctx.Close(); cerr != nil && cerr != api.ErrClosed {
			err = fmt.Errorf("close resource %s: %w", r.name, cerr)
		}
	}

	if c.stopObserver != nil {
		close(c.stopObserver)
	}
	c.metaRouter.Unbind()
	if cerr := c.meta.Close(); cerr != nil && cerr != api.ErrClosed {
		err = fmt.Errorf("close meta context: %w", cerr)
	}
	if cerr := c.server.Close(); cerr != nil {
		err = fmt.Errorf("close server: %w", cerr)
	}
	if cerr := c.client.Close(); cerr != nil {
		err = fmt.Errorf("close client: %w", cerr)
	}
	c.wg.Wait()
	c.opened = false
	return err
}

// observeMembers tracks membership state published by the meta instance.
// Listener connections are dialed lazily by the transport client, so the
// coordinator only has to keep the observed states current.
func (c *Coordinator) observeMembers(events <-chan raft.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopObserver:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.mu.Lock()
			for _, m := range ev.Members {
				c.members[m.URI] = m
			}
			c.mu.Unlock()
		}
	}
}

// Members returns the most recently observed state of every remote member.
func (c *Coordinator) Members() []api.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]api.Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

// Meta exposes the coordinator's own consensus context, mainly for
// introspection and tests.
func (c *Coordinator) Meta() *raft.StateContext { return c.meta }

// CreateResource replicates creation of a named resource configured with
// the coordinator's defaults.
func (c *Coordinator) CreateResource(ctx context.Context, name string) (*Resource, error) {
	return c.CreateResourceWith(ctx, name, c.cfg.Members, c.logCfg.WithName(name))
}

// CreateResourceWith replicates creation of a named resource with an
// explicit member set and log config. Every node applies the same meta
// entry, so registries converge via log replay.
func (c *Coordinator) CreateResourceWith(
	ctx context.Context,
	name string,
	members []string,
	logCfg api.LogConfig,
) (*Resource, error) {
	if name == metaResourceName {
		return nil, api.NewIllegalStateError("resource name %q is reserved", name)
	}
	record, err := encodeCreateRecord(name, members, logCfg)
	if err != nil {
		return nil, err
	}

	resp, err := c.meta.Commit(&protocol.CommitRequest{
		From:    c.cfg.LocalMember,
		Payload: record,
	}).Get(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Status == protocol.StatusNoLeader {
		return nil, api.ErrNoLeader
	}
	if resp.Status != protocol.StatusOK {
		return nil, fmt.Errorf("create resource %s: %s", name, resp.Error)
	}

	// A submission routed through the leader can be acknowledged before
	// the local replica has applied the entry; wait for the registry to
	// converge.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r, ok := c.Resource(name); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeleteResource replicates removal of a named resource.
func (c *Coordinator) DeleteResource(ctx context.Context, name string) error {
	record := encodeDeleteRecord(name)
	resp, err := c.meta.Commit(&protocol.CommitRequest{
		From:    c.cfg.LocalMember,
		Payload: record,
	}).Get(ctx)
	if err != nil {
		return err
	}
	if resp.Status == protocol.StatusNoLeader {
		return api.ErrNoLeader
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("delete resource %s: %s", name, resp.Error)
	}
	return nil
}

// Resource returns a locally known resource by name.
func (c *Coordinator) Resource(name string) (*Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[name]
	return r, ok
}

// consume applies meta-log records: resource creation and deletion.
// It runs on the meta instance's execution context on every member.
func (c *Coordinator) consume(index uint64, payload []byte) ([]byte, error) {
	kind, rest, err := splitRecordKind(payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case recordCreate:
		name, members, logCfg, err := decodeCreateRecord(rest)
		if err != nil {
			return nil, err
		}
		return c.applyCreate(name, members, logCfg), nil
	case recordDelete:
		name, err := decodeDeleteRecord(rest)
		if err != nil {
			return nil, err
		}
		return c.applyDelete(name), nil
	default:
		return nil, api.NewProtocolError("unknown meta record kind %d", kind)
	}
}

func (c *Coordinator) applyCreate(name string, members []string, logCfg api.LogConfig) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resources[name]; exists {
		return resultBytes(0)
	}

	router := cluster.NewRouter(cluster.Address(name), c.mux, c.sender)
	rcfg := c.cfg.WithMembers(members)
	rctx := raft.NewStateContext(name, rcfg, logCfg, c.logs(logCfg), router, c.logger)
	router.Bind(rctx)

	c.resources[name] = &Resource{name: name, ctx: rctx, router: router}
	c.logger.Info("resource created", slog.String("resource", name))
	return resultBytes(1)
}

func (c *Coordinator) applyDelete(name string) []byte {
	c.mu.Lock()
	r, exists := c.resources[name]
	delete(c.resources, name)
	c.mu.Unlock()
	if !exists {
		return resultBytes(0)
	}

	r.router.Unbind()
	// Closing joins the resource's execution context; keep the meta
	// context free while it drains.
	go func() {
		if err := r.ctx.Close(); err != nil && err != api.ErrClosed {
			c.logger.Warn("failed to close deleted resource",
				slog.String("resource", name), logger.ErrAttr(err))
		}
	}()
	c.logger.Info("resource deleted", slog.String("resource", name))
	return resultBytes(1)
}

// handleTask serves admin frames (kind 0): currently a registry listing.
func (c *Coordinator) handleTask(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.RLock()
	names := make([]string, 0, len(c.resources))
	for name := range c.resources {
		names = append(names, name)
	}
	c.mu.RUnlock()
	return json.Marshal(names)
}

// Meta-log record layout:
//
//	create: {i32 kind=+1, u32 nameLen, name, u32 clusterLen,
//	         serializedMemberSet, u32 logCfgLen, serializedLogCfg}
//	delete: {i32 kind=-1, u32 nameLen, name}
//
// Member sets and log configs are serialized as JSON.
func encodeCreateRecord(name string, members []string, logCfg api.LogConfig) ([]byte, error) {
	memberData, err := json.Marshal(members)
	if err != nil {
		return nil, err
	}
	cfgData, err := json.Marshal(logCfg)
	if err != nil {
		return nil, err
	}

	buf := appendKind(nil, recordCreate)
	buf = appendChunk(buf, []byte(name))
	buf = appendChunk(buf, memberData)
	buf = appendChunk(buf, cfgData)
	return buf, nil
}

func encodeDeleteRecord(name string) []byte {
	return appendChunk(appendKind(nil, recordDelete), []byte(name))
}

func appendKind(buf []byte, kind int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(kind))
}

func appendChunk(buf, chunk []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(chunk)))
	return append(buf, chunk...)
}

func splitRecordKind(payload []byte) (int32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, api.NewProtocolError("short meta record")
	}
	return int32(binary.BigEndian.Uint32(payload)), payload[4:], nil
}

func readChunk(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, api.NewProtocolError("truncated meta record")
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) < n {
		return nil, nil, api.NewProtocolError("truncated meta record chunk")
	}
	return b[:n], b[n:], nil
}

func decodeCreateRecord(b []byte) (string, []string, api.LogConfig, error) {
	var logCfg api.LogConfig

	nameBytes, b, err := readChunk(b)
	if err != nil {
		return "", nil, logCfg, err
	}
	memberData, b, err := readChunk(b)
	if err != nil {
		return "", nil, logCfg, err
	}
	cfgData, _, err := readChunk(b)
	if err != nil {
		return "", nil, logCfg, err
	}

	var members []string
	if err := json.Unmarshal(memberData, &members); err != nil {
		return "", nil, logCfg, api.NewProtocolError("bad member set in meta record: %v", err)
	}
	if err := json.Unmarshal(cfgData, &logCfg); err != nil {
		return "", nil, logCfg, api.NewProtocolError("bad log config in meta record: %v", err)
	}
	return string(nameBytes), members, logCfg, nil
}

func decodeDeleteRecord(b []byte) (string, error) {
	nameBytes, _, err := readChunk(b)
	if err != nil {
		return "", err
	}
	return string(nameBytes), nil
}

func resultBytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}
