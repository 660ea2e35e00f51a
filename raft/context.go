// Package raft implements the consensus core of the engine: the per-node
// state context, the four role state machines and the commit/apply
// pipeline. All state mutation happens on the resource's execution
// context; protocol entry points post onto it and hand results back
// through futures.
package raft

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/internal/execution"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
)

// Event is published to subscribers whenever the term, leader, election
// status or the observed member states change.
type Event struct {
	Term    uint64
	Leader  string
	Status  api.ElectionStatus
	Members []api.Member
}

// Status is a point-in-time snapshot of a context, used for introspection
// and by the test harness.
type Status struct {
	Name        string
	Role        RoleKind
	Term        uint64
	Leader      string
	VotedFor    string
	Election    api.ElectionStatus
	CommitIndex uint64
	LastApplied uint64
	FirstIndex  uint64
	LastIndex   uint64
	Members     []api.Member
}

// StateContext owns all per-node consensus state of one replicated
// resource and dispatches protocol messages to the currently active role.
type StateContext struct {
	name   string
	cfg    api.ClusterConfig
	logger *slog.Logger
	exec   *execution.Context
	log    api.Log
	client Client

	consumer    api.Consumer
	querier     api.Querier
	snapshotter api.Snapshotter
	installer   api.Installer

	// SnapshotThreshold mirrors the log config; zero disables automatic
	// compaction.
	snapshotThreshold int64
	syncChunkSize     int

	localType api.MemberType
	members   map[string]*api.Member // remote members keyed by URI

	role       role
	generation uint64 // bumped on every transition; stale timer callbacks check it

	currentTerm uint64
	votedFor    string
	leader      string
	status      api.ElectionStatus
	commitIndex uint64
	lastApplied uint64

	pending map[uint64]*futures.Future[[]byte]

	observersMu sync.Mutex
	observers   []chan Event

	openFuture *futures.Future[struct{}]
	opened     bool
	failed     bool
}

// NewStateContext creates a closed context. Open loads the log and starts
// the follower role.
func NewStateContext(
	name string,
	cfg api.ClusterConfig,
	logCfg api.LogConfig,
	log api.Log,
	client Client,
	lg *slog.Logger,
) *StateContext {
	localType := api.MemberTypeListener
	for _, uri := range cfg.Members {
		if uri == cfg.LocalMember {
			localType = api.MemberTypeMember
		}
	}

	members := make(map[string]*api.Member)
	for _, uri := range cfg.Members {
		if uri == cfg.LocalMember {
			continue
		}
		members[uri] = &api.Member{URI: uri, Type: api.MemberTypeMember, State: api.MemberAlive}
	}
	for _, uri := range cfg.Listeners {
		if uri == cfg.LocalMember {
			continue
		}
		members[uri] = &api.Member{URI: uri, Type: api.MemberTypeListener, State: api.MemberAlive}
	}

	c := &StateContext{
		name:              name,
		cfg:               cfg,
		logger:            lg.With(slog.String("resource", name), slog.String("uri", cfg.LocalMember)),
		exec:              execution.NewContext(name),
		log:               log,
		client:            client,
		localType:         localType,
		members:           members,
		status:            api.ElectionInProgress,
		pending:           make(map[uint64]*futures.Future[[]byte]),
		snapshotThreshold: logCfg.SnapshotThreshold,
		syncChunkSize:     logCfg.SyncChunkSize,
	}
	c.role = &startRole{ctx: c}
	return c
}

// SetConsumer installs the state-machine apply function. Must be set
// before Open.
func (c *StateContext) SetConsumer(fn api.Consumer) { c.consumer = fn }

// SetQuerier installs the read-only query function.
func (c *StateContext) SetQuerier(fn api.Querier) { c.querier = fn }

// SetSnapshotter installs the snapshot provider.
func (c *StateContext) SetSnapshotter(fn api.Snapshotter) { c.snapshotter = fn }

// SetInstaller installs the snapshot installer.
func (c *StateContext) SetInstaller(fn api.Installer) { c.installer = fn }

// Name returns the resource name.
func (c *StateContext) Name() string { return c.name }

// LocalMember returns the local member URI.
func (c *StateContext) LocalMember() string { return c.cfg.LocalMember }

// Open loads the log, restores persisted state and arms the follower
// role. The returned future completes once a leader is known for the
// current term.
func (c *StateContext) Open() *futures.Future[struct{}] {
	f := futures.New[struct{}]()
	ok := c.exec.Do(func() {
		if c.opened {
			f.Complete(struct{}{})
			return
		}
		if err := c.openOnContext(f); err != nil {
			f.Fail(err)
		}
	})
	if !ok {
		f.Fail(api.ErrClosed)
	}
	return f
}

func (c *StateContext) openOnContext(f *futures.Future[struct{}]) error {
	if err := c.log.Open(); err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	term, votedFor, err := c.log.Metadata()
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	c.currentTerm = term
	c.votedFor = votedFor

	meta, blob, err := c.log.Snapshot()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if meta.LastIncludedIndex > 0 {
		c.commitIndex = meta.LastIncludedIndex
		c.lastApplied = meta.LastIncludedIndex
		if c.installer != nil {
			if ierr := c.installer(blob); ierr != nil {
				return fmt.Errorf("restore snapshot: %w", ierr)
			}
		}
	}

	c.opened = true
	c.failed = false
	c.openFuture = f
	c.transition(RoleFollower)
	return nil
}

// Close transitions to Start, closes the log and stops the execution
// context. Pending submissions fail with ErrClosed.
func (c *StateContext) Close() error {
	var cerr error
	ok := c.exec.Call(func() {
		if !c.opened {
			return
		}
		if c.openFuture != nil {
			c.openFuture.Fail(api.ErrClosed)
			c.openFuture = nil
		}
		c.transition(RoleStart)
		c.failPending(api.ErrClosed)
		c.opened = false
		cerr = c.log.Close()
	})
	c.exec.Close()
	if !ok {
		return api.ErrClosed
	}
	return cerr
}

// Ping handles an inbound liveness probe.
func (c *StateContext) Ping(req *protocol.PingRequest) *futures.Future[*protocol.PingResponse] {
	return dispatch(c, req, func(r role, req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse]) {
		r.ping(req, f)
	})
}

// Poll handles an inbound vote request.
func (c *StateContext) Poll(req *protocol.PollRequest) *futures.Future[*protocol.PollResponse] {
	return dispatch(c, req, func(r role, req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse]) {
		r.poll(req, f)
	})
}

// Append handles inbound log replication.
func (c *StateContext) Append(req *protocol.AppendRequest) *futures.Future[*protocol.AppendResponse] {
	return dispatch(c, req, func(r role, req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse]) {
		r.appendEntries(req, f)
	})
}

// Query handles a read-only submission.
func (c *StateContext) Query(req *protocol.QueryRequest) *futures.Future[*protocol.QueryResponse] {
	return dispatch(c, req, func(r role, req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
		r.query(req, f)
	})
}

// Commit handles a command submission.
func (c *StateContext) Commit(req *protocol.CommitRequest) *futures.Future[*protocol.CommitResponse] {
	return dispatch(c, req, func(r role, req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
		r.commit(req, f)
	})
}

// Sync handles an inbound snapshot chunk.
func (c *StateContext) Sync(req *protocol.SyncRequest) *futures.Future[*protocol.SyncResponse] {
	return dispatch(c, req, func(r role, req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse]) {
		r.sync(req, f)
	})
}

// dispatch posts a protocol message onto the execution context and routes
// it to whichever role is active when it runs.
func dispatch[Req, Resp any](
	c *StateContext,
	req Req,
	fn func(r role, req Req, f *futures.Future[Resp]),
) *futures.Future[Resp] {
	f := futures.New[Resp]()
	ok := c.exec.Do(func() {
		fn(c.role, req, f)
	})
	if !ok {
		f.Fail(api.ErrClosed)
	}
	return f
}

// Subscribe registers an observer of (term, leader, status, members)
// changes. Slow observers miss events rather than block the context.
func (c *StateContext) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	c.observersMu.Lock()
	c.observers = append(c.observers, ch)
	c.observersMu.Unlock()
	return ch
}

func (c *StateContext) publish() {
	members := make([]api.Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, *m)
	}
	ev := Event{
		Term:    c.currentTerm,
		Leader:  c.leader,
		Status:  c.status,
		Members: members,
	}

	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for _, ch := range c.observers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Status returns a snapshot of the context state.
func (c *StateContext) Status() Status {
	var s Status
	ok := c.exec.Call(func() {
		s = Status{
			Name:        c.name,
			Role:        c.role.kind(),
			Term:        c.currentTerm,
			Leader:      c.leader,
			VotedFor:    c.votedFor,
			Election:    c.status,
			CommitIndex: c.commitIndex,
			LastApplied: c.lastApplied,
			FirstIndex:  c.log.FirstIndex(),
			LastIndex:   c.log.LastIndex(),
		}
		for _, m := range c.members {
			s.Members = append(s.Members, *m)
		}
	})
	if !ok {
		return Status{Name: c.name, Role: RoleStart}
	}
	return s
}

// transition swaps the active role. The previous role is closed before the
// next one opens; two roles never run concurrently.
func (c *StateContext) transition(target RoleKind) {
	if c.role.kind() == target {
		return
	}
	c.logger.Info("transitioning",
		slog.String("from", c.role.kind().String()),
		slog.String("to", target.String()),
		slog.Uint64("term", c.currentTerm))

	c.role.close()
	c.generation++

	switch target {
	case RoleFollower:
		c.role = &followerRole{ctx: c}
	case RoleCandidate:
		c.role = &candidateRole{ctx: c}
	case RoleLeader:
		c.role = &leaderRole{ctx: c}
	default:
		c.role = &startRole{ctx: c}
	}

	if err := c.role.open(); err != nil {
		c.fail(fmt.Errorf("open %s role: %w", target, err))
	}
}

// setTerm adopts a higher term: the known leader and the recorded vote are
// cleared and the election starts over. Lower or equal terms are ignored.
func (c *StateContext) setTerm(term uint64) {
	if term <= c.currentTerm {
		return
	}
	c.currentTerm = term
	c.leader = ""
	c.votedFor = ""
	c.status = api.ElectionInProgress
	c.persistMetadata()
	c.publish()
}

// setLeader records the known leader for the current term. A non-empty
// leader completes the election; losing the leader reopens it.
func (c *StateContext) setLeader(uri string) {
	if c.leader == uri {
		return
	}
	c.leader = uri
	if uri != "" {
		c.votedFor = ""
		c.status = api.ElectionComplete
		if c.openFuture != nil {
			c.openFuture.Complete(struct{}{})
			c.openFuture = nil
		}
	} else {
		c.status = api.ElectionInProgress
	}
	c.publish()
}

// setVotedFor records a vote for the current term. Voting twice for
// different candidates, or voting while a leader is known, violates the
// protocol.
func (c *StateContext) setVotedFor(candidate string) error {
	if c.leader != "" {
		return api.NewIllegalStateError("cannot cast vote: leader %s already known", c.leader)
	}
	if c.votedFor != "" && c.votedFor != candidate {
		return api.NewIllegalStateError("already voted for %s this term", c.votedFor)
	}
	c.votedFor = candidate
	c.persistMetadata()
	return nil
}

// setCommitIndex advances the commit index. Decreasing it is fatal.
func (c *StateContext) setCommitIndex(index uint64) {
	if index <= c.commitIndex {
		c.fail(api.NewIllegalStateError("cannot decrease commit index %d to %d", c.commitIndex, index))
		return
	}
	c.commitIndex = index
}

func (c *StateContext) persistMetadata() {
	if err := c.log.SetMetadata(c.currentTerm, c.votedFor); err != nil {
		c.fail(err)
	}
}

// fail handles a fatal error: pending submissions fail, the role drops to
// Start and the context requires a restart.
func (c *StateContext) fail(err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.logger.Error("fatal context error", logger.ErrAttr(err))
	c.failPending(err)
	if c.openFuture != nil {
		c.openFuture.Fail(err)
		c.openFuture = nil
	}
	c.transition(RoleStart)
	c.opened = false
}

func (c *StateContext) failPending(err error) {
	for index, f := range c.pending {
		f.Fail(err)
		delete(c.pending, index)
	}
}

// failPendingFrom fails submissions at or past the given index, used when
// a conflicting suffix is truncated away.
func (c *StateContext) failPendingFrom(from uint64) {
	for index, f := range c.pending {
		if index >= from {
			f.Fail(api.ErrTimeout)
			delete(c.pending, index)
		}
	}
}

// Entry reads one log entry, used by monitoring and the test harness.
func (c *StateContext) Entry(index uint64) (api.Entry, bool) {
	var entry api.Entry
	var ok bool
	if done := c.exec.Call(func() {
		if c.log.Contains(index) {
			if e, err := c.log.Get(index); err == nil {
				entry, ok = e, true
			}
		}
	}); !done {
		return api.Entry{}, false
	}
	return entry, ok
}

// quorum is the strict-majority size over voting members, local included.
func (c *StateContext) quorum() int {
	voting := 0
	for _, m := range c.members {
		if m.Type == api.MemberTypeMember {
			voting++
		}
	}
	if c.localType == api.MemberTypeMember {
		voting++
	}
	return voting/2 + 1
}

// containsEntry reports whether the log holds (or has compacted) an entry
// with the given index and term.
func (c *StateContext) containsEntry(index, term uint64) bool {
	if index == 0 {
		return true
	}
	if meta := c.log.SnapshotMeta(); index == meta.LastIncludedIndex {
		return term == meta.LastIncludedTerm
	}
	e, err := c.log.Get(index)
	if err != nil {
		return false
	}
	return e.Term == term
}

// isLogUpToDate compares a candidate's (lastTerm, lastIndex) against the
// local log, lexicographically.
func (c *StateContext) isLogUpToDate(lastIndex, lastTerm uint64) bool {
	myIndex, myTerm := c.log.LastIndex(), c.log.LastTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= myIndex
}

// setMemberState records a liveness change observed by replication.
func (c *StateContext) setMemberState(uri string, state api.MemberState) {
	m, ok := c.members[uri]
	if !ok || m.State == state {
		return
	}
	c.logger.Info("member state changed",
		slog.String("member", uri),
		slog.String("from", m.State.String()),
		slog.String("to", state.String()))
	m.State = state
	c.publish()
}
