package raft

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/internal/cbreaker"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
)

const (
	breakerFailureThreshold = 3
	breakerSuccessThreshold = 2
	breakerResetTimeout     = 2 * time.Second
)

// leaderRole owns replication: it appends client commands locally, pushes
// entries (or snapshots) to every peer, advances the commit index on
// majority acknowledgment and serves queries per their consistency level.
type leaderRole struct {
	ctx *StateContext

	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	replicating map[string]bool
	breakers    map[string]*cbreaker.CircuitBreaker

	stop chan struct{}
}

func (r *leaderRole) kind() RoleKind { return RoleLeader }

func (r *leaderRole) open() error {
	c := r.ctx
	r.nextIndex = make(map[string]uint64, len(c.members))
	r.matchIndex = make(map[string]uint64, len(c.members))
	r.replicating = make(map[string]bool, len(c.members))
	r.breakers = make(map[string]*cbreaker.CircuitBreaker, len(c.members))
	last := c.log.LastIndex()
	for uri := range c.members {
		r.nextIndex[uri] = last + 1
		r.matchIndex[uri] = 0
		r.breakers[uri] = cbreaker.NewCircuitBreaker(
			breakerFailureThreshold, breakerSuccessThreshold, breakerResetTimeout)
	}

	c.setLeader(c.cfg.LocalMember)

	r.stop = make(chan struct{})
	gen := c.generation
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				c.exec.Do(func() {
					if c.generation == gen {
						r.replicateAll()
					}
				})
			}
		}
	}()

	// Announce leadership immediately rather than waiting a heartbeat.
	r.replicateAll()
	return nil
}

func (r *leaderRole) close() {
	close(r.stop)
}

// replicateAll pushes state to every peer that has no send in flight.
func (r *leaderRole) replicateAll() {
	for uri := range r.ctx.members {
		r.replicate(uri)
	}
}

// replicate sends the next batch of entries (or a snapshot) to one peer.
// At most one send per peer is in flight; stragglers are retried on the
// next heartbeat tick.
func (r *leaderRole) replicate(uri string) {
	c := r.ctx
	if r.replicating[uri] {
		return
	}
	r.replicating[uri] = true

	if r.nextIndex[uri] < c.log.FirstIndex() {
		r.sendSnapshot(uri)
		return
	}
	r.sendEntries(uri)
}

func (r *leaderRole) sendEntries(uri string) {
	c := r.ctx
	prevIndex := r.nextIndex[uri] - 1
	prevTerm, ok := r.termAt(prevIndex)
	if !ok {
		// Compacted away between checks; fall back to a snapshot.
		r.sendSnapshot(uri)
		return
	}

	var entries []api.Entry
	for i := r.nextIndex[uri]; i <= c.log.LastIndex(); i++ {
		e, err := c.log.Get(i)
		if err != nil {
			r.replicating[uri] = false
			c.fail(err)
			return
		}
		entries = append(entries, e)
	}

	req := &protocol.AppendRequest{
		Term:         c.currentTerm,
		Leader:       c.cfg.LocalMember,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: c.commitIndex,
	}

	gen := c.generation
	breaker := r.breakers[uri]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval*2)
		defer cancel()

		resp, err := cbreaker.Do(ctx, breaker, func(ctx context.Context) (*protocol.AppendResponse, error) {
			return c.client.Append(ctx, uri, req)
		})

		c.exec.Do(func() {
			if c.generation != gen {
				return
			}
			r.onAppendResponse(uri, req, resp, err)
		})
	}()
}

func (r *leaderRole) onAppendResponse(uri string, req *protocol.AppendRequest, resp *protocol.AppendResponse, err error) {
	c := r.ctx
	r.replicating[uri] = false
	r.observeSendResult(uri, err)
	if err != nil {
		return
	}

	if resp.Term > c.currentTerm {
		c.setTerm(resp.Term)
		c.transition(RoleFollower)
		return
	}
	if req.Term != c.currentTerm {
		return
	}

	if !resp.Succeeded {
		// Follow the hint, at minimum stepping back by one.
		next := r.nextIndex[uri] - 1
		if resp.LogIndex+1 < next {
			next = resp.LogIndex + 1
		}
		if next < 1 {
			next = 1
		}
		r.nextIndex[uri] = next
		r.replicate(uri)
		return
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))
	if match > r.matchIndex[uri] {
		r.matchIndex[uri] = match
	}
	r.nextIndex[uri] = r.matchIndex[uri] + 1
	r.advanceCommit()

	if r.nextIndex[uri] <= c.log.LastIndex() {
		r.replicate(uri)
	}
}

// sendSnapshot streams the current snapshot to a peer whose next entry
// has been compacted away. Chunks are sent sequentially.
func (r *leaderRole) sendSnapshot(uri string) {
	c := r.ctx
	meta, blob, err := c.log.Snapshot()
	if err != nil {
		r.replicating[uri] = false
		c.fail(err)
		return
	}

	c.logger.Info("sending snapshot to lagging member",
		slog.String("member", uri),
		slog.Uint64("snapshot_index", meta.LastIncludedIndex))

	chunkSize := c.syncChunkSize
	if chunkSize <= 0 {
		chunkSize = len(blob) + 1
	}
	term := c.currentTerm
	gen := c.generation
	breaker := r.breakers[uri]

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout(c))
		defer cancel()

		sendErr := func() error {
			offset := 0
			for {
				end := min(offset+chunkSize, len(blob))
				req := &protocol.SyncRequest{
					Term:          term,
					Leader:        c.cfg.LocalMember,
					SnapshotIndex: meta.LastIncludedIndex,
					SnapshotTerm:  meta.LastIncludedTerm,
					Offset:        uint64(offset),
					Data:          blob[offset:end],
					Done:          end == len(blob),
				}
				resp, err := cbreaker.Do(ctx, breaker, func(ctx context.Context) (*protocol.SyncResponse, error) {
					return c.client.Sync(ctx, uri, req)
				})
				if err != nil {
					return err
				}
				if !resp.Succeeded {
					return api.NewProtocolError("snapshot chunk rejected by %s", uri)
				}
				if req.Done {
					return nil
				}
				offset = end
			}
		}()

		c.exec.Do(func() {
			if c.generation != gen {
				return
			}
			r.replicating[uri] = false
			r.observeSendResult(uri, sendErr)
			if sendErr != nil {
				c.logger.Warn("snapshot sync failed",
					slog.String("member", uri), logger.ErrAttr(sendErr))
				return
			}
			if meta.LastIncludedIndex > r.matchIndex[uri] {
				r.matchIndex[uri] = meta.LastIncludedIndex
			}
			r.nextIndex[uri] = r.matchIndex[uri] + 1
			r.advanceCommit()
			if r.nextIndex[uri] <= c.log.LastIndex() {
				r.replicate(uri)
			}
		})
	}()
}

// observeSendResult folds transport outcomes into the member liveness
// state: breaker open means dead, recent failures mean suspicious.
func (r *leaderRole) observeSendResult(uri string, err error) {
	c := r.ctx
	breaker := r.breakers[uri]
	switch {
	case err == nil:
		c.setMemberState(uri, api.MemberAlive)
	case !breaker.IsClosed():
		c.setMemberState(uri, api.MemberDead)
	default:
		c.setMemberState(uri, api.MemberSuspicious)
	}
}

// advanceCommit finds the highest index replicated on a majority of
// voting members. Only entries from the current term advance the commit
// index; older terms commit implicitly alongside them.
func (r *leaderRole) advanceCommit() {
	c := r.ctx
	indexes := []uint64{c.log.LastIndex()}
	for uri, m := range c.members {
		if m.Type == api.MemberTypeMember {
			indexes = append(indexes, r.matchIndex[uri])
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] > indexes[j] })

	n := indexes[c.quorum()-1]
	if n <= c.commitIndex {
		return
	}
	if term, ok := r.termAt(n); !ok || term != c.currentTerm {
		return
	}
	c.setCommitIndex(n)
	c.applyEntries()
}

func (r *leaderRole) termAt(index uint64) (uint64, bool) {
	c := r.ctx
	if index == 0 {
		return 0, true
	}
	if meta := c.log.SnapshotMeta(); index == meta.LastIncludedIndex {
		return meta.LastIncludedTerm, true
	}
	e, err := c.log.Get(index)
	if err != nil {
		return 0, false
	}
	return e.Term, true
}

func (r *leaderRole) commit(req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
	c := r.ctx
	index, err := c.log.Append(c.currentTerm, req.Payload)
	if err != nil {
		c.fail(err)
		f.Fail(err)
		return
	}

	applied := futures.New[[]byte]()
	c.pending[index] = applied
	go func() {
		result, err := applied.Get(context.Background())
		if err != nil {
			var cerr *api.CommitError
			if errors.As(err, &cerr) {
				f.Complete(&protocol.CommitResponse{Status: protocol.StatusError, Error: cerr.Error()})
				return
			}
			f.Fail(err)
			return
		}
		f.Complete(&protocol.CommitResponse{Status: protocol.StatusOK, Result: result})
	}()

	r.advanceCommit()
	r.replicateAll()
}

func (r *leaderRole) query(req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	c := r.ctx
	switch req.Consistency {
	case protocol.Weak, protocol.Lease:
		localQuery(c, req, f)
	default:
		r.confirmLeadership(f, func() {
			localQuery(c, req, f)
		})
	}
}

// confirmLeadership runs a heartbeat round and calls onConfirmed once a
// strict majority of voting members acknowledged this term.
func (r *leaderRole) confirmLeadership(failer interface{ Fail(error) bool }, onConfirmed func()) {
	c := r.ctx
	needed := c.quorum()
	if needed <= 1 {
		onConfirmed()
		return
	}

	req := &protocol.PingRequest{
		Term:         c.currentTerm,
		Leader:       c.cfg.LocalMember,
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
		CommitIndex:  c.commitIndex,
	}

	acks := 1 // self
	responses := 0
	total := 0
	confirmed := false
	gen := c.generation

	for uri, m := range c.members {
		if m.Type != api.MemberTypeMember {
			continue
		}
		total++
		go func(uri string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ElectionTimeout)
			defer cancel()
			resp, err := c.client.Ping(ctx, uri, req)

			c.exec.Do(func() {
				if c.generation != gen || confirmed {
					return
				}
				responses++
				if err == nil && resp.Term > c.currentTerm {
					c.setTerm(resp.Term)
					c.transition(RoleFollower)
					failer.Fail(api.ErrNoLeader)
					confirmed = true
					return
				}
				if err == nil && resp.Succeeded {
					acks++
				}
				if acks >= needed {
					confirmed = true
					onConfirmed()
					return
				}
				if responses == total && acks < needed {
					failer.Fail(api.ErrNoLeader)
					confirmed = true
				}
			})
		}(uri)
	}
}

func (r *leaderRole) ping(req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse]) {
	c := r.ctx
	if req.Term <= c.currentTerm {
		f.Complete(&protocol.PingResponse{Term: c.currentTerm, Succeeded: req.Term == c.currentTerm})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.ping(req, f)
}

func (r *leaderRole) poll(req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse]) {
	c := r.ctx
	if req.Term <= c.currentTerm {
		f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: false})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.poll(req, f)
}

func (r *leaderRole) appendEntries(req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse]) {
	c := r.ctx
	if req.Term <= c.currentTerm {
		f.Complete(&protocol.AppendResponse{Term: c.currentTerm, Succeeded: false, LogIndex: c.log.LastIndex()})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.appendEntries(req, f)
}

func (r *leaderRole) sync(req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse]) {
	c := r.ctx
	if req.Term <= c.currentTerm {
		f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: false})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.sync(req, f)
}
