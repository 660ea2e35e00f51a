package raft

import (
	"log/slog"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/protocol"
)

// followerRole answers the protocol passively and watches for the leader
// to go quiet. Client submissions are forwarded to the known leader.
type followerRole struct {
	ctx   *StateContext
	timer *time.Timer

	// snapshot sync reassembly
	syncIndex uint64
	syncTerm  uint64
	syncBuf   []byte
}

func (r *followerRole) kind() RoleKind { return RoleFollower }

func (r *followerRole) open() error {
	r.resetTimer()
	return nil
}

func (r *followerRole) close() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// resetTimer re-arms the election timeout. Called whenever a valid append
// or a granted vote is processed.
func (r *followerRole) resetTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = afterOnContext(r.ctx, randElectionInterval(r.ctx), r.onTimeout)
}

func (r *followerRole) onTimeout() {
	c := r.ctx
	// Listeners never start elections; they wait for the next leader.
	if c.localType != api.MemberTypeMember {
		r.resetTimer()
		return
	}
	c.logger.Debug("election timeout elapsed without leader contact")
	c.setLeader("")
	c.transition(RoleCandidate)
}

func (r *followerRole) ping(req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.PingResponse{Term: c.currentTerm, Succeeded: false})
		return
	}

	c.setTerm(req.Term)
	c.setLeader(req.Leader)
	r.resetTimer()

	// A ping may carry a fresher leader commit index; it is only safe to
	// adopt when the local log provably matches the leader's.
	if c.containsEntry(req.LastLogIndex, req.LastLogTerm) {
		if target := min(req.CommitIndex, c.log.LastIndex()); target > c.commitIndex {
			c.setCommitIndex(target)
			c.applyEntries()
		}
	}

	f.Complete(&protocol.PingResponse{Term: c.currentTerm, Succeeded: true})
}

func (r *followerRole) poll(req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: false})
		return
	}

	c.setTerm(req.Term)

	if !c.isLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		c.logger.Debug("denying vote, candidate log not up-to-date",
			slog.String("candidate", req.Candidate),
			slog.Uint64("candidate_last_index", req.LastLogIndex),
			slog.Uint64("candidate_last_term", req.LastLogTerm))
		f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: false})
		return
	}

	if err := c.setVotedFor(req.Candidate); err != nil {
		c.logger.Debug("denying vote",
			slog.String("candidate", req.Candidate),
			slog.String("reason", err.Error()))
		f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: false})
		return
	}

	c.logger.Info("voting for candidate",
		slog.String("candidate", req.Candidate),
		slog.Uint64("term", c.currentTerm))
	r.resetTimer()
	f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: true})
}

func (r *followerRole) appendEntries(req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.AppendResponse{Term: c.currentTerm, Succeeded: false, LogIndex: c.log.LastIndex()})
		return
	}

	c.setTerm(req.Term)
	c.setLeader(req.Leader)
	r.resetTimer()

	if !c.containsEntry(req.PrevLogIndex, req.PrevLogTerm) {
		// Hint where the leader should resume: just before the conflict,
		// capped at our last index. PrevLogIndex is nonzero here; index 0
		// always matches.
		hint := min(c.log.LastIndex(), req.PrevLogIndex-1)
		f.Complete(&protocol.AppendResponse{Term: c.currentTerm, Succeeded: false, LogIndex: hint})
		return
	}

	if err := r.processEntries(req); err != nil {
		c.fail(err)
		f.Fail(err)
		return
	}

	if target := min(req.LeaderCommit, c.log.LastIndex()); target > c.commitIndex {
		c.setCommitIndex(target)
		c.applyEntries()
	}

	f.Complete(&protocol.AppendResponse{Term: c.currentTerm, Succeeded: true, LogIndex: c.log.LastIndex()})
}

// processEntries appends new entries, truncating any conflicting suffix
// first. Entries already present with matching terms are skipped.
func (r *followerRole) processEntries(req *protocol.AppendRequest) error {
	c := r.ctx
	for i, entry := range req.Entries {
		if c.log.Contains(entry.Index) {
			existing, err := c.log.Get(entry.Index)
			if err != nil {
				return err
			}
			if existing.Term == entry.Term {
				continue
			}
			if entry.Index <= c.commitIndex {
				return api.NewIllegalStateError(
					"conflicting entry %d below commit index %d", entry.Index, c.commitIndex)
			}
			if err := c.log.Truncate(entry.Index); err != nil {
				return err
			}
			// Submissions whose entries were overwritten can never resolve.
			c.failPendingFrom(entry.Index)
		} else if entry.Index <= c.log.SnapshotMeta().LastIncludedIndex {
			// Already compacted into the snapshot.
			continue
		}

		for _, e := range req.Entries[i:] {
			if c.log.Contains(e.Index) {
				continue
			}
			if _, err := c.log.Append(e.Term, e.Payload); err != nil {
				return err
			}
		}
		break
	}
	return nil
}

func (r *followerRole) query(req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	c := r.ctx
	if req.Consistency == protocol.Weak {
		localQuery(c, req, f)
		return
	}
	if c.leader == "" {
		f.Complete(&protocol.QueryResponse{Status: protocol.StatusNoLeader, Error: api.ErrNoLeader.Error()})
		return
	}
	forwardQuery(c, c.leader, req, f)
}

func (r *followerRole) commit(req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
	c := r.ctx
	if c.leader == "" {
		f.Complete(&protocol.CommitResponse{Status: protocol.StatusNoLeader, Error: api.ErrNoLeader.Error()})
		return
	}
	forwardCommit(c, c.leader, req, f)
}

func (r *followerRole) sync(req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: false})
		return
	}

	c.setTerm(req.Term)
	c.setLeader(req.Leader)
	r.resetTimer()

	// Installing a snapshot we already hold is a no-op.
	if req.SnapshotIndex <= c.log.SnapshotMeta().LastIncludedIndex {
		f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: true})
		return
	}

	if req.Offset == 0 {
		r.syncIndex = req.SnapshotIndex
		r.syncTerm = req.SnapshotTerm
		r.syncBuf = r.syncBuf[:0]
	}
	if req.SnapshotIndex != r.syncIndex || req.Offset != uint64(len(r.syncBuf)) {
		c.logger.Warn("out-of-order snapshot chunk",
			slog.Uint64("snapshot_index", req.SnapshotIndex),
			slog.Uint64("offset", req.Offset))
		f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: false})
		return
	}
	r.syncBuf = append(r.syncBuf, req.Data...)

	if req.Done {
		meta := api.SnapshotMeta{LastIncludedIndex: r.syncIndex, LastIncludedTerm: r.syncTerm}
		if err := c.installSnapshot(meta, r.syncBuf); err != nil {
			c.fail(err)
			f.Fail(err)
			return
		}
		r.syncBuf = nil
	}
	f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: true})
}
