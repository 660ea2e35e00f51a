package raft

import (
	"context"
	"log/slog"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
)

// candidateRole runs an election: it votes for itself, polls every voting
// member and becomes leader on a strict majority.
type candidateRole struct {
	ctx   *StateContext
	timer *time.Timer

	electionTerm uint64
	votes        int
}

func (r *candidateRole) kind() RoleKind { return RoleCandidate }

func (r *candidateRole) open() error {
	r.startElection()
	return nil
}

func (r *candidateRole) close() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// startElection advances the term, votes for itself and polls the cluster.
// Re-entered on timeout without a majority.
func (r *candidateRole) startElection() {
	c := r.ctx

	c.setTerm(c.currentTerm + 1)
	if err := c.setVotedFor(c.cfg.LocalMember); err != nil {
		// A vote for self in a term this node just created cannot collide.
		c.fail(err)
		return
	}
	r.electionTerm = c.currentTerm
	r.votes = 1

	c.logger.Info("starting election", slog.Uint64("term", r.electionTerm))

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = afterOnContext(c, randElectionInterval(c), r.startElection)

	if r.votes >= c.quorum() {
		// Single voting member: elected immediately.
		c.transition(RoleLeader)
		return
	}

	req := &protocol.PollRequest{
		Term:         r.electionTerm,
		Candidate:    c.cfg.LocalMember,
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
	}
	for uri, m := range c.members {
		if m.Type != api.MemberTypeMember {
			continue
		}
		r.pollMember(uri, req)
	}
}

// pollMember sends one vote request off the execution context and posts
// the response back onto it.
func (r *candidateRole) pollMember(uri string, req *protocol.PollRequest) {
	c := r.ctx
	gen := c.generation
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ElectionTimeout)
		defer cancel()

		resp, err := c.client.Poll(ctx, uri, req)
		if err != nil {
			c.logger.Debug("failed to get vote response",
				slog.String("member", uri), logger.ErrAttr(err))
			return
		}

		c.exec.Do(func() {
			if c.generation != gen || c.currentTerm != req.Term {
				return
			}
			r.onVote(uri, resp)
		})
	}()
}

func (r *candidateRole) onVote(uri string, resp *protocol.PollResponse) {
	c := r.ctx
	if resp.Term > c.currentTerm {
		c.setTerm(resp.Term)
		c.transition(RoleFollower)
		return
	}
	if !resp.VoteGranted {
		return
	}

	c.logger.Debug("vote granted", slog.String("voter", uri))
	r.votes++
	if r.votes >= c.quorum() {
		c.transition(RoleLeader)
	}
}

func (r *candidateRole) ping(req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.PingResponse{Term: c.currentTerm, Succeeded: false})
		return
	}
	// A valid leader exists; concede and let the follower handle it.
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.ping(req, f)
}

func (r *candidateRole) poll(req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse]) {
	c := r.ctx
	if req.Term > c.currentTerm {
		c.setTerm(req.Term)
		c.transition(RoleFollower)
		c.role.poll(req, f)
		return
	}
	// Candidates have already voted for themselves this term.
	f.Complete(&protocol.PollResponse{Term: c.currentTerm, VoteGranted: false})
}

func (r *candidateRole) appendEntries(req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.AppendResponse{Term: c.currentTerm, Succeeded: false, LogIndex: c.log.LastIndex()})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.appendEntries(req, f)
}

func (r *candidateRole) query(req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	if req.Consistency == protocol.Weak {
		localQuery(r.ctx, req, f)
		return
	}
	f.Complete(&protocol.QueryResponse{Status: protocol.StatusNoLeader, Error: api.ErrNoLeader.Error()})
}

func (r *candidateRole) commit(req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
	f.Complete(&protocol.CommitResponse{Status: protocol.StatusNoLeader, Error: api.ErrNoLeader.Error()})
}

func (r *candidateRole) sync(req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse]) {
	c := r.ctx
	if req.Term < c.currentTerm {
		f.Complete(&protocol.SyncResponse{Term: c.currentTerm, Succeeded: false})
		return
	}
	c.setTerm(req.Term)
	c.transition(RoleFollower)
	c.role.sync(req, f)
}
