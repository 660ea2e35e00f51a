package raft

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/internal/retry"
	"github.com/shrtyk/statelog/pkg/futures"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
)

// RoleKind identifies one of the four role state machines.
type RoleKind int

const (
	RoleStart RoleKind = iota
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (k RoleKind) String() string {
	switch k {
	case RoleStart:
		return "start"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// role is the capability set every role variant implements. All methods
// run on the resource's execution context.
type role interface {
	kind() RoleKind
	open() error
	close()
	ping(req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse])
	poll(req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse])
	appendEntries(req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse])
	query(req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse])
	commit(req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse])
	sync(req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse])
}

// startRole is the terminal role of a closed context: every operation
// fails.
type startRole struct {
	ctx *StateContext
}

func (s *startRole) kind() RoleKind { return RoleStart }
func (s *startRole) open() error    { return nil }
func (s *startRole) close()         {}

func (s *startRole) ping(req *protocol.PingRequest, f *futures.Future[*protocol.PingResponse]) {
	f.Fail(api.ErrClosed)
}

func (s *startRole) poll(req *protocol.PollRequest, f *futures.Future[*protocol.PollResponse]) {
	f.Fail(api.ErrClosed)
}

func (s *startRole) appendEntries(req *protocol.AppendRequest, f *futures.Future[*protocol.AppendResponse]) {
	f.Fail(api.ErrClosed)
}

func (s *startRole) query(req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	f.Fail(api.ErrClosed)
}

func (s *startRole) commit(req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
	f.Fail(api.ErrClosed)
}

func (s *startRole) sync(req *protocol.SyncRequest, f *futures.Future[*protocol.SyncResponse]) {
	f.Fail(api.ErrClosed)
}

// randElectionInterval draws a timeout in [T, 2T).
func randElectionInterval(c *StateContext) time.Duration {
	t := c.cfg.ElectionTimeout
	return t + time.Duration(rand.Int63n(int64(t)))
}

// afterOnContext arms a timer whose callback is posted onto the execution
// context, dropped if the role generation moved on before it ran.
func afterOnContext(c *StateContext, d time.Duration, fn func()) *time.Timer {
	gen := c.generation
	return time.AfterFunc(d, func() {
		c.exec.Do(func() {
			if c.generation != gen {
				return
			}
			fn()
		})
	})
}

// forwardTimeout bounds follower-to-leader forwarding of client
// submissions.
func forwardTimeout(c *StateContext) time.Duration {
	return 4 * c.cfg.ElectionTimeout
}

// forwardCommit relays a client command to the known leader. Runs off the
// execution context.
func forwardCommit(c *StateContext, leaderURI string, req *protocol.CommitRequest, f *futures.Future[*protocol.CommitResponse]) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout(c))
		defer cancel()

		var resp *protocol.CommitResponse
		err := retry.Do(ctx, func(ctx context.Context) error {
			var rerr error
			resp, rerr = c.client.Commit(ctx, leaderURI, req)
			return rerr
		})
		if err != nil {
			c.logger.Warn("failed to forward commit to leader", logger.ErrAttr(err))
			if errors.Is(err, context.DeadlineExceeded) {
				f.Fail(api.ErrTimeout)
				return
			}
			f.Fail(api.ErrNoLeader)
			return
		}
		f.Complete(resp)
	}()
}

// forwardQuery relays a query to the known leader.
func forwardQuery(c *StateContext, leaderURI string, req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout(c))
		defer cancel()

		var resp *protocol.QueryResponse
		err := retry.Do(ctx, func(ctx context.Context) error {
			var rerr error
			resp, rerr = c.client.Query(ctx, leaderURI, req)
			return rerr
		})
		if err != nil {
			c.logger.Warn("failed to forward query to leader", logger.ErrAttr(err))
			if errors.Is(err, context.DeadlineExceeded) {
				f.Fail(api.ErrTimeout)
				return
			}
			f.Fail(api.ErrNoLeader)
			return
		}
		f.Complete(resp)
	}()
}

// localQuery serves a query from local state.
func localQuery(c *StateContext, req *protocol.QueryRequest, f *futures.Future[*protocol.QueryResponse]) {
	if c.querier == nil {
		f.Complete(&protocol.QueryResponse{Status: protocol.StatusError, Error: "no query handler registered"})
		return
	}
	result, err := c.querier(req.Payload)
	if err != nil {
		f.Complete(&protocol.QueryResponse{Status: protocol.StatusError, Error: err.Error()})
		return
	}
	f.Complete(&protocol.QueryResponse{Status: protocol.StatusOK, Result: result})
}
