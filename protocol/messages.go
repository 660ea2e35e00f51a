// Package protocol defines the six wire messages of the replication
// protocol and their binary codec. Ping, Poll, Append and Sync requests
// carry the sender's term and URI; Query and Commit requests carry only the
// submitting member's URI. Responses carry the responder's term where the
// protocol needs it.
package protocol

import "github.com/shrtyk/statelog/api"

// Topics, one per message kind. The router binds each to a transport topic.
const (
	TopicPing   = "ping"
	TopicPoll   = "poll"
	TopicAppend = "append"
	TopicQuery  = "query"
	TopicCommit = "commit"
	TopicSync   = "sync"
)

// Consistency selects how a query is served.
type Consistency uint8

const (
	// Strong requires the leader to reconfirm leadership with a heartbeat
	// round before answering. This is the default.
	Strong Consistency = iota
	// Lease lets the leader answer from local state.
	Lease
	// Weak lets any member answer from local state.
	Weak
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Lease:
		return "lease"
	case Weak:
		return "weak"
	default:
		return "unknown"
	}
}

// Status is the outcome of a Query or Commit submission.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusNoLeader
)

// PingRequest is a zero-entry liveness append.
type PingRequest struct {
	Term         uint64
	Leader       string
	LastLogIndex uint64
	LastLogTerm  uint64
	CommitIndex  uint64
}

type PingResponse struct {
	Term      uint64
	Succeeded bool
}

// PollRequest asks for a vote in the candidate's term.
type PollRequest struct {
	Term         uint64
	Candidate    string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type PollResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendRequest replicates log entries from the leader.
type AppendRequest struct {
	Term         uint64
	Leader       string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []api.Entry
	LeaderCommit uint64
}

type AppendResponse struct {
	Term      uint64
	Succeeded bool
	// LogIndex hints where the leader should retry from after a
	// consistency-check failure; on success it is the follower's last index.
	LogIndex uint64
}

// QueryRequest submits a read-only operation.
type QueryRequest struct {
	From        string
	Consistency Consistency
	Payload     []byte
}

type QueryResponse struct {
	Status Status
	Result []byte
	Error  string
}

// CommitRequest submits a command for replication.
type CommitRequest struct {
	From    string
	Payload []byte
}

type CommitResponse struct {
	Status Status
	Result []byte
	Error  string
}

// SyncRequest streams one chunk of a snapshot to a lagging member.
type SyncRequest struct {
	Term          uint64
	Leader        string
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Offset        uint64
	Data          []byte
	Done          bool
}

type SyncResponse struct {
	Term      uint64
	Succeeded bool
}
