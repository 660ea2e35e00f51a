package raft

import (
	"context"

	"github.com/shrtyk/statelog/protocol"
)

// Client sends protocol messages to remote members. The router in the
// cluster package provides the default implementation over the topic
// multiplexer; tests substitute in-process fakes.
type Client interface {
	Ping(ctx context.Context, uri string, req *protocol.PingRequest) (*protocol.PingResponse, error)
	Poll(ctx context.Context, uri string, req *protocol.PollRequest) (*protocol.PollResponse, error)
	Append(ctx context.Context, uri string, req *protocol.AppendRequest) (*protocol.AppendResponse, error)
	Query(ctx context.Context, uri string, req *protocol.QueryRequest) (*protocol.QueryResponse, error)
	Commit(ctx context.Context, uri string, req *protocol.CommitRequest) (*protocol.CommitResponse, error)
	Sync(ctx context.Context, uri string, req *protocol.SyncRequest) (*protocol.SyncResponse, error)
}
