package cluster

import (
	"context"
	"hash/fnv"

	"github.com/shrtyk/statelog/protocol"
	"github.com/shrtyk/statelog/raft"
)

// MetaAddress is reserved for the coordinator's internal meta instance.
const MetaAddress uint32 = 0

// Address derives a resource's multiplexing address from its name.
// Address 0 is reserved for the meta instance.
func Address(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	addr := h.Sum32()
	if addr == MetaAddress {
		addr = 1
	}
	return addr
}

// Router wires one protocol instance to the transport: it registers the
// six inbound topic handlers at the resource's address and implements the
// outbound raft.Client by framing messages onto the matching topics.
type Router struct {
	addr   uint32
	mux    *Mux
	sender *Sender
}

var _ raft.Client = (*Router)(nil)

func NewRouter(addr uint32, mux *Mux, sender *Sender) *Router {
	return &Router{addr: addr, mux: mux, sender: sender}
}

// Bind registers the inbound topic handlers delivering to ctx.
func (r *Router) Bind(sc *raft.StateContext) {
	r.mux.Handle(r.addr, protocol.TopicPing, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodePingRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Ping(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodePingResponse(resp), nil
	})
	r.mux.Handle(r.addr, protocol.TopicPoll, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodePollRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Poll(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodePollResponse(resp), nil
	})
	r.mux.Handle(r.addr, protocol.TopicAppend, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodeAppendRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Append(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeAppendResponse(resp), nil
	})
	r.mux.Handle(r.addr, protocol.TopicQuery, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodeQueryRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Query(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeQueryResponse(resp), nil
	})
	r.mux.Handle(r.addr, protocol.TopicCommit, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodeCommitRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Commit(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeCommitResponse(resp), nil
	})
	r.mux.Handle(r.addr, protocol.TopicSync, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := protocol.DecodeSyncRequest(payload)
		if err != nil {
			return nil, err
		}
		resp, err := sc.Sync(req).Get(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeSyncResponse(resp), nil
	})
}

// Unbind removes all inbound handlers for the resource.
func (r *Router) Unbind() {
	for _, topic := range []string{
		protocol.TopicPing, protocol.TopicPoll, protocol.TopicAppend,
		protocol.TopicQuery, protocol.TopicCommit, protocol.TopicSync,
	} {
		r.mux.Unhandle(r.addr, topic)
	}
}

func (r *Router) Ping(ctx context.Context, uri string, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicPing, protocol.EncodePingRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodePingResponse(b)
}

func (r *Router) Poll(ctx context.Context, uri string, req *protocol.PollRequest) (*protocol.PollResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicPoll, protocol.EncodePollRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodePollResponse(b)
}

func (r *Router) Append(ctx context.Context, uri string, req *protocol.AppendRequest) (*protocol.AppendResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicAppend, protocol.EncodeAppendRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeAppendResponse(b)
}

func (r *Router) Query(ctx context.Context, uri string, req *protocol.QueryRequest) (*protocol.QueryResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicQuery, protocol.EncodeQueryRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeQueryResponse(b)
}

func (r *Router) Commit(ctx context.Context, uri string, req *protocol.CommitRequest) (*protocol.CommitResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicCommit, protocol.EncodeCommitRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeCommitResponse(b)
}

func (r *Router) Sync(ctx context.Context, uri string, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	b, err := r.sender.Send(ctx, uri, r.addr, protocol.TopicSync, protocol.EncodeSyncRequest(req))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeSyncResponse(b)
}
