package protocol

import (
	"testing"

	"github.com/shrtyk/statelog/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		req := &PingRequest{Term: 7, Leader: "grpc://127.0.0.1:5000", LastLogIndex: 42, LastLogTerm: 6, CommitIndex: 40}
		got, err := DecodePingRequest(EncodePingRequest(req))
		require.NoError(t, err)
		assert.Equal(t, req, got)

		resp := &PingResponse{Term: 7, Succeeded: true}
		gotResp, err := DecodePingResponse(EncodePingResponse(resp))
		require.NoError(t, err)
		assert.Equal(t, resp, gotResp)
	})

	t.Run("poll", func(t *testing.T) {
		req := &PollRequest{Term: 3, Candidate: "local://m1", LastLogIndex: 10, LastLogTerm: 2}
		got, err := DecodePollRequest(EncodePollRequest(req))
		require.NoError(t, err)
		assert.Equal(t, req, got)

		resp := &PollResponse{Term: 3, VoteGranted: true}
		gotResp, err := DecodePollResponse(EncodePollResponse(resp))
		require.NoError(t, err)
		assert.Equal(t, resp, gotResp)
	})

	t.Run("append with entries", func(t *testing.T) {
		req := &AppendRequest{
			Term:         5,
			Leader:       "local://m0",
			PrevLogIndex: 8,
			PrevLogTerm:  4,
			Entries: []api.Entry{
				{Index: 9, Term: 5, Payload: []byte("set k=v")},
				{Index: 10, Term: 5, Payload: nil},
			},
			LeaderCommit: 8,
		}
		got, err := DecodeAppendRequest(EncodeAppendRequest(req))
		require.NoError(t, err)
		require.Len(t, got.Entries, 2)
		assert.Equal(t, req.Entries[0].Payload, got.Entries[0].Payload)
		assert.Empty(t, got.Entries[1].Payload)
		assert.Equal(t, req.LeaderCommit, got.LeaderCommit)
	})

	t.Run("append with no entries is a heartbeat", func(t *testing.T) {
		req := &AppendRequest{Term: 2, Leader: "local://m0", PrevLogIndex: 1, PrevLogTerm: 1}
		got, err := DecodeAppendRequest(EncodeAppendRequest(req))
		require.NoError(t, err)
		assert.Empty(t, got.Entries)
	})

	t.Run("query and commit", func(t *testing.T) {
		q := &QueryRequest{From: "local://m2", Consistency: Weak, Payload: []byte("get k")}
		gotQ, err := DecodeQueryRequest(EncodeQueryRequest(q))
		require.NoError(t, err)
		assert.Equal(t, q, gotQ)

		c := &CommitRequest{From: "local://m2", Payload: []byte("put k=v")}
		gotC, err := DecodeCommitRequest(EncodeCommitRequest(c))
		require.NoError(t, err)
		assert.Equal(t, c, gotC)

		cr := &CommitResponse{Status: StatusError, Error: "consumer rejected"}
		gotCR, err := DecodeCommitResponse(EncodeCommitResponse(cr))
		require.NoError(t, err)
		assert.Equal(t, cr.Status, gotCR.Status)
		assert.Equal(t, cr.Error, gotCR.Error)
	})

	t.Run("sync", func(t *testing.T) {
		req := &SyncRequest{
			Term: 9, Leader: "local://m0", SnapshotIndex: 100,
			SnapshotTerm: 8, Offset: 4096, Data: []byte{1, 2, 3}, Done: true,
		}
		got, err := DecodeSyncRequest(EncodeSyncRequest(req))
		require.NoError(t, err)
		assert.Equal(t, req, got)
	})
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	full := EncodeAppendRequest(&AppendRequest{
		Term:    1,
		Leader:  "local://m0",
		Entries: []api.Entry{{Index: 1, Term: 1, Payload: []byte("x")}},
	})

	for cut := range len(full) {
		_, err := DecodeAppendRequest(full[:cut])
		require.Error(t, err, "cut at %d should not decode", cut)

		var perr *api.ProtocolError
		assert.ErrorAs(t, err, &perr)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	b := EncodePollResponse(&PollResponse{Term: 1, VoteGranted: true})
	_, err := DecodePollResponse(append(b, 0xff))
	require.Error(t, err)
}
