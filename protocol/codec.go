package protocol

import (
	"encoding/binary"

	"github.com/shrtyk/statelog/api"
)

// Wire format: big-endian, fields in declaration order. Variable-size
// fields are u32 length-prefixed. Entry lists are u32 count-prefixed
// records of {u64 index, u64 term, u32 len, payload}.

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.bytes([]byte(s))
}

func (w *writer) entries(entries []api.Entry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u64(e.Index)
		w.u64(e.Term)
		w.bytes(e.Payload)
	}
}

// reader is a sticky-error cursor over an inbound frame.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = api.NewProtocolError("truncated message at offset %d", r.off)
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) bool() bool {
	return r.u8() == 1
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+n])
	r.off += n
	return v
}

func (r *reader) str() string {
	return string(r.bytes())
}

func (r *reader) entries() []api.Entry {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	entries := make([]api.Entry, 0, n)
	for range n {
		e := api.Entry{
			Index: r.u64(),
			Term:  r.u64(),
		}
		e.Payload = r.bytes()
		if r.err != nil {
			return nil
		}
		entries = append(entries, e)
	}
	return entries
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return api.NewProtocolError("%d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

func EncodePingRequest(m *PingRequest) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.str(m.Leader)
	w.u64(m.LastLogIndex)
	w.u64(m.LastLogTerm)
	w.u64(m.CommitIndex)
	return w.buf
}

func DecodePingRequest(b []byte) (*PingRequest, error) {
	r := &reader{buf: b}
	m := &PingRequest{
		Term: r.u64(),
	}
	m.Leader = r.str()
	m.LastLogIndex = r.u64()
	m.LastLogTerm = r.u64()
	m.CommitIndex = r.u64()
	return m, r.done()
}

func EncodePingResponse(m *PingResponse) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.bool(m.Succeeded)
	return w.buf
}

func DecodePingResponse(b []byte) (*PingResponse, error) {
	r := &reader{buf: b}
	m := &PingResponse{Term: r.u64()}
	m.Succeeded = r.bool()
	return m, r.done()
}

func EncodePollRequest(m *PollRequest) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.str(m.Candidate)
	w.u64(m.LastLogIndex)
	w.u64(m.LastLogTerm)
	return w.buf
}

func DecodePollRequest(b []byte) (*PollRequest, error) {
	r := &reader{buf: b}
	m := &PollRequest{Term: r.u64()}
	m.Candidate = r.str()
	m.LastLogIndex = r.u64()
	m.LastLogTerm = r.u64()
	return m, r.done()
}

func EncodePollResponse(m *PollResponse) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.bool(m.VoteGranted)
	return w.buf
}

func DecodePollResponse(b []byte) (*PollResponse, error) {
	r := &reader{buf: b}
	m := &PollResponse{Term: r.u64()}
	m.VoteGranted = r.bool()
	return m, r.done()
}

func EncodeAppendRequest(m *AppendRequest) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.str(m.Leader)
	w.u64(m.PrevLogIndex)
	w.u64(m.PrevLogTerm)
	w.entries(m.Entries)
	w.u64(m.LeaderCommit)
	return w.buf
}

func DecodeAppendRequest(b []byte) (*AppendRequest, error) {
	r := &reader{buf: b}
	m := &AppendRequest{Term: r.u64()}
	m.Leader = r.str()
	m.PrevLogIndex = r.u64()
	m.PrevLogTerm = r.u64()
	m.Entries = r.entries()
	m.LeaderCommit = r.u64()
	return m, r.done()
}

func EncodeAppendResponse(m *AppendResponse) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.bool(m.Succeeded)
	w.u64(m.LogIndex)
	return w.buf
}

func DecodeAppendResponse(b []byte) (*AppendResponse, error) {
	r := &reader{buf: b}
	m := &AppendResponse{Term: r.u64()}
	m.Succeeded = r.bool()
	m.LogIndex = r.u64()
	return m, r.done()
}

func EncodeQueryRequest(m *QueryRequest) []byte {
	w := &writer{}
	w.str(m.From)
	w.u8(uint8(m.Consistency))
	w.bytes(m.Payload)
	return w.buf
}

func DecodeQueryRequest(b []byte) (*QueryRequest, error) {
	r := &reader{buf: b}
	m := &QueryRequest{From: r.str()}
	m.Consistency = Consistency(r.u8())
	m.Payload = r.bytes()
	return m, r.done()
}

func EncodeQueryResponse(m *QueryResponse) []byte {
	w := &writer{}
	w.u8(uint8(m.Status))
	w.bytes(m.Result)
	w.str(m.Error)
	return w.buf
}

func DecodeQueryResponse(b []byte) (*QueryResponse, error) {
	r := &reader{buf: b}
	m := &QueryResponse{Status: Status(r.u8())}
	m.Result = r.bytes()
	m.Error = r.str()
	return m, r.done()
}

func EncodeCommitRequest(m *CommitRequest) []byte {
	w := &writer{}
	w.str(m.From)
	w.bytes(m.Payload)
	return w.buf
}

func DecodeCommitRequest(b []byte) (*CommitRequest, error) {
	r := &reader{buf: b}
	m := &CommitRequest{From: r.str()}
	m.Payload = r.bytes()
	return m, r.done()
}

func EncodeCommitResponse(m *CommitResponse) []byte {
	w := &writer{}
	w.u8(uint8(m.Status))
	w.bytes(m.Result)
	w.str(m.Error)
	return w.buf
}

func DecodeCommitResponse(b []byte) (*CommitResponse, error) {
	r := &reader{buf: b}
	m := &CommitResponse{Status: Status(r.u8())}
	m.Result = r.bytes()
	m.Error = r.str()
	return m, r.done()
}

func EncodeSyncRequest(m *SyncRequest) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.str(m.Leader)
	w.u64(m.SnapshotIndex)
	w.u64(m.SnapshotTerm)
	w.u64(m.Offset)
	w.bytes(m.Data)
	w.bool(m.Done)
	return w.buf
}

func DecodeSyncRequest(b []byte) (*SyncRequest, error) {
	r := &reader{buf: b}
	m := &SyncRequest{Term: r.u64()}
	m.Leader = r.str()
	m.SnapshotIndex = r.u64()
	m.SnapshotTerm = r.u64()
	m.Offset = r.u64()
	m.Data = r.bytes()
	m.Done = r.bool()
	return m, r.done()
}

func EncodeSyncResponse(m *SyncResponse) []byte {
	w := &writer{}
	w.u64(m.Term)
	w.bool(m.Succeeded)
	return w.buf
}

func DecodeSyncResponse(b []byte) (*SyncResponse, error) {
	r := &reader{buf: b}
	m := &SyncResponse{Term: r.u64()}
	m.Succeeded = r.bool()
	return m, r.done()
}
