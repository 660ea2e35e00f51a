package log

import (
	"fmt"
	"sync"

	"github.com/shrtyk/statelog/api"
)

var _ api.Log = (*MemoryLog)(nil)

// MemoryLog is an in-memory api.Log used by tests and by clusters that do
// not need durability. A small mutex keeps it safe for harness inspection
// from outside the resource's execution context.
type MemoryLog struct {
	mu       sync.Mutex
	open     bool
	entries  []api.Entry
	snapMeta api.SnapshotMeta
	snapshot []byte
	size     int64

	term     uint64
	votedFor string
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	return nil
}

func (l *MemoryLog) Append(term uint64, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return 0, api.ErrClosed
	}
	index := l.lastIndex() + 1
	l.entries = append(l.entries, api.Entry{Index: index, Term: term, Payload: payload})
	l.size += int64(len(payload))
	return index, nil
}

func (l *MemoryLog) Get(index uint64) (api.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.contains(index) {
		return api.Entry{}, &api.LogError{
			Op:  "get",
			Err: fmt.Errorf("index %d not in [%d, %d]", index, l.firstIndex(), l.lastIndex()),
		}
	}
	return l.entries[index-l.firstIndex()], nil
}

func (l *MemoryLog) Contains(index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contains(index)
}

func (l *MemoryLog) contains(index uint64) bool {
	return len(l.entries) > 0 && index >= l.firstIndex() && index <= l.lastIndex()
}

func (l *MemoryLog) Truncate(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from <= l.snapMeta.LastIncludedIndex {
		return api.NewIllegalStateError("cannot truncate into compacted prefix at %d", from)
	}
	if from > l.lastIndex() {
		return nil
	}
	for i := from; i <= l.lastIndex(); i++ {
		l.size -= int64(len(l.entries[i-l.firstIndex()].Payload))
	}
	l.entries = l.entries[:from-l.firstIndex()]
	return nil
}

func (l *MemoryLog) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstIndex()
}

func (l *MemoryLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex()
}

func (l *MemoryLog) LastTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return l.snapMeta.LastIncludedTerm
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *MemoryLog) firstIndex() uint64 { return l.snapMeta.LastIncludedIndex + 1 }

func (l *MemoryLog) lastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.snapMeta.LastIncludedIndex
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *MemoryLog) Compact(through uint64, snapshot []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if through <= l.snapMeta.LastIncludedIndex {
		return nil
	}
	if through > l.lastIndex() {
		return api.NewIllegalStateError("cannot compact through %d past last index %d", through, l.lastIndex())
	}
	term := l.entries[through-l.firstIndex()].Term
	for i := l.firstIndex(); i <= through; i++ {
		l.size -= int64(len(l.entries[i-l.firstIndex()].Payload))
	}
	l.entries = append([]api.Entry(nil), l.entries[through-l.firstIndex()+1:]...)
	l.snapMeta = api.SnapshotMeta{LastIncludedIndex: through, LastIncludedTerm: term}
	l.snapshot = append([]byte(nil), snapshot...)
	return nil
}

func (l *MemoryLog) Reset(meta api.SnapshotMeta, snapshot []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if meta.LastIncludedIndex <= l.snapMeta.LastIncludedIndex {
		return nil
	}
	l.entries = nil
	l.size = 0
	l.snapMeta = meta
	l.snapshot = append([]byte(nil), snapshot...)
	return nil
}

func (l *MemoryLog) SnapshotMeta() api.SnapshotMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapMeta
}

func (l *MemoryLog) Snapshot() (api.SnapshotMeta, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapMeta, append([]byte(nil), l.snapshot...), nil
}

func (l *MemoryLog) SetMetadata(term uint64, votedFor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.term = term
	l.votedFor = votedFor
	return nil
}

func (l *MemoryLog) Metadata() (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term, l.votedFor, nil
}

func (l *MemoryLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
