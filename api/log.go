package api

// Entry is a single log record. Entries are immutable once durable.
type Entry struct {
	Index   uint64
	Term    uint64
	Payload []byte
}

// SnapshotMeta identifies the log position a snapshot replaces.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// Log is a durable append-only ordered sequence of entries with truncation
// from a given index and compaction through a given index.
//
// Appends always land at LastIndex()+1. Truncation is only invoked by
// followers resolving conflicts and must never cross the commit index;
// that is the caller's invariant to uphold.
type Log interface {
	Open() error
	Close() error

	// Append stores a new entry at LastIndex()+1 and returns its index.
	Append(term uint64, payload []byte) (uint64, error)

	// Get returns the entry at index. Returns a LogError if the index is
	// not present (compacted away or beyond the end).
	Get(index uint64) (Entry, error)

	// Contains reports whether the entry at index is present.
	Contains(index uint64) bool

	// Truncate removes entries from index through LastIndex inclusive.
	Truncate(from uint64) error

	// FirstIndex is lastIncludedIndex+1 (1 when no snapshot has been
	// taken). On an empty log it is LastIndex()+1 and holds no entry.
	FirstIndex() uint64
	LastIndex() uint64
	LastTerm() uint64

	// Compact replaces all entries through index with the snapshot blob.
	Compact(through uint64, snapshot []byte) error

	// Reset discards the whole log and installs the snapshot state.
	// Installing the same snapshot twice is a no-op.
	Reset(meta SnapshotMeta, snapshot []byte) error

	// Snapshot returns the last compaction point and its blob.
	Snapshot() (SnapshotMeta, []byte, error)

	// SnapshotMeta returns the last compaction point without reading the
	// blob. Cheap; safe to call on every consistency check.
	SnapshotMeta() SnapshotMeta

	// SetMetadata durably records currentTerm and votedFor.
	SetMetadata(term uint64, votedFor string) error
	Metadata() (term uint64, votedFor string, err error)

	// Size is the byte size of live entry payloads, used by snapshot policy.
	Size() int64
}
