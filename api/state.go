package api

// Consumer applies one committed entry to the user state machine and
// returns the bytes handed back to the originating submitter.
//
// Entries arrive in index order. The consumer is required to be total: an
// error fails the submission's future but does not halt the apply pipeline.
type Consumer func(index uint64, payload []byte) ([]byte, error)

// Querier serves a read-only query against local state.
type Querier func(payload []byte) ([]byte, error)

// Snapshotter serializes the user state machine into an opaque blob.
type Snapshotter func() ([]byte, error)

// Installer restores the user state machine from an opaque blob.
type Installer func(snapshot []byte) error
