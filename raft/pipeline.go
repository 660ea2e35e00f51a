package raft

import (
	"log/slog"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/pkg/logger"
)

// applyEntries drains the gap between lastApplied and commitIndex, feeding
// each entry to the consumer in index order and resolving the pending
// future keyed by its index. Runs on the execution context.
//
// The consumer is required to be total: an error fails that submission
// but the pipeline keeps advancing.
func (c *StateContext) applyEntries() {
	for c.lastApplied < c.commitIndex {
		index := c.lastApplied + 1
		entry, err := c.log.Get(index)
		if err != nil {
			c.fail(err)
			return
		}

		var result []byte
		var applyErr error
		// Zero-length payloads are internal no-ops and skip the consumer.
		if len(entry.Payload) > 0 {
			if c.consumer == nil {
				applyErr = api.NewIllegalStateError("no consumer registered for resource %s", c.name)
			} else {
				result, applyErr = c.consumer(entry.Index, entry.Payload)
			}
		}
		c.lastApplied = index

		if f, ok := c.pending[index]; ok {
			delete(c.pending, index)
			if applyErr != nil {
				f.Fail(&api.CommitError{Index: index, Err: applyErr})
			} else {
				f.Complete(result)
			}
		} else if applyErr != nil {
			c.logger.Warn("consumer failed on replicated entry",
				slog.Uint64("index", index), logger.ErrAttr(applyErr))
		}
	}

	c.maybeSnapshot()
}

// maybeSnapshot compacts the log once it outgrows the configured
// threshold, using the registered snapshotter.
func (c *StateContext) maybeSnapshot() {
	if c.snapshotThreshold <= 0 || c.snapshotter == nil {
		return
	}
	if c.log.Size() < c.snapshotThreshold || c.lastApplied < c.log.FirstIndex() {
		return
	}
	if err := c.TakeSnapshot(c.lastApplied); err != nil {
		c.logger.Warn("automatic snapshot failed", logger.ErrAttr(err))
	}
}

// TakeSnapshot asks the snapshotter for the state at throughIndex and
// compacts the log through it. The snapshotter captures the current state,
// so the index must be the last applied one.
func (c *StateContext) TakeSnapshot(throughIndex uint64) error {
	if c.snapshotter == nil {
		return api.NewIllegalStateError("no snapshotter registered for resource %s", c.name)
	}
	if throughIndex != c.lastApplied {
		return api.NewIllegalStateError(
			"cannot snapshot through %d: state is applied through %d", throughIndex, c.lastApplied)
	}

	blob, err := c.snapshotter()
	if err != nil {
		return err
	}
	if err := c.log.Compact(throughIndex, blob); err != nil {
		return err
	}
	c.logger.Info("log compacted", slog.Uint64("through", throughIndex))
	return nil
}

// Compact runs TakeSnapshot on the execution context. It is the public
// entry point used by the resource facade.
func (c *StateContext) Compact(throughIndex uint64) error {
	var err error
	if ok := c.exec.Call(func() { err = c.TakeSnapshot(throughIndex) }); !ok {
		return api.ErrClosed
	}
	return err
}

// installSnapshot replaces local state with a received snapshot: the log
// prefix is discarded, the cursors jump forward and the blob is handed to
// the installer. Installing an already-covered snapshot is a no-op.
func (c *StateContext) installSnapshot(meta api.SnapshotMeta, blob []byte) error {
	if meta.LastIncludedIndex <= c.log.SnapshotMeta().LastIncludedIndex {
		return nil
	}
	if err := c.log.Reset(meta, blob); err != nil {
		return err
	}
	if c.commitIndex < meta.LastIncludedIndex {
		c.commitIndex = meta.LastIncludedIndex
	}
	c.lastApplied = meta.LastIncludedIndex

	// Entries superseded by the snapshot can never resolve individually.
	for index, f := range c.pending {
		if index <= meta.LastIncludedIndex {
			f.Fail(api.ErrTimeout)
			delete(c.pending, index)
		}
	}

	if c.installer != nil {
		if err := c.installer(blob); err != nil {
			return &api.CommitError{Index: meta.LastIncludedIndex, Err: err}
		}
	}
	c.logger.Info("snapshot installed",
		slog.Uint64("last_included_index", meta.LastIncludedIndex),
		slog.Uint64("last_included_term", meta.LastIncludedTerm))
	return nil
}
