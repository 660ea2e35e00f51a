// Package log provides the durable append-only entry log backing each
// replicated resource: a file-backed segmented implementation and an
// in-memory one for tests.
package log

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shrtyk/statelog/api"
)

const (
	metadataFileName = "metadata.bin"
	snapshotFileName = "snapshot.bin"
	segmentSuffix    = ".log"
	tmpSuffix        = ".tmp"
)

// entryHeaderSize covers {u64 index, u64 term, u32 len}.
const entryHeaderSize = 20

var _ api.Log = (*FileLog)(nil)

type segment struct {
	base uint64 // index of the first entry in the segment
	path string
	size int64
}

// FileLog is a segmented file log. Entries are kept in memory from the
// last compaction point onward; every append is written through and
// fsynced before it is acknowledged.
//
// A FileLog is owned by its resource's execution context and is not safe
// for concurrent use.
type FileLog struct {
	cfg    api.LogConfig
	logger *slog.Logger

	dir      string
	open     bool
	entries  []api.Entry // entries[0].Index == snapMeta.LastIncludedIndex+1
	snapMeta api.SnapshotMeta
	size     int64

	segments []*segment
	active   *os.File

	term     uint64
	votedFor string
}

// NewFileLog creates a file log rooted at cfg.Directory/cfg.Name.
func NewFileLog(cfg api.LogConfig, logger *slog.Logger) *FileLog {
	return &FileLog{
		cfg:    cfg,
		logger: logger.With(slog.String("log", cfg.Name)),
		dir:    filepath.Join(cfg.Directory, cfg.Name),
	}
}

func (l *FileLog) Open() error {
	if l.open {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return &api.LogError{Op: "open", Err: err}
	}

	if err := l.loadMetadata(); err != nil {
		return err
	}
	if err := l.loadSnapshotMeta(); err != nil {
		return err
	}
	if err := l.loadSegments(); err != nil {
		return err
	}

	if len(l.segments) == 0 {
		if err := l.rollSegment(l.snapMeta.LastIncludedIndex + 1); err != nil {
			return err
		}
	} else {
		last := l.segments[len(l.segments)-1]
		f, err := os.OpenFile(last.path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return &api.LogError{Op: "open", Err: err}
		}
		l.active = f
	}

	l.open = true
	l.logger.Info("log opened",
		slog.Uint64("first_index", l.FirstIndex()),
		slog.Uint64("last_index", l.LastIndex()),
		slog.Int("segments", len(l.segments)))
	return nil
}

func (l *FileLog) Close() error {
	if !l.open {
		return nil
	}
	l.open = false
	if l.active != nil {
		if err := l.active.Close(); err != nil {
			return &api.LogError{Op: "close", Err: err}
		}
		l.active = nil
	}
	return nil
}

func (l *FileLog) Append(term uint64, payload []byte) (uint64, error) {
	if !l.open {
		return 0, api.ErrClosed
	}
	index := l.LastIndex() + 1

	encoded := encodeEntry(api.Entry{Index: index, Term: term, Payload: payload})
	if _, err := l.active.Write(encoded); err != nil {
		return 0, &api.LogError{Op: "append", Err: err}
	}
	if err := l.active.Sync(); err != nil {
		return 0, &api.LogError{Op: "append", Err: err}
	}

	l.entries = append(l.entries, api.Entry{Index: index, Term: term, Payload: payload})
	l.size += int64(len(payload))

	seg := l.segments[len(l.segments)-1]
	seg.size += int64(len(encoded))
	if seg.size >= l.cfg.SegmentSize {
		if err := l.rollSegment(index + 1); err != nil {
			return 0, err
		}
	}
	return index, nil
}

func (l *FileLog) Get(index uint64) (api.Entry, error) {
	if !l.open {
		return api.Entry{}, api.ErrClosed
	}
	if !l.Contains(index) {
		return api.Entry{}, &api.LogError{
			Op:  "get",
			Err: fmt.Errorf("index %d not in [%d, %d]", index, l.FirstIndex(), l.LastIndex()),
		}
	}
	return l.entries[index-l.FirstIndex()], nil
}

func (l *FileLog) Contains(index uint64) bool {
	return index >= l.FirstIndex() && index <= l.LastIndex() && len(l.entries) > 0
}

func (l *FileLog) Truncate(from uint64) error {
	if !l.open {
		return api.ErrClosed
	}
	if from <= l.snapMeta.LastIncludedIndex {
		return api.NewIllegalStateError("cannot truncate into compacted prefix at %d", from)
	}
	if from > l.LastIndex() {
		return nil
	}

	// Drop whole segments past the truncation point, then rewrite the one
	// containing it.
	keep := 0
	for i, seg := range l.segments {
		if seg.base >= from && i > 0 {
			break
		}
		keep = i
	}
	for _, seg := range l.segments[keep+1:] {
		if err := os.Remove(seg.path); err != nil {
			return &api.LogError{Op: "truncate", Err: err}
		}
	}
	l.segments = l.segments[:keep+1]

	for i := from; i <= l.LastIndex(); i++ {
		l.size -= int64(len(l.entries[i-l.FirstIndex()].Payload))
	}
	l.entries = l.entries[:from-l.FirstIndex()]

	target := l.segments[keep]
	if err := l.rewriteSegment(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &api.LogError{Op: "truncate", Err: err}
	}
	if l.active != nil {
		l.active.Close()
	}
	l.active = f
	return nil
}

func (l *FileLog) FirstIndex() uint64 {
	return l.snapMeta.LastIncludedIndex + 1
}

func (l *FileLog) LastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.snapMeta.LastIncludedIndex
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *FileLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapMeta.LastIncludedTerm
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *FileLog) Compact(through uint64, snapshot []byte) error {
	if !l.open {
		return api.ErrClosed
	}
	if through <= l.snapMeta.LastIncludedIndex {
		return nil
	}
	if through > l.LastIndex() {
		return api.NewIllegalStateError("cannot compact through %d past last index %d", through, l.LastIndex())
	}

	term := l.entries[through-l.FirstIndex()].Term
	meta := api.SnapshotMeta{LastIncludedIndex: through, LastIncludedTerm: term}
	if err := l.writeSnapshot(meta, snapshot); err != nil {
		return err
	}

	for i := l.FirstIndex(); i <= through; i++ {
		l.size -= int64(len(l.entries[i-l.FirstIndex()].Payload))
	}
	l.entries = append([]api.Entry(nil), l.entries[through-l.FirstIndex()+1:]...)
	l.snapMeta = meta

	return l.dropCompactedSegments()
}

func (l *FileLog) Reset(meta api.SnapshotMeta, snapshot []byte) error {
	if !l.open {
		return api.ErrClosed
	}
	if meta.LastIncludedIndex <= l.snapMeta.LastIncludedIndex {
		return nil
	}
	if err := l.writeSnapshot(meta, snapshot); err != nil {
		return err
	}

	if l.active != nil {
		l.active.Close()
		l.active = nil
	}
	for _, seg := range l.segments {
		if err := os.Remove(seg.path); err != nil {
			return &api.LogError{Op: "reset", Err: err}
		}
	}
	l.segments = nil
	l.entries = nil
	l.size = 0
	l.snapMeta = meta
	return l.rollSegment(meta.LastIncludedIndex + 1)
}

func (l *FileLog) SnapshotMeta() api.SnapshotMeta {
	return l.snapMeta
}

func (l *FileLog) Snapshot() (api.SnapshotMeta, []byte, error) {
	path := filepath.Join(l.dir, snapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return api.SnapshotMeta{}, nil, nil
		}
		return api.SnapshotMeta{}, nil, &api.LogError{Op: "snapshot", Err: err}
	}
	meta, blob, err := decodeSnapshot(data)
	if err != nil {
		return api.SnapshotMeta{}, nil, err
	}
	return meta, blob, nil
}

func (l *FileLog) SetMetadata(term uint64, votedFor string) error {
	buf := binary.BigEndian.AppendUint64(nil, term)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(votedFor)))
	buf = append(buf, votedFor...)

	if err := atomicWrite(filepath.Join(l.dir, metadataFileName), buf); err != nil {
		return &api.LogError{Op: "set metadata", Err: err}
	}
	l.term = term
	l.votedFor = votedFor
	return nil
}

func (l *FileLog) Metadata() (uint64, string, error) {
	return l.term, l.votedFor, nil
}

func (l *FileLog) Size() int64 {
	return l.size
}

func (l *FileLog) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(l.dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &api.LogError{Op: "load metadata", Err: err}
	}
	if len(data) < 12 {
		return &api.LogError{Op: "load metadata", Err: fmt.Errorf("short metadata file: %d bytes", len(data))}
	}
	l.term = binary.BigEndian.Uint64(data)
	n := int(binary.BigEndian.Uint32(data[8:]))
	if len(data) < 12+n {
		return &api.LogError{Op: "load metadata", Err: fmt.Errorf("truncated votedFor")}
	}
	l.votedFor = string(data[12 : 12+n])
	return nil
}

func (l *FileLog) loadSnapshotMeta() error {
	meta, _, err := l.Snapshot()
	if err != nil {
		return err
	}
	l.snapMeta = meta
	return nil
}

func (l *FileLog) loadSegments() error {
	names, err := filepath.Glob(filepath.Join(l.dir, "*"+segmentSuffix))
	if err != nil {
		return &api.LogError{Op: "load", Err: err}
	}

	for _, path := range names {
		base, ok := parseSegmentBase(path)
		if !ok {
			l.logger.Warn("skipping unrecognized segment file", slog.String("path", path))
			continue
		}
		l.segments = append(l.segments, &segment{base: base, path: path})
	}
	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].base < l.segments[j].base })

	for _, seg := range l.segments {
		if err := l.loadSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// loadSegment reads one segment, tolerating a torn tail: entries after the
// first decode failure are discarded and the file is truncated to the last
// good offset.
func (l *FileLog) loadSegment(seg *segment) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return &api.LogError{Op: "load", Err: err}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	for {
		entry, n, err := decodeEntryFrom(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			l.logger.Warn("truncating torn segment tail",
				slog.String("path", seg.path), slog.Int64("offset", offset))
			if terr := os.Truncate(seg.path, offset); terr != nil {
				return &api.LogError{Op: "load", Err: terr}
			}
			break
		}
		offset += n

		if entry.Index <= l.snapMeta.LastIncludedIndex {
			continue
		}
		if want := l.LastIndex() + 1; entry.Index != want {
			return &api.LogError{
				Op:  "load",
				Err: fmt.Errorf("gap in log: expected index %d, found %d in %s", want, entry.Index, seg.path),
			}
		}
		l.entries = append(l.entries, entry)
		l.size += int64(len(entry.Payload))
	}
	seg.size = offset
	return nil
}

func (l *FileLog) rollSegment(base uint64) error {
	if l.active != nil {
		if err := l.active.Close(); err != nil {
			return &api.LogError{Op: "roll", Err: err}
		}
	}
	seg := &segment{
		base: base,
		path: filepath.Join(l.dir, fmt.Sprintf("%s-%020d%s", l.cfg.Name, base, segmentSuffix)),
	}
	f, err := os.OpenFile(seg.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &api.LogError{Op: "roll", Err: err}
	}
	l.active = f
	l.segments = append(l.segments, seg)
	return nil
}

// rewriteSegment rewrites a segment from the in-memory entries it should
// still contain, using a tmp file and rename.
func (l *FileLog) rewriteSegment(seg *segment) error {
	tmp := seg.path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &api.LogError{Op: "rewrite", Err: err}
	}

	var size int64
	for i := seg.base; i <= l.LastIndex(); i++ {
		if i < l.FirstIndex() {
			continue
		}
		encoded := encodeEntry(l.entries[i-l.FirstIndex()])
		if _, err := f.Write(encoded); err != nil {
			f.Close()
			return &api.LogError{Op: "rewrite", Err: err}
		}
		size += int64(len(encoded))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &api.LogError{Op: "rewrite", Err: err}
	}
	if err := f.Close(); err != nil {
		return &api.LogError{Op: "rewrite", Err: err}
	}
	if err := os.Rename(tmp, seg.path); err != nil {
		return &api.LogError{Op: "rewrite", Err: err}
	}
	seg.size = size
	return nil
}

// dropCompactedSegments removes segments whose entries all precede the
// snapshot, keeping cfg.Retention full segments behind it. The active
// segment is never dropped.
func (l *FileLog) dropCompactedSegments() error {
	cut := 0
	for i := 0; i < len(l.segments)-1; i++ {
		if l.segments[i+1].base-1 > l.snapMeta.LastIncludedIndex {
			break
		}
		cut = i + 1
	}
	cut -= l.cfg.Retention
	if cut <= 0 {
		return nil
	}
	for _, seg := range l.segments[:cut] {
		if err := os.Remove(seg.path); err != nil {
			return &api.LogError{Op: "compact", Err: err}
		}
	}
	l.segments = append([]*segment(nil), l.segments[cut:]...)
	return nil
}

func (l *FileLog) writeSnapshot(meta api.SnapshotMeta, blob []byte) error {
	buf := binary.BigEndian.AppendUint64(nil, meta.LastIncludedIndex)
	buf = binary.BigEndian.AppendUint64(buf, meta.LastIncludedTerm)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(blob)))
	buf = append(buf, blob...)
	if err := atomicWrite(filepath.Join(l.dir, snapshotFileName), buf); err != nil {
		return &api.LogError{Op: "snapshot", Err: err}
	}
	return nil
}

func decodeSnapshot(data []byte) (api.SnapshotMeta, []byte, error) {
	if len(data) < 20 {
		return api.SnapshotMeta{}, nil, &api.LogError{
			Op: "snapshot", Err: fmt.Errorf("short snapshot file: %d bytes", len(data))}
	}
	meta := api.SnapshotMeta{
		LastIncludedIndex: binary.BigEndian.Uint64(data),
		LastIncludedTerm:  binary.BigEndian.Uint64(data[8:]),
	}
	n := int(binary.BigEndian.Uint32(data[16:]))
	if len(data) < 20+n {
		return api.SnapshotMeta{}, nil, &api.LogError{
			Op: "snapshot", Err: fmt.Errorf("truncated snapshot blob")}
	}
	return meta, data[20 : 20+n], nil
}

func encodeEntry(e api.Entry) []byte {
	buf := make([]byte, 0, entryHeaderSize+len(e.Payload))
	buf = binary.BigEndian.AppendUint64(buf, e.Index)
	buf = binary.BigEndian.AppendUint64(buf, e.Term)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	return append(buf, e.Payload...)
}

func decodeEntryFrom(r io.Reader) (api.Entry, int64, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return api.Entry{}, 0, err
	}
	e := api.Entry{
		Index: binary.BigEndian.Uint64(header),
		Term:  binary.BigEndian.Uint64(header[8:]),
	}
	n := binary.BigEndian.Uint32(header[16:])
	e.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return api.Entry{}, 0, err
	}
	return e, int64(entryHeaderSize + int(n)), nil
}

func parseSegmentBase(path string) (uint64, bool) {
	name := strings.TrimSuffix(filepath.Base(path), segmentSuffix)
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return 0, false
	}
	base, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}

func atomicWrite(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
