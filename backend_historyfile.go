package statehistory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	defaultNodeCapacity   = 512
	defaultNodeCacheSize  = 64
	historyFileIndexOrder = 16
)

// HistoryFileOptions tunes a HistoryFileBackend.
type HistoryFileOptions struct {
	// NodeCapacity is the number of intervals per node. Default: 512
	NodeCapacity int
	// Compression applied to node payloads. Default: snappy
	Compression Compression
	// CacheSize is the number of decoded nodes kept in memory once the
	// history is finished. Default: 64
	CacheSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o HistoryFileOptions) withDefaults() HistoryFileOptions {
	if o.NodeCapacity <= 0 {
		o.NodeCapacity = defaultNodeCapacity
	}
	if o.Compression == "" {
		o.Compression = CompressionSnappy
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultNodeCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// HistoryFileBackend stores intervals in fixed-capacity nodes that are
// written as one artifact once the build finishes. Nodes are indexed by the
// largest end time they hold, so a point query only visits nodes that can
// still contain an interval covering it.
type HistoryFileBackend struct {
	id              string
	key             string
	start           Time
	providerVersion int
	store           ArtifactStore
	opts            HistoryFileOptions
	logger          *slog.Logger

	mu       sync.RWMutex
	end      Time
	lastEnd  map[Quark]Time
	index    *nodeIndex
	nodes    []*nodeEntry
	current  *nodeEntry
	finished bool
	disposed bool

	buildID     uuid.UUID
	compression Compression
	layout      *historyFileLayout
	data        []byte
	tree        []byte
	cache       *LRUCache[[]*StateInterval]
}

// NewHistoryFileBackend starts a new history that will be written to store
// under key when FinishBuilding is called.
func NewHistoryFileBackend(store ArtifactStore, key, id string, start Time, providerVersion int, opts HistoryFileOptions) (*HistoryFileBackend, error) {
	opts = opts.withDefaults()
	if _, err := opts.Compression.id(); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, fmt.Errorf("history start %d: %w", start, ErrInvalidTimeRange)
	}
	return &HistoryFileBackend{
		id:              id,
		key:             key,
		start:           start,
		end:             start,
		providerVersion: providerVersion,
		store:           store,
		opts:            opts,
		logger:          opts.Logger,
		lastEnd:         make(map[Quark]Time),
		index:           newNodeIndex(historyFileIndexOrder),
		buildID:         uuid.New(),
		compression:     opts.Compression,
		cache:           NewLRUCache[[]*StateInterval](opts.CacheSize),
	}, nil
}

// OpenHistoryFileBackend opens a finished history. A file written with a
// different format or provider version fails with ErrVersionMismatch, a
// damaged one with ErrStorageCorruption.
func OpenHistoryFileBackend(ctx context.Context, store ArtifactStore, key string, providerVersion int, opts HistoryFileOptions) (*HistoryFileBackend, error) {
	opts = opts.withDefaults()
	data, err := store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	parsed, err := parseHistoryFile(key, data, providerVersion)
	if err != nil {
		return nil, err
	}

	b := &HistoryFileBackend{
		id:              strings.TrimSuffix(path.Base(key), path.Ext(key)),
		key:             key,
		start:           parsed.header.StartTime,
		end:             parsed.header.EndTime,
		providerVersion: providerVersion,
		store:           store,
		opts:            opts,
		logger:          opts.Logger,
		index:           newNodeIndex(historyFileIndexOrder),
		nodes:           parsed.nodes,
		finished:        true,
		buildID:         uuid.UUID(parsed.header.BuildID),
		compression:     parsed.compression,
		data:            data,
		tree:            parsed.tree,
		cache:           NewLRUCache[[]*StateInterval](opts.CacheSize),
	}
	for _, n := range parsed.nodes {
		b.index.Insert(n.maxEnd, n)
	}
	b.logger.Debug("opened history file",
		"key", key,
		"build", b.buildID,
		"nodes", len(b.nodes),
		"size", humanize.Bytes(uint64(len(data))))
	return b, nil
}

func (b *HistoryFileBackend) ID() string      { return b.id }
func (b *HistoryFileBackend) StartTime() Time { return b.start }

// Key is the artifact key the history is stored under.
func (b *HistoryFileBackend) Key() string { return b.key }

// BuildID identifies the build that produced the artifact.
func (b *HistoryFileBackend) BuildID() uuid.UUID { return b.buildID }

func (b *HistoryFileBackend) EndTime() Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

func (b *HistoryFileBackend) InsertPastState(start, end Time, quark Quark, value StateValue) error {
	if err := checkInsert(b, start, end, quark); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrBackendClosed
	}
	if b.finished {
		return fmt.Errorf("%s: insert after finish: %w", b.id, ErrBuildInProgress)
	}
	if last, ok := b.lastEnd[quark]; ok && end <= last {
		return fmt.Errorf("%s: quark %d end %d not after previous end %d: %w",
			b.id, quark, end, last, ErrInvalidTimeRange)
	}

	if b.current == nil {
		b.current = &nodeEntry{
			index:     len(b.nodes),
			minStart:  start,
			maxEnd:    end,
			intervals: make([]*StateInterval, 0, b.opts.NodeCapacity),
		}
	}
	n := b.current
	n.intervals = append(n.intervals, &StateInterval{Start: start, End: end, Quark: quark, Value: value})
	n.count++
	n.minStart = min(n.minStart, start)
	n.maxEnd = max(n.maxEnd, end)
	if n.count >= b.opts.NodeCapacity {
		b.sealCurrent()
	}

	b.lastEnd[quark] = end
	if end > b.end {
		b.end = end
	}
	return nil
}

// sealCurrent moves the open node into the index. Callers hold mu.
func (b *HistoryFileBackend) sealCurrent() {
	if b.current == nil {
		return
	}
	b.nodes = append(b.nodes, b.current)
	b.index.Insert(b.current.maxEnd, b.current)
	b.current = nil
}

func (b *HistoryFileBackend) FinishBuilding(end Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrBackendClosed
	}
	if b.finished {
		return fmt.Errorf("%s: already finished: %w", b.id, ErrBuildInProgress)
	}
	if end < b.end {
		return fmt.Errorf("%s: finish at %d before last interval end %d: %w", b.id, end, b.end, ErrInvalidTimeRange)
	}
	b.sealCurrent()

	payloads := make([][]byte, len(b.nodes))
	for i, n := range b.nodes {
		raw, err := encodeNode(n.intervals)
		if err != nil {
			return fmt.Errorf("%s: encode node %d: %w", b.id, i, err)
		}
		if payloads[i], err = compressNode(b.compression, raw); err != nil {
			return fmt.Errorf("%s: compress node %d: %w", b.id, i, err)
		}
	}
	b.end = end
	b.layout = &historyFileLayout{
		providerVersion: b.providerVersion,
		compression:     b.compression,
		start:           b.start,
		end:             end,
		buildID:         b.buildID,
		nodes:           b.nodes,
		payloads:        payloads,
	}
	if err := b.writeLayout(); err != nil {
		return err
	}

	for _, n := range b.nodes {
		n.intervals = nil
	}
	b.lastEnd = nil
	b.finished = true
	return nil
}

// writeLayout marshals the layout and stores it. Callers hold mu.
func (b *HistoryFileBackend) writeLayout() error {
	data, err := b.layout.marshal()
	if err != nil {
		return fmt.Errorf("%s: marshal history file: %w", b.id, err)
	}
	if err := b.store.Write(context.Background(), b.key, data); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write history file", b.key, err)
	}
	b.data = data
	b.tree = b.layout.tree
	b.logger.Info("wrote history file",
		"key", b.key,
		"nodes", len(b.nodes),
		"size", humanize.Bytes(uint64(len(data))))
	return nil
}

// intervalsOf returns the intervals of a node, decoding and caching them
// once the history is finished.
func (b *HistoryFileBackend) intervalsOf(n *nodeEntry) ([]*StateInterval, error) {
	if n.intervals != nil {
		return n.intervals, nil
	}
	cacheKey := strconv.Itoa(n.index)
	if ivs, ok := b.cache.Get(cacheKey); ok {
		return ivs, nil
	}
	ivs, err := readNode(b.key, b.data, b.compression, n)
	if err != nil {
		return nil, err
	}
	b.cache.Put(cacheKey, ivs)
	return ivs, nil
}

// scan visits every stored interval intersecting t until visit returns
// false. Callers hold mu for reading.
func (b *HistoryFileBackend) scan(t Time, visit func(*StateInterval) bool) error {
	if b.disposed {
		return ErrBackendClosed
	}
	var scanErr error
	matchNode := func(n *nodeEntry) bool {
		if !n.covers(t) {
			return true
		}
		ivs, err := b.intervalsOf(n)
		if err != nil {
			scanErr = err
			return false
		}
		for _, iv := range ivs {
			if iv.Intersects(t) && !visit(iv) {
				return false
			}
		}
		return true
	}
	b.index.AscendFrom(t, matchNode)
	if scanErr != nil {
		return scanErr
	}
	if b.current != nil {
		matchNode(b.current)
	}
	return nil
}

func (b *HistoryFileBackend) DoQuery(t Time, results []*StateInterval) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scan(t, func(iv *StateInterval) bool {
		if iv.Quark < len(results) && results[iv.Quark] == nil {
			results[iv.Quark] = iv
		}
		return true
	})
}

func (b *HistoryFileBackend) DoSingularQuery(t Time, quark Quark) (*StateInterval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var found *StateInterval
	err := b.scan(t, func(iv *StateInterval) bool {
		if iv.Quark == quark {
			found = iv
			return false
		}
		return true
	})
	return found, err
}

func (b *HistoryFileBackend) DoPartialQuery(t Time, quarks []Quark, results map[Quark]*StateInterval) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	wanted := make(map[Quark]struct{}, len(quarks))
	for _, q := range quarks {
		wanted[q] = struct{}{}
	}
	return b.scan(t, func(iv *StateInterval) bool {
		if _, ok := wanted[iv.Quark]; ok {
			results[iv.Quark] = iv
			delete(wanted, iv.Quark)
		}
		return len(wanted) > 0
	})
}

func (b *HistoryFileBackend) AttributeTreeReader() (io.Reader, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return nil, ErrBackendClosed
	}
	if len(b.tree) == 0 {
		return nil, nil
	}
	return bytes.NewReader(b.tree), nil
}

func (b *HistoryFileBackend) AttributeTreeWriter() (AttributeTreeSink, error) {
	return historyFileTreeSink{b}, nil
}

// historyFileTreeSink rewrites the artifact with the tree section filled in.
type historyFileTreeSink struct {
	b *HistoryFileBackend
}

func (s historyFileTreeSink) Save(data []byte) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrBackendClosed
	}
	if !b.finished || b.layout == nil {
		return fmt.Errorf("%s: save attribute tree before finish: %w", b.id, ErrBuildInProgress)
	}
	b.layout.tree = append([]byte(nil), data...)
	return b.writeLayout()
}

func (b *HistoryFileBackend) RemoveFiles() error {
	if err := b.store.Delete(context.Background(), b.key); err != nil {
		return newStorageError(StorageErrorTypeWrite, "remove history file", b.key, err)
	}
	return nil
}

// Dispose drops in-memory state. An unfinished build leaves nothing usable
// behind, so its artifact is removed as well.
func (b *HistoryFileBackend) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	if !b.finished {
		if err := b.store.Delete(context.Background(), b.key); err != nil {
			b.logger.Error("failed to remove partial history file", "key", b.key, "err", err)
		}
	}
	b.disposed = true
	b.nodes = nil
	b.current = nil
	b.index = newNodeIndex(historyFileIndexOrder)
	b.data = nil
	b.layout = nil
}

var (
	_ HistoryBackend = (*HistoryFileBackend)(nil)
	_ PartialQuerier = (*HistoryFileBackend)(nil)
)
