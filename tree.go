package btrcore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/record"
	"github.com/alexhholmes/btrcore/internal/scope"
	"github.com/alexhholmes/btrcore/internal/space"
	"github.com/alexhholmes/btrcore/internal/storage"
	"github.com/alexhholmes/btrcore/internal/wal"
)

// Metric selects what Size counts.
type Metric int

const (
	MetricLeafPages  Metric = iota // pages reserved by the leaf segment
	MetricTotalPages               // pages reserved by the tree
)

// Tree is a B-tree index stored in pages of a file (or of memory).
//
// All operations are safe for concurrent use. Readers and writers that stay
// on one leaf hold the tree latch shared only while they descend; splits,
// merges and the validator hold it exclusively.
type Tree struct {
	opts  Options
	log   Logger
	locks LockNotifier
	codec record.Codec

	store storage.Storage
	cache *cache.PageCache
	space *space.Space
	wal   *wal.WAL // nil for in-memory trees
	env   *scope.Env

	kind    Kind
	root    base.PageID // fixed for the life of the tree
	indexID uint64
	segLeaf base.SegmentID
	segTop  base.SegmentID

	compressLimit int // data size below which a page is merged
	stats         counters

	mu      sync.Mutex
	closed  bool
	corrupt error

	loggedPages   atomic.Uint64 // NumPages of the last logged meta
	checkpointTxn atomic.Uint64
}

func applyOptions(options []Option) Options {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = DiscardLogger{}
	}
	if opts.locks == nil {
		opts.locks = noopLocks{}
	}
	return opts
}

func newTree(opts Options, store storage.Storage, log *wal.WAL, sp *space.Space, lastTxnID uint64) (*Tree, error) {
	c, err := cache.NewPageCache(opts.cacheSize, store)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		opts:          opts,
		log:           opts.logger,
		locks:         opts.locks,
		codec:         record.Default,
		store:         store,
		cache:         c,
		space:         sp,
		wal:           log,
		env:           scope.NewEnv(c, log, lastTxnID),
		kind:          opts.kind,
		root:          base.NilPage,
		indexID:       opts.indexID,
		compressLimit: base.PageSize * opts.mergeThreshold / 100,
	}
	t.checkpointTxn.Store(lastTxnID)
	return t, nil
}

// New creates an empty tree held in memory.
func New(options ...Option) (*Tree, error) {
	opts := applyOptions(options)

	t, err := newTree(opts, storage.NewMemory(), nil, space.New(opts.maxPages), 0)
	if err != nil {
		return nil, err
	}
	if err := t.create(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open opens the tree stored at path, creating it if the file is empty.
// Committed scopes found in the redo log at path+".wal" are replayed first.
func Open(path string, options ...Option) (*Tree, error) {
	opts := applyOptions(options)

	var store storage.Storage
	var err error
	if opts.mmap {
		store, err = storage.NewMMap(path)
	} else {
		store, err = storage.NewFile(path)
	}
	if err != nil {
		return nil, err
	}

	// Tree owns the redo log lifecycle
	log, err := wal.Open(path+".wal", opts.syncMode, opts.bytesPerSync)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	t, err := recoverTree(opts, store, log)
	if err != nil {
		_ = log.Close()
		_ = store.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return t, nil
}

func readMeta(store storage.Storage) (*base.Meta, error) {
	img, err := store.ReadPage(base.MetaPageID)
	if err != nil {
		return nil, err
	}
	if img.IsZero() {
		return nil, nil
	}
	return base.DecodeMeta(img)
}

// pageOwner reads the owning segment of a page from its header.
func pageOwner(store storage.Storage) space.Owner {
	return func(id base.PageID) (base.SegmentID, error) {
		img, err := store.ReadPage(id)
		if err != nil {
			return 0, err
		}
		if img.IsZero() {
			return 0, space.ErrSkip
		}
		p, err := base.Decode(img)
		if err != nil {
			return 0, fmt.Errorf("page %d: %w", id, err)
		}
		if p.IsFree() {
			return 0, nil
		}
		return p.Segment, nil
	}
}

func recoverTree(opts Options, store storage.Storage, log *wal.WAL) (*Tree, error) {
	meta, err := readMeta(store)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var from uint64
	if meta != nil {
		from = meta.TxnID
	}

	replayed := 0
	err = log.Replay(from, func(id base.PageID, img *base.Image) error {
		replayed++
		return store.WritePage(id, img)
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if replayed > 0 {
		if err := store.Sync(); err != nil {
			return nil, err
		}
		if meta, err = readMeta(store); err != nil {
			return nil, fmt.Errorf("read meta: %w", err)
		}
	}
	last, err := log.LastCommit()
	if err != nil {
		return nil, err
	}
	last = max(last, from)

	if meta == nil || meta.RootPageID == base.NilPage {
		t, err := newTree(opts, store, log, space.New(opts.maxPages), last)
		if err != nil {
			return nil, err
		}
		if err := t.create(); err != nil {
			return nil, err
		}
		return t, t.checkpoint()
	}

	sp, err := space.Rebuild(meta.NumPages, opts.maxPages, pageOwner(store))
	if err != nil {
		return nil, fmt.Errorf("rebuild space: %w", err)
	}
	sp.EnsureSegment(meta.SegLeaf)
	sp.EnsureSegment(meta.SegTop)

	// The file decides what kind of tree it is
	opts.kind = Kind(meta.Kind)
	opts.indexID = meta.IndexID

	t, err := newTree(opts, store, log, sp, max(last, meta.TxnID))
	if err != nil {
		return nil, err
	}
	t.root = meta.RootPageID
	t.segLeaf = meta.SegLeaf
	t.segTop = meta.SegTop
	t.loggedPages.Store(meta.NumPages)

	t.log.Info("opened tree",
		"root", t.root, "kind", t.kind, "pages", meta.NumPages,
		"replayed", replayed, "txn", t.env.LastTxnID())
	return t, t.checkpoint()
}

func (t *Tree) meta(txnID uint64) *base.Meta {
	return &base.Meta{
		Magic:      base.MagicNumber,
		Version:    base.FormatVersion,
		PageSize:   base.PageSize,
		Kind:       uint16(t.kind),
		SegLeaf:    t.segLeaf,
		SegTop:     t.segTop,
		RootPageID: t.root,
		IndexID:    t.indexID,
		NumPages:   t.space.NumPages(),
		TxnID:      txnID,
	}
}

// Checkpoint writes all committed pages to the tree file and truncates the
// redo log. Write operations wait while it runs.
func (t *Tree) Checkpoint() error {
	if err := t.readable(); err != nil {
		return err
	}
	return t.checkpoint()
}

func (t *Tree) checkpoint() error {
	return t.env.Checkpoint(func(lastTxnID uint64) error {
		if err := t.cache.FlushDirty(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if err := t.store.Sync(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}

		var img base.Image
		t.meta(lastTxnID).Encode(&img)
		if err := t.store.WritePage(base.MetaPageID, &img); err != nil {
			return fmt.Errorf("checkpoint: write meta: %w", err)
		}
		if err := t.store.Sync(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		t.checkpointTxn.Store(lastTxnID)
		t.loggedPages.Store(t.space.NumPages())

		if t.wal != nil {
			if err := t.wal.Truncate(lastTxnID); err != nil {
				return fmt.Errorf("checkpoint: %w", err)
			}
		}
		t.log.Info("checkpoint", "txn", lastTxnID, "pages", t.space.NumPages())
		return nil
	})
}

// Close checkpoints the tree and releases its file and redo log.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	corrupt := t.corrupt
	t.mu.Unlock()

	var errs []error
	if corrupt == nil {
		errs = append(errs, t.checkpoint())
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if t.wal != nil {
		errs = append(errs, t.wal.Close())
	}
	errs = append(errs, t.store.Close())
	return errors.Join(errs...)
}

func (t *Tree) readable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTreeClosed
	}
	return nil
}

func (t *Tree) writable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTreeClosed
	}
	if t.corrupt != nil {
		return fmt.Errorf("%w: %w", ErrTreeCorrupt, t.corrupt)
	}
	return nil
}

// finish commits s, or rolls it back if err is set. A corruption, or a
// scope that cannot be rolled back, leaves the tree read-only.
func (t *Tree) finish(s *scope.Scope, err error) error {
	if err == nil {
		pages := t.space.NumPages()
		if pages != t.loggedPages.Load() {
			s.LogMeta(func(img *base.Image) {
				t.meta(t.checkpointTxn.Load()).Encode(img)
			})
		}
		if err = s.Commit(); err == nil {
			t.loggedPages.Store(pages)
			return nil
		}
		err = fmt.Errorf("commit: %w", err)
	}

	if rerr := s.Rollback(); rerr != nil {
		err = errors.Join(err, rerr)
		t.markCorrupt(err)
	} else if errors.Is(err, ErrCorruption) {
		t.markCorrupt(err)
	}
	return err
}

func (t *Tree) markCorrupt(err error) {
	t.mu.Lock()
	if t.corrupt == nil {
		t.corrupt = err
	}
	t.mu.Unlock()

	args := []any{"error", err}
	var ce *CorruptionError
	if errors.As(err, &ce) {
		args = append(args, "page", ce.Page, "level", ce.Level, "dump", ce.Dump())
	}
	t.log.Error("index tree is corrupt, further writes are refused", args...)
}

// corruption builds the error for an inconsistency found on the pages of
// frames. The first frame names the page.
func (t *Tree) corruption(reason string, frames ...*cache.Frame) *CorruptionError {
	e := &CorruptionError{Page: base.NilPage, Reason: reason}
	for _, f := range frames {
		if f == nil {
			continue
		}
		if e.Page == base.NilPage {
			e.Page, e.Level = f.ID, f.Page.Level
		}
		e.Dumps = append(e.Dumps, f.Page.Dump())
	}
	return e
}

func (t *Tree) assertTreeX(s *scope.Scope) {
	if m := s.TreeLatch(); m != scope.Exclusive {
		panic(fmt.Sprintf("btrcore: shape change with tree latch %v", m))
	}
}

func (t *Tree) notify(kind LockEventKind, page, other base.PageID) {
	t.locks.Notify(LockEvent{Kind: kind, Page: page, Other: other})
}

// view runs fn in a read scope.
func (t *Tree) view(fn func(s *scope.Scope) error) error {
	if err := t.readable(); err != nil {
		return err
	}
	s := t.env.Begin(false)
	err := fn(s)
	if cerr := s.Commit(); err == nil {
		err = cerr
	}
	return err
}

// Root returns the page id of the root. It never changes.
func (t *Tree) Root() base.PageID {
	return t.root
}

// Height returns the number of levels of the tree.
func (t *Tree) Height() (int, error) {
	var height int
	err := t.view(func(s *scope.Scope) error {
		s.SLockTree()
		f, err := s.Fetch(t.root, scope.Shared)
		if err != nil {
			return err
		}
		height = int(f.Page.Level) + 1
		return nil
	})
	return height, err
}

// Size returns the number of pages reserved by the tree. An internal tree
// has a single segment, which both metrics report.
func (t *Tree) Size(m Metric) int {
	leaf := t.space.Reserved(t.segLeaf)
	if t.kind == KindInternal || m == MetricLeafPages {
		return leaf
	}
	return leaf + t.space.Reserved(t.segTop)
}

// Stats returns structural and cache statistics
func (t *Tree) Stats() Stats {
	st := t.stats.snapshot()
	cs := t.cache.Stats()
	st.CacheHits = cs.Hits
	st.CacheMisses = cs.Misses
	st.CacheEvictions = cs.Evictions
	st.CacheWritebacks = cs.Writebacks
	return st
}
