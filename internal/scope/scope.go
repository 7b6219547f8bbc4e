// Package scope implements the mini-transaction every tree operation runs
// in: it remembers latched pages, keeps before-images for rollback and
// logs the pages it changed as one atomic redo batch.
package scope

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/wal"
)

// LatchMode is the mode a scope holds a latch in.
type LatchMode int

const (
	NoLatch LatchMode = iota // pinned only
	Shared
	Exclusive
)

func (m LatchMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return "none"
	}
}

// LogMode selects whether modified pages join the redo batch.
type LogMode int

const (
	LogAll  LogMode = iota
	LogNone         // before-images are still kept
)

var (
	// ErrAbandoned is returned by Rollback when non-leaf pages changed before
	// the tree latch was released. Unlatched readers may have seen them, so
	// they cannot be restored.
	ErrAbandoned = errors.New("scope abandoned after shape release")

	ErrReadOnly = errors.New("read-only scope")
)

// Env is shared by all scopes of one tree.
type Env struct {
	cache *cache.PageCache
	log   *wal.WAL // nil for in-memory trees

	tree       sync.RWMutex // tree latch
	checkpoint sync.RWMutex // write scopes hold it shared
	txnID      atomic.Uint64
}

// NewEnv creates the scope environment. lastTxnID is the last committed
// scope id.
func NewEnv(c *cache.PageCache, log *wal.WAL, lastTxnID uint64) *Env {
	e := &Env{cache: c, log: log}
	e.txnID.Store(lastTxnID)
	return e
}

// LastTxnID is the id of the last committed write scope.
func (e *Env) LastTxnID() uint64 {
	return e.txnID.Load()
}

// Checkpoint runs fn with all write scopes excluded.
func (e *Env) Checkpoint(fn func(lastTxnID uint64) error) error {
	e.checkpoint.Lock()
	defer e.checkpoint.Unlock()
	return fn(e.txnID.Load())
}

type entry struct {
	frame  *cache.Frame
	mode   LatchMode
	before *base.Page // nil until the first Modify
}

// Scope is a single-goroutine mini-transaction.
type Scope struct {
	env   *Env
	write bool

	tree   LatchMode
	sealed bool

	memo  []*entry
	byID  map[base.PageID]*entry
	dirty *btree.BTreeG[base.PageID] // pages in the redo batch
	undo  []func()
	meta  func(*base.Image)

	logMode LogMode
	done    bool
}

// Begin starts a scope. Write scopes exclude checkpoints until they end.
func (e *Env) Begin(write bool) *Scope {
	if write {
		e.checkpoint.RLock()
	}
	return &Scope{
		env:   e,
		write: write,
		byID:  make(map[base.PageID]*entry),
		dirty: btree.NewOrderedG[base.PageID](8),
	}
}

// XLockTree takes the tree latch exclusively. A shared tree latch cannot be
// upgraded.
func (s *Scope) XLockTree() {
	switch s.tree {
	case Exclusive:
		return
	case Shared:
		panic("scope: tree latch upgrade")
	}
	if s.sealed {
		panic("scope: tree latch after release")
	}
	s.env.tree.Lock()
	s.tree = Exclusive
}

// SLockTree takes the tree latch shared.
func (s *Scope) SLockTree() {
	if s.tree != NoLatch {
		return
	}
	if s.sealed {
		panic("scope: tree latch after release")
	}
	s.env.tree.RLock()
	s.tree = Shared
}

// TreeLatch returns the mode the tree latch is held in.
func (s *Scope) TreeLatch() LatchMode {
	return s.tree
}

// ReleaseTree releases the tree latch before the scope ends. The shape of
// the tree as changed so far becomes visible to other scopes; write scopes
// are sealed and may change leaf pages only from here on.
func (s *Scope) ReleaseTree() {
	switch s.tree {
	case Exclusive:
		s.env.tree.Unlock()
	case Shared:
		s.env.tree.RUnlock()
	default:
		return
	}
	s.tree = NoLatch
	if s.write {
		s.sealed = true
	}
}

// Sealed reports whether ReleaseTree ended the shape phase of a write scope.
func (s *Scope) Sealed() bool {
	return s.sealed
}

func (s *Scope) latch(f *cache.Frame, mode LatchMode) {
	switch mode {
	case Shared:
		f.RLock()
	case Exclusive:
		f.Lock()
	}
}

func (s *Scope) add(f *cache.Frame, mode LatchMode) {
	e := &entry{frame: f, mode: mode}
	s.memo = append(s.memo, e)
	s.byID[f.ID] = e
}

// Fetch pins page id and latches it in mode. Fetching a page the scope
// already holds returns the held frame; a held latch cannot be upgraded
// except from NoLatch.
func (s *Scope) Fetch(id base.PageID, mode LatchMode) (*cache.Frame, error) {
	if mode == Exclusive && !s.write {
		return nil, ErrReadOnly
	}
	if e, ok := s.byID[id]; ok {
		switch {
		case e.mode >= mode:
		case e.mode == NoLatch:
			s.latch(e.frame, mode)
			e.mode = mode
		default:
			panic(fmt.Sprintf("scope: latch upgrade of page %d", id))
		}
		return e.frame, nil
	}

	f, err := s.env.cache.Fetch(id)
	if err != nil {
		return nil, err
	}
	s.latch(f, mode)
	s.add(f, mode)
	return f, nil
}

// FetchNew pins and exclusively latches a freshly allocated page without
// reading it. The caller initializes it through Modify.
func (s *Scope) FetchNew(id base.PageID) *cache.Frame {
	if e, ok := s.byID[id]; ok {
		if e.mode != Exclusive {
			panic(fmt.Sprintf("scope: new page %d held %s", id, e.mode))
		}
		return e.frame
	}
	f := s.env.cache.FetchNew(id)
	f.Lock()
	s.add(f, Exclusive)
	return f
}

// Held returns the latch mode the scope holds page id in, and whether the
// page is in the memo at all.
func (s *Scope) Held(id base.PageID) (LatchMode, bool) {
	e, ok := s.byID[id]
	if !ok {
		return NoLatch, false
	}
	return e.mode, true
}

// Savepoint returns the current end of the memo.
func (s *Scope) Savepoint() int {
	return len(s.memo)
}

// ReleaseTo unlatches and unpins the pages latched after sp. Pages the
// scope modified stay latched until the scope ends.
func (s *Scope) ReleaseTo(sp int) {
	if sp >= len(s.memo) {
		return
	}
	kept := s.memo[:sp:sp]
	for _, e := range s.memo[sp:] {
		if e.before != nil {
			kept = append(kept, e)
			continue
		}
		switch e.mode {
		case Shared:
			e.frame.RUnlock()
		case Exclusive:
			e.frame.Unlock()
		}
		s.env.cache.Unpin(e.frame)
		delete(s.byID, e.frame.ID)
	}
	s.memo = kept
}

// Modify returns the page of an exclusively latched frame for writing. The
// first call keeps a before-image; under LogAll the page joins the redo
// batch.
func (s *Scope) Modify(f *cache.Frame) *base.Page {
	if mode, ok := s.Held(f.ID); mode != Exclusive {
		panic(fmt.Sprintf("scope: modify of page %d latched %v (in memo %t)", f.ID, mode, ok))
	}
	e := s.byID[f.ID]
	if s.sealed && !f.Page.IsLeaf() {
		panic(fmt.Sprintf("scope: modify of non-leaf page %d after shape release", f.ID))
	}
	if e.before == nil {
		e.before = f.Page.Clone()
	}
	if s.logMode == LogAll {
		s.dirty.ReplaceOrInsert(f.ID)
	}
	return f.Page
}

// SetLogMode switches the log mode and returns the previous one.
func (s *Scope) SetLogMode(m LogMode) LogMode {
	prev := s.logMode
	s.logMode = m
	return prev
}

// OnRollback registers fn to run if the scope rolls back. Closures run in
// reverse order of registration, after page images are restored.
func (s *Scope) OnRollback(fn func()) {
	s.undo = append(s.undo, fn)
}

// LogMeta adds the meta page, encoded by fn at commit, to the redo batch.
func (s *Scope) LogMeta(fn func(*base.Image)) {
	s.meta = fn
}

// Modified returns the ids of the pages in the redo batch in ascending
// order.
func (s *Scope) Modified() []base.PageID {
	ids := make([]base.PageID, 0, s.dirty.Len())
	s.dirty.Ascend(func(id base.PageID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Commit logs the redo batch, followed by a commit marker, and releases
// all latches. On a log failure the scope stays open for Rollback.
func (s *Scope) Commit() error {
	if s.done {
		return nil
	}

	if s.write && (s.dirty.Len() > 0 || s.meta != nil) {
		if err := s.logBatch(); err != nil {
			return err
		}
		for _, e := range s.memo {
			if e.before != nil {
				e.frame.MarkDirty()
			}
		}
	}
	s.release()
	return nil
}

func (s *Scope) logBatch() error {
	ids := s.Modified()
	imgs := make([]base.Image, len(ids))
	for i, id := range ids {
		if err := s.byID[id].frame.Page.Encode(&imgs[i]); err != nil {
			return fmt.Errorf("encode page %d: %w", id, err)
		}
	}

	txnID := s.env.txnID.Add(1)
	log := s.env.log
	if log == nil {
		return nil
	}
	for i, id := range ids {
		if err := log.AppendPage(txnID, id, &imgs[i]); err != nil {
			return fmt.Errorf("log page %d: %w", id, err)
		}
	}
	if s.meta != nil {
		var img base.Image
		s.meta(&img)
		if err := log.AppendPage(txnID, base.MetaPageID, &img); err != nil {
			return fmt.Errorf("log meta: %w", err)
		}
	}
	if err := log.AppendCommit(txnID); err != nil {
		return fmt.Errorf("log commit %d: %w", txnID, err)
	}
	return log.Sync()
}

// Rollback restores the before-image of every modified page, runs the
// rollback closures and releases all latches. It is a no-op after Commit.
func (s *Scope) Rollback() error {
	if s.done {
		return nil
	}

	if s.sealed && s.shapeChanged() {
		s.release()
		return ErrAbandoned
	}

	for _, e := range slices.Backward(s.memo) {
		if e.before != nil {
			e.frame.Page.Restore(e.before)
		}
	}
	for _, fn := range slices.Backward(s.undo) {
		fn()
	}
	s.release()
	return nil
}

func (s *Scope) shapeChanged() bool {
	for _, e := range s.memo {
		if e.before != nil && (!e.before.IsLeaf() || !e.frame.Page.IsLeaf()) {
			return true
		}
	}
	return false
}

func (s *Scope) release() {
	for _, e := range slices.Backward(s.memo) {
		switch e.mode {
		case Shared:
			e.frame.RUnlock()
		case Exclusive:
			e.frame.Unlock()
		}
		s.env.cache.Unpin(e.frame)
	}
	s.memo = nil
	clear(s.byID)

	switch s.tree {
	case Exclusive:
		s.env.tree.Unlock()
	case Shared:
		s.env.tree.RUnlock()
	}
	s.tree = NoLatch

	if s.write {
		s.env.checkpoint.RUnlock()
	}
	s.done = true
}
