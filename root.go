package btrcore

import (
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/record"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// create allocates the segments and the root of a new tree. The root lives
// in the top segment and starts as an empty leaf.
func (t *Tree) create() error {
	s := t.env.Begin(true)
	s.XLockTree()
	return t.finish(s, t.createRoot(s))
}

func (t *Tree) createRoot(s *scope.Scope) error {
	if t.kind == KindInternal {
		t.segTop = t.space.CreateSegment()
		t.segLeaf = t.segTop
	} else {
		t.segTop = t.space.CreateSegment()
		t.segLeaf = t.space.CreateSegment()
	}

	id, err := t.space.Alloc(t.segTop, base.NilPage, base.NoDirection)
	if err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	s.OnRollback(func() { _ = t.space.Free(t.segTop, id) })

	f := s.FetchNew(id)
	p := s.Modify(f)
	p.Restore(base.NewPage(id, t.indexID, t.segTop, 0))
	p.SegLeaf, p.SegTop = t.segLeaf, t.segTop
	if t.kind == KindInternal {
		p.Flags = base.FlagInternal
	}
	t.root = id
	t.stats.pagesAllocated.Add(1)
	return nil
}

// pageEmpty drops all records of the page of f and sets its level.
// Persistent cursors positioned on it are invalidated.
func (t *Tree) pageEmpty(s *scope.Scope, f *cache.Frame, level uint16) *base.Page {
	f.BumpClock()
	p := s.Modify(f)
	p.Empty(level)
	return p
}

// raiseHeight makes room on a full root by moving its records to a new page
// one level down, leaving the root with a single pointer to it, and then
// splitting the new page to insert rec.
func (t *Tree) raiseHeight(s *scope.Scope, c cursor, rec *base.Record, depth int) error {
	t.assertTreeX(s)

	root := c.frame
	level := root.Page.Level

	nf, err := t.allocPage(s, root.ID, base.NoDirection, level)
	if err != nil {
		return err
	}
	np := s.Modify(nf)
	rp := s.Modify(root)
	if !rp.CopyEndTo(np, 0) {
		np.CopyRecordsFrom(rp)
	}
	t.notify(LockRootRaise, nf.ID, root.ID)
	t.stats.recordsMoved.Add(uint64(np.NRecs()))

	// The leftmost pointer of a level has no lower bound
	ptr := t.buildNodePtr(np.Records[0], nf.ID)
	ptr.Info |= base.InfoMinRec

	t.pageEmpty(s, root, level+1)
	rp.Prev, rp.Next = base.NilPage, base.NilPage
	if !rp.InsertAt(0, ptr) {
		return t.corruption("node pointer does not fit on an empty root", root)
	}
	t.stats.rootRaises.Add(1)

	pos := record.SearchLE(t.codec, np.Records, rec)
	return t.splitAndInsert(s, cursor{frame: nf, pos: pos}, rec, depth)
}

// reorganize rebuilds the page of f without garbage. The rebuild itself is
// not logged; the result is, as one page image. If the records do not fit
// back the page is left as it was.
func (t *Tree) reorganize(s *scope.Scope, f *cache.Frame) error {
	prev := s.SetLogMode(scope.LogNone)
	defer s.SetLogMode(prev)

	p := s.Modify(f)
	scratch := p.Clone()
	p.Empty(p.Level)
	if !scratch.CopyStartTo(p, scratch.NRecs()) {
		p.Restore(scratch)
		return t.corruption("records do not fit after reorganize", f)
	}
	s.SetLogMode(prev)
	s.Modify(f)

	f.BumpClock()
	t.notify(LockReorganize, f.ID, base.NilPage)
	t.stats.reorganizes.Add(1)
	return nil
}

// Truncate removes all records, freeing every page but the root.
func (t *Tree) Truncate() error {
	if err := t.writable(); err != nil {
		return err
	}
	s := t.env.Begin(true)
	s.XLockTree()
	return t.finish(s, t.freeButNotRoot(s))
}

func (t *Tree) treePages() []base.PageID {
	ids := t.space.Pages(t.segTop)
	if t.segLeaf != t.segTop {
		ids = append(ids, t.space.Pages(t.segLeaf)...)
	}
	return ids
}

func (t *Tree) freeButNotRoot(s *scope.Scope) error {
	for _, id := range t.treePages() {
		if id == t.root {
			continue
		}
		f, err := s.Fetch(id, scope.Exclusive)
		if err != nil {
			return err
		}
		if f.Page.Flags&base.FlagFreeList != 0 {
			continue
		}
		if err := t.freePage(s, f); err != nil {
			return err
		}
	}

	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return err
	}
	t.pageEmpty(s, rf, 0)
	return nil
}

// Drop frees every page of the tree, the root included, drops its
// segments and closes it. The file keeps no tree; opening it again creates
// a new one.
func (t *Tree) Drop() error {
	if err := t.writable(); err != nil {
		return err
	}
	s := t.env.Begin(true)
	s.XLockTree()
	if err := t.finish(s, t.freeRoot(s)); err != nil {
		return err
	}

	for _, seg := range []base.SegmentID{t.segLeaf, t.segTop} {
		t.space.DropSegment(seg)
	}
	t.root = base.NilPage
	return t.Close()
}

func (t *Tree) freeRoot(s *scope.Scope) error {
	for _, id := range t.treePages() {
		f, err := s.Fetch(id, scope.Exclusive)
		if err != nil {
			return err
		}
		f.BumpClock()
		s.Modify(f).MarkFree()
		t.stats.pagesFreed.Add(1)
	}
	return nil
}
