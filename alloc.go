package btrcore

import (
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/scope"
)

func (t *Tree) segmentFor(level uint16) base.SegmentID {
	if level == 0 {
		return t.segLeaf
	}
	return t.segTop
}

// allocPage allocates a page for level and returns it initialized and
// exclusively latched. Leaf pages come from the leaf segment and non-leaf
// pages from the top segment; an internal tree pops its free list instead.
// dir biases the placement relative to hint.
func (t *Tree) allocPage(s *scope.Scope, hint base.PageID, dir base.Direction, level uint16) (*cache.Frame, error) {
	t.assertTreeX(s)

	if t.kind == KindInternal {
		return t.allocFromFreeList(s, level)
	}

	seg := t.segmentFor(level)
	id, err := t.space.Alloc(seg, hint, dir)
	if err != nil {
		return nil, fmt.Errorf("allocate page at level %d: %w", level, err)
	}
	s.OnRollback(func() { _ = t.space.Free(seg, id) })

	f := s.FetchNew(id)
	s.Modify(f).Restore(base.NewPage(id, t.indexID, seg, level))
	t.stats.pagesAllocated.Add(1)
	return f, nil
}

func (t *Tree) allocFromFreeList(s *scope.Scope, level uint16) (*cache.Frame, error) {
	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return nil, err
	}
	root := rf.Page
	if root.FreeLen == 0 || root.FreeHead == base.NilPage {
		return nil, ErrFreeListEmpty
	}

	f, err := s.Fetch(root.FreeHead, scope.Exclusive)
	if err != nil {
		return nil, err
	}
	if f.Page.Flags&base.FlagFreeList == 0 {
		return nil, t.corruption("free list head is not on the free list", f, rf)
	}

	rp := s.Modify(rf)
	rp.FreeHead = f.Page.FreeNext
	rp.FreeLen--

	p := s.Modify(f)
	p.Restore(base.NewPage(f.ID, t.indexID, t.segTop, level))
	p.Flags = base.FlagInternal
	t.stats.pagesAllocated.Add(1)
	return f, nil
}

// freePage returns the page of f to its segment, or to the free list of an
// internal tree. Persistent cursors positioned on it are invalidated first.
func (t *Tree) freePage(s *scope.Scope, f *cache.Frame) error {
	t.assertTreeX(s)
	f.BumpClock()

	if t.kind == KindInternal {
		rf, err := s.Fetch(t.root, scope.Exclusive)
		if err != nil {
			return err
		}
		rp := s.Modify(rf)
		p := s.Modify(f)
		p.Empty(0)
		p.Prev, p.Next = base.NilPage, base.NilPage
		p.Flags |= base.FlagInternal | base.FlagFreeList
		p.FreeNext = rp.FreeHead
		rp.FreeHead = f.ID
		rp.FreeLen++
		t.stats.pagesFreed.Add(1)
		return nil
	}

	p := s.Modify(f)
	seg := p.Segment
	if err := t.space.Free(seg, f.ID); err != nil {
		return t.corruption(err.Error(), f)
	}
	s.OnRollback(func() { t.space.MarkUsed(seg, f.ID) })
	p.MarkFree()
	t.stats.pagesFreed.Add(1)
	return nil
}

// reserve checks before a shape change that n pages can be allocated.
func (t *Tree) reserve(s *scope.Scope, n int) error {
	if t.kind == KindInternal {
		rf, err := s.Fetch(t.root, scope.Exclusive)
		if err != nil {
			return err
		}
		if int(rf.Page.FreeLen) < n {
			t.log.Warn("free list too short for a shape change", "need", n, "have", rf.Page.FreeLen)
			return fmt.Errorf("reserve %d pages: %w", n, ErrFreeListEmpty)
		}
		return nil
	}
	if err := t.space.Reserve(n); err != nil {
		t.log.Warn("shape change rejected", "need", n, "error", err)
		return err
	}
	return nil
}

// AddFreePages moves n pages from the segment of an internal tree to its
// free list.
func (t *Tree) AddFreePages(n int) error {
	if t.kind != KindInternal {
		return ErrNotInternal
	}
	if err := t.writable(); err != nil {
		return err
	}

	s := t.env.Begin(true)
	s.XLockTree()
	return t.finish(s, t.addFreePages(s, n))
}

func (t *Tree) addFreePages(s *scope.Scope, n int) error {
	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return err
	}
	rp := s.Modify(rf)

	for range n {
		id, err := t.space.Alloc(t.segTop, rp.FreeHead, base.Up)
		if err != nil {
			return fmt.Errorf("fill free list: %w", err)
		}
		s.OnRollback(func() { _ = t.space.Free(t.segTop, id) })

		f := s.FetchNew(id)
		p := s.Modify(f)
		p.Restore(base.NewPage(id, t.indexID, t.segTop, 0))
		p.Flags = base.FlagInternal | base.FlagFreeList
		p.FreeNext = rp.FreeHead
		rp.FreeHead = id
		rp.FreeLen++
	}
	return nil
}
