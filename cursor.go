package btrcore

import (
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/record"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// cursor is a position on a latched page. pos -1 is the infimum and
// NRecs() the supremum.
type cursor struct {
	frame *cache.Frame
	pos   int
}

func (c cursor) page() *base.Page {
	return c.frame.Page
}

func (c cursor) rec() *base.Record {
	return c.frame.Page.Records[c.pos]
}

// childAt returns the page the node pointer at pos leads to. A search that
// stops on the infimum of a non-leaf page follows the first pointer.
func (t *Tree) childAt(f *cache.Frame, pos int) (base.PageID, error) {
	p := f.Page
	if p.NRecs() == 0 {
		return base.NilPage, t.corruption("empty non-leaf page", f)
	}
	child := childOf(p.Records[max(pos, 0)])
	if child == base.NilPage {
		return base.NilPage, t.corruption(fmt.Sprintf("record %d is not a node pointer", max(pos, 0)), f)
	}
	return child, nil
}

func (t *Tree) checkChild(parent, child *cache.Frame) error {
	c := child.Page
	if c.IsFree() || c.IndexID != t.indexID || c.Level+1 != parent.Page.Level {
		return t.corruption(fmt.Sprintf("node pointer leads to page %d at level %d", child.ID, c.Level), parent, child)
	}
	return nil
}

// searchToLevel descends from the root to level with a less-or-equal
// search for tuple, latching every page on the path exclusively.
func (t *Tree) searchToLevel(s *scope.Scope, tuple *base.Record, level uint16) (cursor, error) {
	t.assertTreeX(s)

	f, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return cursor{}, err
	}
	if f.Page.Level < level {
		return cursor{}, t.corruption(fmt.Sprintf("search to level %d above the root", level), f)
	}
	for {
		p := f.Page
		pos := record.SearchLE(t.codec, p.Records, tuple)
		if p.Level == level {
			return cursor{frame: f, pos: pos}, nil
		}
		id, err := t.childAt(f, pos)
		if err != nil {
			return cursor{}, err
		}
		child, err := s.Fetch(id, scope.Exclusive)
		if err != nil {
			return cursor{}, err
		}
		if err := t.checkChild(f, child); err != nil {
			return cursor{}, err
		}
		f = child
	}
}

// searchLeaf positions on the leaf holding tuple. Non-leaf pages are only
// pinned: they change under the exclusive tree latch alone, which the
// shared tree latch held during the descent excludes. The leaf is latched
// in mode and the tree latch released.
func (t *Tree) searchLeaf(s *scope.Scope, tuple *base.Record, mode scope.LatchMode) (cursor, error) {
	s.SLockTree()
	defer s.ReleaseTree()
	return t.descend(s, tuple, mode)
}

// descend is searchLeaf for a caller that holds the tree latch.
func (t *Tree) descend(s *scope.Scope, tuple *base.Record, mode scope.LatchMode) (cursor, error) {
	f, err := s.Fetch(t.root, scope.NoLatch)
	if err != nil {
		return cursor{}, err
	}
	for !f.Page.IsLeaf() {
		pos := record.SearchLE(t.codec, f.Page.Records, tuple)
		id, err := t.childAt(f, pos)
		if err != nil {
			return cursor{}, err
		}
		// Leaves change under their own latch, so the leaf is latched
		// before its header is read
		childMode := scope.NoLatch
		if f.Page.Level == 1 {
			childMode = mode
		}
		child, err := s.Fetch(id, childMode)
		if err != nil {
			return cursor{}, err
		}
		if err := t.checkChild(f, child); err != nil {
			return cursor{}, err
		}
		f = child
	}

	// A root leaf is reached without descending
	if f.ID == t.root {
		if f, err = s.Fetch(f.ID, mode); err != nil {
			return cursor{}, err
		}
	}
	return cursor{frame: f, pos: record.SearchLE(t.codec, f.Page.Records, tuple)}, nil
}

// prevUserRec returns the record before c on its level, crossing to the
// left sibling if c is on the first record. ok is false on the first
// record of the level.
func (t *Tree) prevUserRec(s *scope.Scope, c cursor, mode scope.LatchMode) (cursor, bool, error) {
	if c.pos > 0 {
		return cursor{frame: c.frame, pos: c.pos - 1}, true, nil
	}
	prev := c.page().Prev
	if prev == base.NilPage {
		return cursor{}, false, nil
	}
	f, err := s.Fetch(prev, mode)
	if err != nil {
		return cursor{}, false, err
	}
	if f.Page.Next != c.frame.ID || f.Page.NRecs() == 0 {
		return cursor{}, false, t.corruption("broken left link", c.frame, f)
	}
	return cursor{frame: f, pos: f.Page.NRecs() - 1}, true, nil
}

// nextUserRec returns the record after c on its level, crossing to the
// right sibling if c is on the last record.
func (t *Tree) nextUserRec(s *scope.Scope, c cursor, mode scope.LatchMode) (cursor, bool, error) {
	if c.pos+1 < c.page().NRecs() {
		return cursor{frame: c.frame, pos: c.pos + 1}, true, nil
	}
	next := c.page().Next
	if next == base.NilPage {
		return cursor{}, false, nil
	}
	f, err := s.Fetch(next, mode)
	if err != nil {
		return cursor{}, false, err
	}
	if f.Page.Prev != c.frame.ID || f.Page.NRecs() == 0 {
		return cursor{}, false, t.corruption("broken right link", c.frame, f)
	}
	return cursor{frame: f, pos: 0}, true, nil
}

// savedCursor remembers a leaf position across scopes. The position is
// trusted again only if the same frame is still resident and its modify
// clock did not move, otherwise the cursor searches from the root.
type savedCursor struct {
	frame *cache.Frame
	clock uint64
	last  *base.Record // last record returned, nil before the first
}

func (sc *savedCursor) save(f *cache.Frame, last *base.Record) {
	sc.frame = f
	sc.clock = f.ModifyClock()
	sc.last = last
}

// restore latches the leaf to resume from and returns the position of the
// first record not returned yet. The caller holds the tree latch shared.
func (t *Tree) restore(s *scope.Scope, sc *savedCursor) (cursor, error) {
	if sc.frame != nil {
		// The page may have been freed since; a failed read falls back to
		// the search as well.
		f, err := s.Fetch(sc.frame.ID, scope.Shared)
		if err == nil && f == sc.frame && f.ModifyClock() == sc.clock {
			return cursor{frame: f, pos: record.SearchLE(t.codec, f.Page.Records, sc.last) + 1}, nil
		}
	}

	c, err := t.descend(s, sc.last, scope.Shared)
	if err != nil {
		return cursor{}, err
	}
	c.pos++
	return c, nil
}
