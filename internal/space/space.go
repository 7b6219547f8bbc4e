// Package space hands out pages of the tree file to segments.
package space

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/alexhholmes/btrcore/internal/base"
)

const degree = 32

type pageSet = btree.BTreeG[base.PageID]

func newPageSet() *pageSet {
	return btree.NewOrderedG[base.PageID](degree)
}

// Space tracks which pages of the file belong to which segment. Pages that
// belong to no segment are free and are reused before the file grows.
// Page 0 is the meta page and is never handed out.
type Space struct {
	mu       sync.Mutex
	numPages uint64 // high-water mark
	limit    uint64 // 0 = unlimited
	free     *pageSet
	segments map[base.SegmentID]*pageSet
	nextSeg  base.SegmentID
}

// New returns an empty space. limit bounds the number of pages of the file,
// the meta page included.
func New(limit uint64) *Space {
	return &Space{
		numPages: 1,
		limit:    limit,
		free:     newPageSet(),
		segments: make(map[base.SegmentID]*pageSet),
		nextSeg:  1,
	}
}

// CreateSegment returns a new, empty segment.
func (s *Space) CreateSegment() base.SegmentID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSeg
	s.nextSeg++
	s.segments[id] = newPageSet()
	return id
}

// Alloc hands a page to seg. With direction Up the nearest free page at or
// after hint is preferred, with Down the nearest at or before it, and with
// NoDirection the hint itself. Otherwise the file grows, and as a last
// resort any free page is taken.
func (s *Space) Alloc(seg base.SegmentID, hint base.PageID, dir base.Direction) (base.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, ok := s.segments[seg]
	if !ok {
		return base.NilPage, fmt.Errorf("alloc in segment %d: segment does not exist", seg)
	}

	id, found := s.nearest(hint, dir)
	if !found && (s.limit == 0 || s.numPages < s.limit) {
		id, found = base.PageID(s.numPages), true
		s.numPages++
	}
	if !found {
		id, found = s.free.Min()
	}
	if !found {
		return base.NilPage, base.ErrNoSpace
	}

	s.free.Delete(id)
	pages.ReplaceOrInsert(id)
	return id, nil
}

func (s *Space) nearest(hint base.PageID, dir base.Direction) (base.PageID, bool) {
	if hint == base.NilPage || s.free.Len() == 0 {
		return base.NilPage, false
	}

	var (
		id    base.PageID
		found bool
	)
	take := func(p base.PageID) bool {
		id, found = p, true
		return false
	}
	switch dir {
	case base.Up:
		s.free.AscendGreaterOrEqual(hint, take)
	case base.Down:
		s.free.DescendLessOrEqual(hint, take)
	default:
		if s.free.Has(hint) {
			return hint, true
		}
	}
	return id, found
}

// Free returns a page of seg to the free set.
func (s *Space) Free(seg base.SegmentID, id base.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, ok := s.segments[seg]
	if !ok {
		return fmt.Errorf("free page %d: segment %d does not exist", id, seg)
	}
	if _, ok := pages.Delete(id); !ok {
		return fmt.Errorf("free page %d: not owned by segment %d", id, seg)
	}
	s.free.ReplaceOrInsert(id)
	return nil
}

// MarkUsed gives a free page back to seg. It undoes Free.
func (s *Space) MarkUsed(seg base.SegmentID, id base.PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.free.Delete(id)
	if pages, ok := s.segments[seg]; ok {
		pages.ReplaceOrInsert(id)
	}
}

// Reserve checks that n pages can be allocated before a shape change
// starts.
func (s *Space) Reserve(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit == 0 {
		return nil
	}
	avail := uint64(s.free.Len()) + s.limit - min(s.numPages, s.limit)
	if avail < uint64(n) {
		return fmt.Errorf("reserve %d pages, %d available: %w", n, avail, base.ErrNoSpace)
	}
	return nil
}

// Reserved returns the number of pages owned by seg.
func (s *Space) Reserved(seg base.SegmentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pages, ok := s.segments[seg]; ok {
		return pages.Len()
	}
	return 0
}

// Pages returns the pages of seg in ascending order.
func (s *Space) Pages(seg base.SegmentID) []base.PageID {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, ok := s.segments[seg]
	if !ok {
		return nil
	}
	ids := make([]base.PageID, 0, pages.Len())
	pages.Ascend(func(id base.PageID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// DropSegment frees every page of seg and forgets the segment.
func (s *Space) DropSegment(seg base.SegmentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, ok := s.segments[seg]
	if !ok {
		return 0
	}
	n := pages.Len()
	pages.Ascend(func(id base.PageID) bool {
		s.free.ReplaceOrInsert(id)
		return true
	})
	delete(s.segments, seg)
	return n
}

// NumPages is the high-water mark of the file, the meta page included.
func (s *Space) NumPages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

// FreePages is the number of pages owned by no segment.
func (s *Space) FreePages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.Len()
}
