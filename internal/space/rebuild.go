package space

import (
	"errors"

	"github.com/alexhholmes/btrcore/internal/base"
)

// Owner reports the segment of a page, or 0 if the page is free.
type Owner func(id base.PageID) (base.SegmentID, error)

// ErrSkip tells Rebuild to treat a page as free.
var ErrSkip = errors.New("skip page")

// Rebuild reconstructs a space of numPages pages from page ownership. It is
// used on open; segments named by owner are created as they are found.
func Rebuild(numPages, limit uint64, owner Owner) (*Space, error) {
	s := New(limit)
	s.numPages = max(numPages, 1)

	for id := base.PageID(1); uint64(id) < s.numPages; id++ {
		seg, err := owner(id)
		if errors.Is(err, ErrSkip) {
			seg, err = 0, nil
		}
		if err != nil {
			return nil, err
		}
		if seg == 0 {
			s.free.ReplaceOrInsert(id)
			continue
		}
		pages, ok := s.segments[seg]
		if !ok {
			pages = newPageSet()
			s.segments[seg] = pages
		}
		pages.ReplaceOrInsert(id)
		s.nextSeg = max(s.nextSeg, seg+1)
	}
	return s, nil
}

// EnsureSegment registers seg if no page of it was found on rebuild.
func (s *Space) EnsureSegment(seg base.SegmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[seg]; !ok {
		s.segments[seg] = newPageSet()
	}
	s.nextSeg = max(s.nextSeg, seg+1)
}
