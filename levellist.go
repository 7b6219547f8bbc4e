package btrcore

import (
	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// levelListRemove unlinks the page of f from the doubly linked list of its
// level.
func (t *Tree) levelListRemove(s *scope.Scope, f *cache.Frame) error {
	p := f.Page
	prev, next := p.Prev, p.Next

	if prev != base.NilPage {
		pf, err := s.Fetch(prev, scope.Exclusive)
		if err != nil {
			return err
		}
		if pf.Page.Next != f.ID {
			return t.corruption("left sibling does not link back", f, pf)
		}
		s.Modify(pf).Next = next
	}
	if next != base.NilPage {
		nf, err := s.Fetch(next, scope.Exclusive)
		if err != nil {
			return err
		}
		if nf.Page.Prev != f.ID {
			return t.corruption("right sibling does not link back", f, nf)
		}
		s.Modify(nf).Prev = prev
	}

	pm := s.Modify(f)
	pm.Prev, pm.Next = base.NilPage, base.NilPage
	return nil
}

// linkHalves links lower and upper, the halves of a split page, between
// prev and next. old is the page that was split; the neighbours must link
// to it.
func (t *Tree) linkHalves(s *scope.Scope, old, lower, upper *cache.Frame, prev, next base.PageID) error {
	if prev != base.NilPage {
		pf, err := s.Fetch(prev, scope.Exclusive)
		if err != nil {
			return err
		}
		if pf.Page.Next != old.ID {
			return t.corruption("left sibling does not link back", old, pf)
		}
		s.Modify(pf).Next = lower.ID
	}
	if next != base.NilPage {
		nf, err := s.Fetch(next, scope.Exclusive)
		if err != nil {
			return err
		}
		if nf.Page.Prev != old.ID {
			return t.corruption("right sibling does not link back", old, nf)
		}
		s.Modify(nf).Prev = upper.ID
	}

	lp := s.Modify(lower)
	lp.Prev, lp.Next = prev, upper.ID
	up := s.Modify(upper)
	up.Prev, up.Next = lower.ID, next
	return nil
}
