package btrcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// Report is the result of Validate.
type Report struct {
	Levels  int
	Pages   int
	Records int

	// Defects found on the way. The walk continues past them.
	Defects []*CorruptionError

	// Interrupted is set when the context ended the walk early. The counts
	// cover the pages checked until then.
	Interrupted bool
}

// OK reports whether the whole tree was checked and no defect was found.
func (r *Report) OK() bool {
	return !r.Interrupted && len(r.Defects) == 0
}

// Validate checks the structure of the whole tree level by level, from the
// root down, under the exclusive tree latch. Defects are collected in the
// report and logged. A level that does not match its position in the tree,
// or an empty page other than the root, ends the walk with a
// *CorruptionError.
//
// The context is checked between levels and between pages; a cancelled
// walk returns the partial report and a nil error.
func (t *Tree) Validate(ctx context.Context) (*Report, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}

	// Father searches latch pages exclusively, which needs a write scope;
	// nothing is modified.
	s := t.env.Begin(true)
	s.XLockTree()
	defer s.Commit()

	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return nil, err
	}
	rep := &Report{Levels: int(rf.Page.Level) + 1}

	v := &validator{t: t, s: s, ctx: ctx, rep: rep}
	for level, first := int(rf.Page.Level), t.root; level >= 0; level-- {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return rep, nil
		}
		if first, err = v.level(first, uint16(level)); err != nil {
			if errors.Is(err, ErrCorruption) {
				t.markCorrupt(err)
			}
			return rep, err
		}
		if rep.Interrupted {
			return rep, nil
		}
	}
	return rep, nil
}

type validator struct {
	t   *Tree
	s   *scope.Scope
	ctx context.Context
	rep *Report
}

func (v *validator) defect(reason string, frames ...*cache.Frame) {
	e := v.t.corruption(reason, frames...)
	v.rep.Defects = append(v.rep.Defects, e)
	v.t.log.Error("index validation defect",
		"page", e.Page, "level", e.Level, "reason", reason, "dump", e.Dump())
}

// level walks the level starting at its first page and returns the first
// page of the level below.
func (v *validator) level(first base.PageID, level uint16) (base.PageID, error) {
	t, s := v.t, v.s

	below := base.NilPage
	prevID := base.NilPage
	for id := first; id != base.NilPage; {
		if v.ctx.Err() != nil {
			v.rep.Interrupted = true
			return base.NilPage, nil
		}

		sp := s.Savepoint()
		f, err := s.Fetch(id, scope.Exclusive)
		if err != nil {
			return base.NilPage, err
		}
		p := f.Page
		if p.Level != level {
			return base.NilPage, t.corruption(fmt.Sprintf("page on level %d found at level %d", p.Level, level), f)
		}
		if p.NRecs() == 0 && id != t.root {
			return base.NilPage, t.corruption("empty page", f)
		}
		if p.IsFree() {
			v.defect("free page linked into the tree", f)
		}
		if p.IndexID != t.indexID {
			v.defect(fmt.Sprintf("page of index %d", p.IndexID), f)
		}
		if p.Prev != prevID {
			v.defect(fmt.Sprintf("left link %s, previous page is %s", p.Prev, prevID), f)
		}

		if err := v.records(f); err != nil {
			return base.NilPage, err
		}
		if id != t.root {
			if err := v.father(f); err != nil {
				return base.NilPage, err
			}
		}

		if id == first && !p.IsLeaf() && p.NRecs() > 0 {
			below = childOf(p.Records[0])
		}
		v.rep.Pages++
		v.rep.Records += p.NRecs()
		prevID, id = id, p.Next
		s.ReleaseTo(sp)
	}
	return below, nil
}

// records checks order, shape and minimum markers on the page of f.
func (v *validator) records(f *cache.Frame) error {
	t, p := v.t, f.Page

	if p.NRecs() > 0 && p.Prev != base.NilPage {
		prev, ok, err := t.prevUserRec(v.s, cursor{frame: f, pos: 0}, scope.Exclusive)
		var ce *CorruptionError
		switch {
		case errors.As(err, &ce):
			v.defect(ce.Reason, f)
		case err != nil:
			return err
		case ok && t.codec.Compare(prev.rec(), p.Records[0]) >= 0:
			v.defect("first record does not follow the left sibling", f, prev.frame)
		}
	}
	for i, r := range p.Records {
		if i > 0 && t.codec.Compare(p.Records[i-1], r) >= 0 {
			v.defect(fmt.Sprintf("record %d out of order", i), f)
		}
		if reason := t.validateRecord(p, r); reason != "" {
			v.defect(fmt.Sprintf("record %d: %s", i, reason), f)
		}

		wantMin := !p.IsLeaf() && i == 0 && p.Prev == base.NilPage
		switch {
		case wantMin && !r.IsMin():
			v.defect("first node pointer of the level is not marked minimum", f)
		case !wantMin && r.IsMin():
			v.defect(fmt.Sprintf("record %d marked minimum", i), f)
		}
	}
	return nil
}

// validateRecord returns why r cannot be a record of p, or "".
func (t *Tree) validateRecord(p *base.Page, r *base.Record) string {
	if p.IsLeaf() {
		if n := len(r.Fields); n != t.codec.LeafFields() {
			return fmt.Sprintf("leaf record has %d fields, want %d", n, t.codec.LeafFields())
		}
		return ""
	}
	if n := len(r.Fields); n != t.codec.UniqueFields()+1 {
		return fmt.Sprintf("node pointer has %d fields, want %d", n, t.codec.UniqueFields()+1)
	}
	switch child := base.ReadChild(r); {
	case child == base.NilPage:
		return "node pointer without child"
	case child == p.ID || child == base.MetaPageID:
		return fmt.Sprintf("node pointer to page %s", child)
	}
	return ""
}

// father checks the node pointer to the page of f and its placement
// relative to the pointer of the right sibling.
func (v *validator) father(f *cache.Frame) error {
	t, s, p := v.t, v.s, f.Page

	fc, err := t.fatherCursor(s, f)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			v.defect(ce.Reason, f)
			return nil
		}
		return err
	}

	// The last record leads to the same pointer
	last := t.buildNodePtr(p.Records[p.NRecs()-1], f.ID)
	lc, err := t.searchToLevel(s, last, p.Level+1)
	if err != nil {
		return err
	}
	if lc.frame != fc.frame || lc.pos != fc.pos {
		v.defect("last record leads to another node pointer", f, fc.frame, lc.frame)
	}

	if !p.IsLeaf() && t.codec.Compare(fc.rec(), p.Records[0]) != 0 {
		v.defect("node pointer differs from the first record", f, fc.frame)
	}

	if p.Prev == base.NilPage && (fc.pos != 0 || fc.page().Prev != base.NilPage) {
		v.defect("first page of the level is not the first child", f, fc.frame)
	}

	if p.Next == base.NilPage {
		if fc.pos+1 != fc.page().NRecs() || fc.page().Next != base.NilPage {
			v.defect("last page of the level is not the last child", f, fc.frame)
		}
		return nil
	}

	rf, err := s.Fetch(p.Next, scope.Exclusive)
	if err != nil {
		return err
	}
	if rf.Page.NRecs() == 0 {
		return t.corruption("empty page", rf)
	}
	if rf.Page.Prev != f.ID {
		v.defect(fmt.Sprintf("right sibling links back to %s", rf.Page.Prev), f, rf)
		return nil
	}
	rc, err := t.fatherCursor(s, rf)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			// Reported when the walk gets there
			return nil
		}
		return err
	}
	switch {
	case fc.pos+1 < fc.page().NRecs():
		if rc.frame != fc.frame || rc.pos != fc.pos+1 {
			v.defect("right sibling is not the next child", f, rf, fc.frame)
		}
	case rc.frame.ID != fc.page().Next || rc.pos != 0:
		v.defect("right sibling is not the first child of the next father", f, rf, fc.frame)
	}
	return nil
}
