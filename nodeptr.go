package btrcore

import (
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/record"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// buildNodePtr builds the node pointer to child from rec, the first record
// of child: its unique fields followed by the child id. The info bits of
// rec are kept, so a pointer built from a minimum record is one too.
func (t *Tree) buildNodePtr(rec *base.Record, child base.PageID) *base.Record {
	fields := append(record.Prefix(t.codec, rec), base.ChildField(child))
	return &base.Record{Fields: fields, Info: rec.Info}
}

// childOf returns the child page id of a node pointer.
func childOf(r *base.Record) base.PageID {
	return base.ReadChild(r)
}

// fatherCursor positions on the node pointer to the page of f one level
// up.
func (t *Tree) fatherCursor(s *scope.Scope, f *cache.Frame) (cursor, error) {
	t.assertTreeX(s)

	if f.ID == t.root {
		return cursor{}, t.corruption("father of the root requested", f)
	}
	p := f.Page
	if p.NRecs() == 0 {
		return t.scanFather(s, f)
	}

	tuple := t.buildNodePtr(p.Records[0], f.ID)
	c, err := t.searchToLevel(s, tuple, p.Level+1)
	if err != nil {
		return cursor{}, err
	}
	if c.pos < 0 || childOf(c.rec()) != f.ID {
		reason := fmt.Sprintf("father lookup for page %d at level %d found ", f.ID, p.Level)
		if c.pos < 0 {
			reason += "no node pointer"
		} else {
			reason += fmt.Sprintf("a pointer to page %d", childOf(c.rec()))
		}
		return cursor{}, t.corruption(reason, f, c.frame)
	}
	return c, nil
}

// scanFather finds the father of a page that has no record to search with
// by walking the level above it from the left.
func (t *Tree) scanFather(s *scope.Scope, f *cache.Frame) (cursor, error) {
	level := f.Page.Level + 1

	cur, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return cursor{}, err
	}
	for cur.Page.Level > level {
		id, err := t.childAt(cur, 0)
		if err != nil {
			return cursor{}, err
		}
		if cur, err = s.Fetch(id, scope.Exclusive); err != nil {
			return cursor{}, err
		}
	}

	for {
		for i, r := range cur.Page.Records {
			if childOf(r) == f.ID {
				return cursor{frame: cur, pos: i}, nil
			}
		}
		next := cur.Page.Next
		if next == base.NilPage {
			return cursor{}, t.corruption(fmt.Sprintf("no node pointer to page %d on level %d", f.ID, level), f)
		}
		if cur, err = s.Fetch(next, scope.Exclusive); err != nil {
			return cursor{}, err
		}
	}
}

// setChild points the node pointer at c to id.
func (t *Tree) setChild(s *scope.Scope, c cursor, id base.PageID) {
	p := s.Modify(c.frame)
	r := p.Records[c.pos]
	r.Fields[len(r.Fields)-1] = base.ChildField(id)
}

// checkNodePtr verifies that the father pointer of f leads to it and, on
// non-leaf levels, equals its first record.
func (t *Tree) checkNodePtr(s *scope.Scope, f *cache.Frame) error {
	if f.ID == t.root {
		return nil
	}
	c, err := t.fatherCursor(s, f)
	if err != nil {
		return err
	}
	if f.Page.IsLeaf() {
		return nil
	}
	tuple := t.buildNodePtr(f.Page.Records[0], f.ID)
	if t.codec.Compare(tuple, c.rec()) != 0 {
		return t.corruption("node pointer differs from the first record of its child", f, c.frame)
	}
	return nil
}

// insertOnNonLeafLevel inserts a node pointer on level, splitting pages up
// to the root as needed. depth is the recursion depth of the caller.
func (t *Tree) insertOnNonLeafLevel(s *scope.Scope, level uint16, ptr *base.Record, depth int) error {
	c, err := t.searchToLevel(s, ptr, level)
	if err != nil {
		return err
	}
	return t.insertAt(s, c, ptr, depth+1)
}

// insertAt inserts rec after the position of c under the exclusive tree
// latch, reorganizing, splitting or raising the root as needed.
func (t *Tree) insertAt(s *scope.Scope, c cursor, rec *base.Record, depth int) error {
	t.assertTreeX(s)

	f := c.frame
	size := t.codec.ConvertedSize(rec)
	if f.Page.Fits(size) {
		s.Modify(f).InsertAt(c.pos+1, rec)
		return nil
	}
	if size <= f.Page.MaxInsertSizeAfterReorganize(1) {
		if err := t.reorganize(s, f); err != nil {
			return err
		}
		if s.Modify(f).InsertAt(c.pos+1, rec) {
			return nil
		}
	}

	t.stats.noteSplitDepth(depth)
	if f.ID == t.root {
		return t.raiseHeight(s, c, rec, depth)
	}
	return t.splitAndInsert(s, c, rec, depth)
}
