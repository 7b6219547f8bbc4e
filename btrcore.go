// Package btrcore is the structural core of a page-based B-tree index: it
// splits, merges, lifts and discards index pages, keeps node pointers and
// sibling links consistent, and commits every change as one atomic
// mini-transaction of page images.
//
// Records are opaque beyond their key. A Tree stores unique keys with
// values, in memory (New) or in a memory-mapped file with a redo log (Open).
//
//	tree, err := btrcore.Open("index.db")
//	if err != nil {
//		return err
//	}
//	defer tree.Close()
//
//	err = tree.Insert([]byte("k"), []byte("v"))
package btrcore

import (
	"bytes"
	"errors"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// Limits of keys and values.
const (
	MaxKeySize   = base.MaxKeySize
	MaxValueSize = base.MaxValueSize
)

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	return nil
}

// Insert adds key with value. It returns ErrKeyExists if key is present.
func (t *Tree) Insert(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	if err := t.writable(); err != nil {
		return err
	}
	rec := base.NewRecord(key, value)

	s := t.env.Begin(true)
	done, err := t.insertOptimistic(s, rec)
	if err != nil || done {
		return t.finish(s, err)
	}
	// The leaf is full. The scope gave up the tree latch and cannot take
	// it back, so the split runs in a new one.
	if err := t.finish(s, nil); err != nil {
		return err
	}

	s = t.env.Begin(true)
	s.XLockTree()
	return t.finish(s, t.insertPessimistic(s, rec))
}

// insertOptimistic inserts rec if it fits on its leaf, touching no other
// page. It returns false, with nothing changed, if the leaf must split.
func (t *Tree) insertOptimistic(s *scope.Scope, rec *base.Record) (bool, error) {
	c, err := t.searchLeaf(s, rec, scope.Exclusive)
	if err != nil {
		return false, err
	}
	if c.pos >= 0 && t.codec.Compare(c.rec(), rec) == 0 {
		return false, ErrKeyExists
	}

	f, p := c.frame, c.page()
	size := t.codec.ConvertedSize(rec)
	maxSize := p.MaxInsertSizeAfterReorganize(1)
	if (maxSize < base.PageSize/32 || maxSize < size) && p.NRecs() > 1 && p.MaxInsertSize(1) < size {
		return false, nil
	}
	if !p.Fits(size) {
		if size > maxSize {
			return false, nil
		}
		if err := t.reorganize(s, f); err != nil {
			return false, err
		}
	}
	if !s.Modify(f).InsertAt(c.pos+1, rec) {
		return false, nil
	}
	return true, nil
}

func (t *Tree) insertPessimistic(s *scope.Scope, rec *base.Record) error {
	c, err := t.searchToLevel(s, rec, 0)
	if err != nil {
		return err
	}
	if c.pos >= 0 && t.codec.Compare(c.rec(), rec) == 0 {
		return ErrKeyExists
	}

	// A split on every level, the root raise and one retry
	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return err
	}
	if err := t.reserve(s, int(rf.Page.Level)+3); err != nil {
		return err
	}
	return t.insertAt(s, c, rec, 0)
}

// Delete removes key. It returns ErrKeyNotFound if key is not present.
func (t *Tree) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := t.writable(); err != nil {
		return err
	}
	tuple := base.NewRecord(key)

	s := t.env.Begin(true)
	done, err := t.deleteOptimistic(s, tuple)
	if err != nil || done {
		return t.finish(s, err)
	}
	if err := t.finish(s, nil); err != nil {
		return err
	}

	s = t.env.Begin(true)
	s.XLockTree()
	return t.finish(s, t.deletePessimistic(s, tuple))
}

// deleteOptimistic deletes the record of tuple if its leaf needs no merge
// afterwards.
func (t *Tree) deleteOptimistic(s *scope.Scope, tuple *base.Record) (bool, error) {
	c, err := t.searchLeaf(s, tuple, scope.Exclusive)
	if err != nil {
		return false, err
	}
	if c.pos < 0 || t.codec.Compare(c.rec(), tuple) != 0 {
		return false, ErrKeyNotFound
	}
	if !t.canDeleteWithoutCompress(c.frame, t.codec.ConvertedSize(c.rec())) {
		return false, nil
	}
	s.Modify(c.frame).DeleteAt(c.pos)
	c.frame.BumpClock()
	return true, nil
}

func (t *Tree) deletePessimistic(s *scope.Scope, tuple *base.Record) error {
	c, err := t.searchToLevel(s, tuple, 0)
	if err != nil {
		return err
	}
	if c.pos < 0 || t.codec.Compare(c.rec(), tuple) != 0 {
		return ErrKeyNotFound
	}

	// Moving the first node pointer of a page may split its father
	rf, err := s.Fetch(t.root, scope.Exclusive)
	if err != nil {
		return err
	}
	if level := int(rf.Page.Level); level > 0 {
		if err := t.reserve(s, level+1); err != nil {
			return err
		}
	}
	_, err = t.deleteAt(s, c)
	return err
}

// Get returns a copy of the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	tuple := base.NewRecord(key)

	var value []byte
	err := t.view(func(s *scope.Scope) error {
		c, err := t.searchLeaf(s, tuple, scope.Shared)
		if err != nil {
			return err
		}
		if c.pos < 0 || t.codec.Compare(c.rec(), tuple) != 0 {
			return ErrKeyNotFound
		}
		value = bytes.Clone(c.rec().Fields[1])
		return nil
	})
	return value, err
}

// Scan calls fn for every key at or after start, in order, until fn
// returns false. A nil start scans from the first key. fn runs with no
// latch held and may modify the tree; the scan continues after the last
// key it returned.
func (t *Tree) Scan(start []byte, fn func(key, value []byte) bool) error {
	if err := t.readable(); err != nil {
		return err
	}

	var sc savedCursor
	from := base.NewRecord(start)
	for {
		recs, more, err := t.scanLeaf(&sc, from)
		if err != nil {
			if errors.Is(err, ErrCorruption) {
				t.markCorrupt(err)
			}
			return err
		}
		for _, r := range recs {
			if !fn(r.Fields[0], r.Fields[1]) {
				return nil
			}
		}
		if !more {
			return nil
		}
	}
}

// scanLeaf returns copies of the records of the next leaf holding records
// not returned yet, and saves the position after them in sc.
func (t *Tree) scanLeaf(sc *savedCursor, from *base.Record) ([]*base.Record, bool, error) {
	s := t.env.Begin(false)
	defer s.Commit()

	// Leaves are only crossed under the tree latch
	s.SLockTree()

	var c cursor
	var err error
	if sc.last == nil {
		if c, err = t.descend(s, from, scope.Shared); err != nil {
			return nil, false, err
		}
		if c.pos < 0 || t.codec.Compare(c.rec(), from) < 0 {
			c.pos++
		}
	} else if c, err = t.restore(s, sc); err != nil {
		return nil, false, err
	}

	// Only the root can be empty, so one step reaches a record
	if n := c.page().NRecs(); c.pos >= n {
		next, ok, err := t.nextUserRec(s, cursor{frame: c.frame, pos: n - 1}, scope.Shared)
		if err != nil || !ok {
			return nil, false, err
		}
		c = next
	}
	s.ReleaseTree()

	src := c.page().Records[c.pos:]
	recs := make([]*base.Record, len(src))
	for i, r := range src {
		recs[i] = r.Clone()
	}
	sc.save(c.frame, recs[len(recs)-1])
	return recs, true, nil
}
