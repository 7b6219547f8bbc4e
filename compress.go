package btrcore

import (
	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// compressRecommended reports whether the page of f should be merged: it
// is filled below the merge threshold, or alone on its level.
func (t *Tree) compressRecommended(f *cache.Frame) bool {
	if f.ID == t.root {
		return false
	}
	p := f.Page
	return p.DataSize() < t.compressLimit || (p.Prev == base.NilPage && p.Next == base.NilPage)
}

// canDeleteWithoutCompress reports whether a record of size bytes can be
// removed from the page of f without the page needing a merge.
func (t *Tree) canDeleteWithoutCompress(f *cache.Frame, size int) bool {
	if f.ID == t.root {
		return true
	}
	p := f.Page
	alone := p.Prev == base.NilPage && p.Next == base.NilPage
	return p.DataSize()-size >= t.compressLimit && !alone && p.NRecs() >= 2
}

func (t *Tree) compressIfUseful(s *scope.Scope, f *cache.Frame) (bool, error) {
	if !t.compressRecommended(f) {
		return false, nil
	}
	return t.compress(s, f)
}

// compress merges the page of f into its left sibling, or into its right
// sibling if it is the first page of its level. A page alone on its level
// is lifted into its father. It returns false if the records do not fit on
// the sibling.
func (t *Tree) compress(s *scope.Scope, f *cache.Frame) (bool, error) {
	t.assertTreeX(s)

	p := f.Page
	left, right := p.Prev, p.Next
	if left == base.NilPage && right == base.NilPage {
		return true, t.liftPageUp(s, f)
	}

	isLeft := left != base.NilPage
	mergeID := right
	if isLeft {
		mergeID = left
	}
	mf, err := s.Fetch(mergeID, scope.Exclusive)
	if err != nil {
		return false, err
	}
	mp := mf.Page
	if mp.Level != p.Level || (isLeft && mp.Next != f.ID) || (!isLeft && mp.Prev != f.ID) {
		return false, t.corruption("sibling does not link back", f, mf)
	}

	n := p.NRecs()
	data := p.DataSize()
	if data > mp.MaxInsertSizeAfterReorganize(n) {
		return false, nil
	}
	if data > mp.MaxInsertSize(n) {
		if err := t.reorganize(s, mf); err != nil {
			return false, err
		}
	}

	if isLeft {
		if !p.CopyStartTo(s.Modify(mf), n) {
			return false, t.corruption("merge into left sibling does not fit", f, mf)
		}
		if err := t.levelListRemove(s, f); err != nil {
			return false, err
		}
		if err := t.nodePtrDelete(s, f); err != nil {
			return false, err
		}
		t.notify(LockMergeLeft, mf.ID, f.ID)
		t.stats.mergesLeft.Add(1)
	} else {
		// The page is the first of its level, so its node pointer is the
		// first on the level above. It is repointed to the sibling, whose
		// own pointer goes away.
		fc, err := t.fatherCursor(s, f)
		if err != nil {
			return false, err
		}
		if !p.CopyEndTo(s.Modify(mf), 0) {
			return false, t.corruption("merge into right sibling does not fit", f, mf)
		}
		if err := t.levelListRemove(s, f); err != nil {
			return false, err
		}
		t.setChild(s, fc, mf.ID)
		if err := t.nodePtrDelete(s, mf); err != nil {
			return false, err
		}
		t.notify(LockMergeRight, mf.ID, f.ID)
		t.stats.mergesRight.Add(1)
	}

	mf.BumpClock()
	t.stats.recordsMoved.Add(uint64(n))
	t.stats.merges.Add(1)
	if err := t.freePage(s, f); err != nil {
		return false, err
	}
	return true, t.checkNodePtr(s, mf)
}

// liftPageUp moves the records of a page alone on its level up into the
// root, which takes the level of the page. All pages between them are
// alone on their levels too, pointing only to the page below; they are
// freed.
func (t *Tree) liftPageUp(s *scope.Scope, f *cache.Frame) error {
	t.assertTreeX(s)

	// Find the fathers before any of them changes level
	var chain []*cache.Frame
	for cur := f; cur.ID != t.root; {
		fc, err := t.fatherCursor(s, cur)
		if err != nil {
			return err
		}
		father := fc.frame
		if father.Page.NRecs() != 1 {
			return t.corruption("father of a page alone on its level has other children", cur, father)
		}
		chain = append(chain, father)
		cur = father
	}
	if len(chain) == 0 {
		return nil
	}

	p := f.Page
	root := chain[len(chain)-1]
	for _, father := range chain[:len(chain)-1] {
		t.notify(LockCopyAndDiscard, root.ID, father.ID)
		if err := t.freePage(s, father); err != nil {
			return err
		}
	}

	rp := t.pageEmpty(s, root, p.Level)
	if !p.CopyEndTo(rp, 0) {
		// Bulk copy; the root is empty, so nothing needs trimming
		rp.CopyRecordsFrom(p)
	}
	t.notify(LockCopyAndDiscard, root.ID, f.ID)
	t.stats.recordsMoved.Add(uint64(p.NRecs()))
	t.stats.lifts.Add(1)
	return t.freePage(s, f)
}

// nodePtrDelete deletes the node pointer to the page of f.
func (t *Tree) nodePtrDelete(s *scope.Scope, f *cache.Frame) error {
	c, err := t.fatherCursor(s, f)
	if err != nil {
		return err
	}
	_, err = t.deleteAt(s, c)
	return err
}

// deleteAt deletes the record at c under the exclusive tree latch and
// merges the page if that is useful. A page losing its last record is
// discarded, unless it is the root. It reports whether the page was merged
// or discarded.
func (t *Tree) deleteAt(s *scope.Scope, c cursor) (bool, error) {
	t.assertTreeX(s)

	f := c.frame
	p := f.Page
	if p.NRecs() < 2 && f.ID != t.root {
		return true, t.discardPage(s, f)
	}

	if !p.IsLeaf() && c.pos == 0 {
		if p.NRecs() < 2 {
			return false, t.corruption("delete of the only node pointer of the root", f)
		}
		next := p.Records[1]
		if p.Prev == base.NilPage {
			// The new first pointer of the level has no lower bound
			s.Modify(f).Records[1].Info |= base.InfoMinRec
		} else {
			// The father pointer must equal the new first pointer
			if err := t.nodePtrDelete(s, f); err != nil {
				return false, err
			}
			ptr := t.buildNodePtr(next, f.ID)
			if err := t.insertOnNonLeafLevel(s, p.Level+1, ptr, 0); err != nil {
				return false, err
			}
		}
	}

	s.Modify(f).DeleteAt(c.pos)
	f.BumpClock()
	return t.compressIfUseful(s, f)
}

// discardPage removes a page holding at most one record from the tree.
// Its records go nowhere; the caller deletes them.
func (t *Tree) discardPage(s *scope.Scope, f *cache.Frame) error {
	t.assertTreeX(s)

	p := f.Page
	var heir *cache.Frame
	switch {
	case p.Prev != base.NilPage:
		lf, err := s.Fetch(p.Prev, scope.Exclusive)
		if err != nil {
			return err
		}
		heir = lf
	case p.Next != base.NilPage:
		rf, err := s.Fetch(p.Next, scope.Exclusive)
		if err != nil {
			return err
		}
		if rf.Page.NRecs() == 0 {
			return t.corruption("empty right sibling", f, rf)
		}
		if !p.IsLeaf() {
			// The sibling becomes the first page of the level
			s.Modify(rf).Records[0].Info |= base.InfoMinRec
		}
		heir = rf
	default:
		return t.discardOnlyPageOnLevel(s, f)
	}

	if err := t.nodePtrDelete(s, f); err != nil {
		return err
	}
	if err := t.levelListRemove(s, f); err != nil {
		return err
	}
	t.notify(LockDiscard, heir.ID, f.ID)
	t.stats.discards.Add(1)
	return t.freePage(s, f)
}

// discardOnlyPageOnLevel frees a page alone on its level together with the
// chain of fathers above it that point only to it, and empties the root to
// a leaf.
func (t *Tree) discardOnlyPageOnLevel(s *scope.Scope, f *cache.Frame) error {
	t.assertTreeX(s)

	for {
		p := f.Page
		if p.Prev != base.NilPage || p.Next != base.NilPage {
			return t.corruption("page is not alone on its level", f)
		}
		fc, err := t.fatherCursor(s, f)
		if err != nil {
			return err
		}
		father := fc.frame

		t.notify(LockDiscard, father.ID, f.ID)
		t.stats.discards.Add(1)
		if err := t.freePage(s, f); err != nil {
			return err
		}

		if father.ID == t.root {
			t.pageEmpty(s, father, 0)
			return nil
		}
		if father.Page.NRecs() != 1 {
			return t.corruption("father of a page alone on its level has other children", father)
		}
		f = father
	}
}
