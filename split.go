package btrcore

import (
	"fmt"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/cache"
	"github.com/alexhholmes/btrcore/internal/record"
	"github.com/alexhholmes/btrcore/internal/scope"
)

// maxSplitAttempts bounds the splits of one insert. The byte-budget split
// point leaves room for the record on its half, so a second attempt is
// already exceptional.
const maxSplitAttempts = 4

// atTuple is the split position meaning that the inserted record is the
// first one of the upper half.
const atTuple = -1

// splitToRight detects ascending inserts: the last insert went to the
// position of c. The upper half gets everything after one record following
// the insert point, or starts at the new record.
func (t *Tree) splitToRight(c cursor) (int, bool) {
	p := c.page()
	if c.pos < 0 || p.LastInsert == nil || p.Records[c.pos] != p.LastInsert {
		return 0, false
	}
	if c.pos+2 >= p.NRecs() {
		return atTuple, true
	}
	return c.pos + 2, true
}

// splitToLeft detects descending inserts: the last insert is the record
// right after the insert point.
func (t *Tree) splitToLeft(c cursor) (int, bool) {
	p := c.page()
	next := c.pos + 1
	if next >= p.NRecs() || p.LastInsert == nil || p.Records[next] != p.LastInsert {
		return 0, false
	}
	// In the middle of a page, the record before the new one moves to the
	// upper half as well.
	if c.pos > 0 {
		return c.pos, true
	}
	return next, true
}

// sureSplitPos picks the split position by bytes: records (and the
// inserted one, after c) are included in the lower half until half of the
// total is reached. The result leaves room for the record on its half.
func (t *Tree) sureSplitPos(c cursor, rec *base.Record) int {
	const tuple = -2

	p := c.page()
	size := t.codec.ConvertedSize(rec)
	total := p.DataSize() + size + base.DirReserved(p.NRecs()+1)

	item, incl, n := -1, 0, 0
	for {
		switch item {
		case c.pos:
			item = tuple
		case tuple:
			item = c.pos + 1
		default:
			item++
		}
		if item == tuple {
			incl += size
		} else {
			incl += p.Records[item].Size()
		}
		n++
		if incl+base.DirReserved(n) >= total/2 {
			break
		}
	}

	if incl+base.DirReserved(n) <= base.EmptyFreeSpace {
		// The next item is the first of the upper half, unless there is
		// none.
		var next int
		switch item {
		case c.pos:
			return atTuple
		case tuple:
			next = c.pos + 1
		default:
			next = item + 1
		}
		if next < p.NRecs() {
			item = next
		}
	}
	if item == tuple {
		return atTuple
	}
	return item
}

// insertFits reports whether rec will fit on its half after a split at
// split, assuming the half is reorganized.
func (t *Tree) insertFits(c cursor, split int, rec *base.Record) bool {
	p := c.page()
	total := p.DataSize() + t.codec.ConvertedSize(rec)
	n := p.NRecs() + 1

	// Records [from, to) end up on the other half
	var from, to int
	switch {
	case split == atTuple:
		from, to = 0, c.pos+1
	case t.codec.Compare(rec, p.Records[split]) >= 0:
		from, to = 0, split
	default:
		from, to = split, p.NRecs()
	}

	if total+base.DirReserved(n) <= base.EmptyFreeSpace {
		return true
	}
	for _, r := range p.Records[from:to] {
		total -= r.Size()
		n--
		if total+base.DirReserved(n) <= base.EmptyFreeSpace {
			return true
		}
	}
	return false
}

// splitAndInsert splits the page of c and inserts rec. Node pointers for
// the new page go to the level above, which may split in turn.
func (t *Tree) splitAndInsert(s *scope.Scope, c cursor, rec *base.Record, depth int) error {
	for attempt := 0; ; attempt++ {
		if attempt == maxSplitAttempts {
			return t.corruption(fmt.Sprintf("record of %d bytes does not fit after %d splits",
				rec.Size(), attempt), c.frame)
		}
		if attempt > 0 {
			if s.Sealed() {
				return t.corruption("split retry after the tree latch was released", c.frame)
			}
			t.stats.splitRetries.Add(1)
		}

		next, done, err := t.splitOnce(s, c, rec, attempt, depth)
		if err != nil || done {
			return err
		}
		c = next
	}
}

func (t *Tree) splitOnce(s *scope.Scope, c cursor, rec *base.Record, attempt, depth int) (cursor, bool, error) {
	t.assertTreeX(s)

	f := c.frame
	p := f.Page
	if p.NRecs() == 0 {
		return cursor{}, false, t.corruption("split of an empty page", f)
	}

	// 1. Split point
	dir, hint := base.Up, f.ID+1
	split, ok := 0, false
	if attempt == 0 {
		if split, ok = t.splitToRight(c); ok {
			t.stats.splitsToRight.Add(1)
		} else if split, ok = t.splitToLeft(c); ok {
			t.stats.splitsToLeft.Add(1)
			dir, hint = base.Down, f.ID-1
		}
	}
	if !ok {
		split = t.sureSplitPos(c, rec)
		t.stats.sureSplits.Add(1)
	}
	if split == atTuple {
		t.stats.splitsAtNew.Add(1)
	}
	t.stats.splits.Add(1)

	// 2. The new page, on the same level
	nf, err := t.allocPage(s, hint, dir, p.Level)
	if err != nil {
		return cursor{}, false, err
	}

	// 3. First record of the upper half, and the first record that moves
	firstRec, moveLimit, insertLeft := rec, c.pos+1, false
	if split != atTuple {
		firstRec, moveLimit = p.Records[split], split
		insertLeft = t.codec.Compare(rec, firstRec) < 0
	}
	willFit := t.insertFits(c, split, rec)

	// 4. The tree structure first
	if err := t.attachHalfPages(s, f, nf, firstRec, dir, depth); err != nil {
		return cursor{}, false, err
	}

	// If the insert will fit on its leaf half, the rest touches leaves
	// only and the tree latch can go.
	if willFit && p.IsLeaf() {
		s.ReleaseTree()
	}

	// 5. Move records to the new page
	var left, right *cache.Frame
	moved := t.moveRecords(s, f, nf, moveLimit, dir)
	f.BumpClock()
	if dir == base.Down {
		left, right = nf, f
		t.notify(LockSplitLeft, nf.ID, f.ID)
	} else {
		left, right = f, nf
		t.notify(LockSplitRight, nf.ID, f.ID)
	}
	t.stats.recordsMoved.Add(uint64(moved))

	// 6. Insert on the half the record belongs to
	target := right
	if insertLeft {
		target = left
	}
	pos := record.SearchLE(t.codec, target.Page.Records, rec)
	if s.Modify(target).InsertAt(pos+1, rec) {
		return cursor{}, true, nil
	}

	// 7. Reorganize and retry, and split again if that fails
	if err := t.reorganize(s, target); err != nil {
		return cursor{}, false, err
	}
	if s.Modify(target).InsertAt(pos+1, rec) {
		return cursor{}, true, nil
	}
	return cursor{frame: target, pos: pos}, false, nil
}

// moveRecords moves the records from moveLimit on (Up) or before it (Down)
// from the page of f to the new page of nf. If they cannot be moved one by
// one, the whole page is copied and both sides are trimmed.
func (t *Tree) moveRecords(s *scope.Scope, f, nf *cache.Frame, moveLimit int, dir base.Direction) int {
	p := s.Modify(f)
	np := s.Modify(nf)

	if dir == base.Down {
		if p.CopyStartTo(np, moveLimit) {
			p.DeleteStart(moveLimit)
			return moveLimit
		}
		np.CopyRecordsFrom(p)
		np.DeleteEnd(moveLimit)
		p.DeleteStart(moveLimit)
		return moveLimit
	}

	n := p.NRecs() - moveLimit
	if p.CopyEndTo(np, moveLimit) {
		p.DeleteEnd(moveLimit)
		return n
	}
	np.CopyRecordsFrom(p)
	np.DeleteStart(moveLimit)
	p.DeleteEnd(moveLimit)
	return n
}

// attachHalfPages hooks the new page of nf into the tree next to the page
// of f: the node pointers on the level above and the sibling links.
func (t *Tree) attachHalfPages(s *scope.Scope, f, nf *cache.Frame, firstRec *base.Record, dir base.Direction, depth int) error {
	p := f.Page
	prev, next := p.Prev, p.Next

	var lower, upper *cache.Frame
	if dir == base.Down {
		lower, upper = nf, f

		// The pointer to the page now leads to its lower half
		fc, err := t.fatherCursor(s, f)
		if err != nil {
			return err
		}
		t.setChild(s, fc, nf.ID)
	} else {
		lower, upper = f, nf
	}

	ptr := t.buildNodePtr(firstRec, upper.ID)
	if err := t.insertOnNonLeafLevel(s, p.Level+1, ptr, depth); err != nil {
		return err
	}

	if err := t.linkHalves(s, f, lower, upper, prev, next); err != nil {
		return err
	}
	return nil
}
