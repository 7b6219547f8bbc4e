package base

import "math"

const (
	PageSize = 4096

	PageHeaderSize  = 96 // See image.go for the field layout
	PageTrailerSize = 8  // xxhash of everything before the trailer

	// The record directory is sparse: one two-byte slot owns at least
	// DirSlotMinOwned records. Slots are accounted for but not materialized.
	DirSlotSize     = 2
	DirSlotMinOwned = 4

	// EmptyFreeSpace is the space for records and directory slots on a newly
	// created page. The infimum and supremum sentinels hold two slots.
	EmptyFreeSpace = PageSize - PageHeaderSize - PageTrailerSize - 2*DirSlotSize

	RecordHeaderSize = 3 // info(1) + field count(2)
	FieldLenSize     = 2

	// MaxRecordSize bounds a converted record so that two of them always fit
	// on an empty page. Splitting relies on this.
	MaxRecordSize = (EmptyFreeSpace - DirSlotSize) / 2

	MaxKeySize   = 512
	MaxValueSize = MaxRecordSize - RecordHeaderSize - 2*FieldLenSize - MaxKeySize

	// ChildFieldSize is the width of the trailing child id of a node pointer.
	ChildFieldSize = 8
)

// Two maximum-size records plus their directory slot fit on an empty page.
const _ uint = EmptyFreeSpace - 2*MaxRecordSize -
	(2*DirSlotSize+DirSlotMinOwned-1)/DirSlotMinOwned

type PageID uint64

// NilPage is the "none" value of sibling links, free-list links and hints.
const NilPage PageID = math.MaxUint64

// SegmentID names a file segment. Zero is never a valid segment.
type SegmentID uint32

// Page flags
const (
	FlagFree     uint16 = 0x01 // returned to its segment
	FlagInternal uint16 = 0x02 // belongs to an internal free-list tree
	FlagFreeList uint16 = 0x04 // parked on the internal tree's free list
)

// Direction is both the placement bias of a page allocation and the
// direction of consecutive inserts tracked on a page.
type Direction uint8

const (
	NoDirection Direction = iota
	Up                    // ascending page ids / inserts to the right
	Down                  // descending page ids / inserts to the left
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "none"
	}
}

// DirReserved returns the directory space reserved for n user records.
func DirReserved(n int) int {
	return (DirSlotSize*n + DirSlotMinOwned - 1) / DirSlotMinOwned
}

// Page is the decoded form of an index page. Records are ordered and sit
// between the virtual infimum (position -1) and supremum (position
// len(Records)) sentinels.
type Page struct {
	ID      PageID
	IndexID uint64
	Segment SegmentID
	Level   uint16 // 0 = leaf
	Flags   uint16
	Prev    PageID
	Next    PageID

	Records []*Record

	HeapTop int // heap bytes in use, garbage included
	Garbage int // bytes of deleted records not yet reclaimed

	// Insert heuristics. LastInsert is nil after any delete or bulk move.
	LastInsert *Record
	Direction  Direction
	NDirection int

	// Root page only
	SegLeaf  SegmentID
	SegTop   SegmentID
	FreeHead PageID
	FreeLen  uint32

	FreeNext PageID // internal tree free-list link
}

// NewPage returns an empty page with no siblings.
func NewPage(id PageID, indexID uint64, seg SegmentID, level uint16) *Page {
	return &Page{
		ID:       id,
		IndexID:  indexID,
		Segment:  seg,
		Level:    level,
		Prev:     NilPage,
		Next:     NilPage,
		FreeHead: NilPage,
		FreeNext: NilPage,
	}
}

func (p *Page) IsLeaf() bool {
	return p.Level == 0
}

func (p *Page) IsFree() bool {
	return p.Flags&FlagFree != 0
}

func (p *Page) NRecs() int {
	return len(p.Records)
}

// DataSize is the byte size of the user records.
func (p *Page) DataSize() int {
	return p.HeapTop - p.Garbage
}

// MaxInsertSize returns the largest total size of n records that can be
// inserted without reorganizing the page.
func (p *Page) MaxInsertSize(n int) int {
	occupied := p.HeapTop + DirReserved(len(p.Records)+n)
	return max(EmptyFreeSpace-occupied, 0)
}

// MaxInsertSizeAfterReorganize is MaxInsertSize with the garbage reclaimed.
func (p *Page) MaxInsertSizeAfterReorganize(n int) int {
	occupied := p.DataSize() + DirReserved(len(p.Records)+n)
	return max(EmptyFreeSpace-occupied, 0)
}

// Fits reports whether a record of the given size can be inserted as is.
func (p *Page) Fits(size int) bool {
	return size <= p.MaxInsertSize(1)
}

// InsertAt inserts r at position pos, after the record at pos-1, and updates
// the last-insert heuristics. It returns false if r does not fit.
func (p *Page) InsertAt(pos int, r *Record) bool {
	size := r.Size()
	if pos < 0 || pos > len(p.Records) || !p.Fits(size) {
		return false
	}

	switch {
	case p.LastInsert == nil:
		p.Direction, p.NDirection = NoDirection, 0
	case pos > 0 && p.Records[pos-1] == p.LastInsert && p.Direction != Down:
		p.Direction = Up
		p.NDirection++
	case pos < len(p.Records) && p.Records[pos] == p.LastInsert && p.Direction != Up:
		p.Direction = Down
		p.NDirection++
	default:
		p.Direction, p.NDirection = NoDirection, 0
	}

	p.Records = append(p.Records, nil)
	copy(p.Records[pos+1:], p.Records[pos:])
	p.Records[pos] = r
	p.HeapTop += size
	p.LastInsert = r

	assertHeap("InsertAt", p)
	return true
}

// DeleteAt removes the record at pos. Its space becomes garbage.
func (p *Page) DeleteAt(pos int) {
	p.Garbage += p.Records[pos].Size()
	p.Records = append(p.Records[:pos], p.Records[pos+1:]...)
	p.LastInsert = nil
	assertHeap("DeleteAt", p)
}

// DeleteEnd removes the records from position from to the end.
func (p *Page) DeleteEnd(from int) {
	for _, r := range p.Records[from:] {
		p.Garbage += r.Size()
	}
	clear(p.Records[from:])
	p.Records = p.Records[:from]
	p.LastInsert = nil
	assertHeap("DeleteEnd", p)
}

// DeleteStart removes the records before position to.
func (p *Page) DeleteStart(to int) {
	for _, r := range p.Records[:to] {
		p.Garbage += r.Size()
	}
	p.Records = append(p.Records[:0:0], p.Records[to:]...)
	p.LastInsert = nil
	assertHeap("DeleteStart", p)
}

// CopyEndTo copies the records from position from to the end of p onto the
// start of dst. Nothing is copied and false is returned if they do not fit.
func (p *Page) CopyEndTo(dst *Page, from int) bool {
	moved := p.Records[from:]
	if !dst.fitsAll(moved) {
		return false
	}

	recs := make([]*Record, 0, len(moved)+len(dst.Records))
	for _, r := range moved {
		recs = append(recs, r.Clone())
		dst.HeapTop += r.Size()
	}
	dst.Records = append(recs, dst.Records...)
	dst.LastInsert = nil
	assertHeap("CopyEndTo", dst)
	return true
}

// CopyStartTo copies the records before position to onto the end of dst.
// Nothing is copied and false is returned if they do not fit.
func (p *Page) CopyStartTo(dst *Page, to int) bool {
	moved := p.Records[:to]
	if !dst.fitsAll(moved) {
		return false
	}

	for _, r := range moved {
		dst.Records = append(dst.Records, r.Clone())
		dst.HeapTop += r.Size()
	}
	dst.LastInsert = nil
	assertHeap("CopyStartTo", dst)
	return true
}

// CopyRecordsFrom replaces the record heap of p with a copy of src's,
// garbage included, leaving the identity, level and links of p untouched.
// It is the first half of a copy-then-trim move.
func (p *Page) CopyRecordsFrom(src *Page) {
	p.Records = make([]*Record, len(src.Records))
	for i, r := range src.Records {
		p.Records[i] = r.Clone()
	}
	p.HeapTop = src.HeapTop
	p.Garbage = src.Garbage
	p.LastInsert = nil
	p.Direction, p.NDirection = NoDirection, 0
}

func (p *Page) fitsAll(recs []*Record) bool {
	size := 0
	for _, r := range recs {
		size += r.Size()
	}
	return size <= p.MaxInsertSize(len(recs))
}

// Empty drops all records and heap state and sets the level. Links and
// header fields of the root are kept. As in Restore, the level and flags are
// only written when they change.
func (p *Page) Empty(level uint16) {
	clear(p.Records)
	p.Records = p.Records[:0]
	p.HeapTop = 0
	p.Garbage = 0
	p.LastInsert = nil
	p.Direction, p.NDirection = NoDirection, 0
	if p.Level != level {
		p.Level = level
	}
	if flags := p.Flags &^ (FlagFree | FlagFreeList); p.Flags != flags {
		p.Flags = flags
	}
}

// Clone returns a deep copy of p.
func (p *Page) Clone() *Page {
	c := *p
	c.Records = make([]*Record, len(p.Records))
	c.LastInsert = nil
	for i, r := range p.Records {
		c.Records[i] = r.Clone()
		if r == p.LastInsert {
			c.LastInsert = c.Records[i]
		}
	}
	return &c
}

// Restore overwrites p with the state of a clone taken earlier. The header
// fields a descent reads before latching are only written when they differ,
// so unlatched readers of a page that kept its header never race with a
// restore.
func (p *Page) Restore(from *Page) {
	p.ID = from.ID
	if p.IndexID != from.IndexID {
		p.IndexID = from.IndexID
	}
	if p.Segment != from.Segment {
		p.Segment = from.Segment
	}
	if p.Level != from.Level {
		p.Level = from.Level
	}
	if p.Flags != from.Flags {
		p.Flags = from.Flags
	}
	p.Prev = from.Prev
	p.Next = from.Next
	p.Records = from.Records
	p.HeapTop = from.HeapTop
	p.Garbage = from.Garbage
	p.LastInsert = from.LastInsert
	p.Direction = from.Direction
	p.NDirection = from.NDirection
	p.SegLeaf = from.SegLeaf
	p.SegTop = from.SegTop
	p.FreeHead = from.FreeHead
	p.FreeLen = from.FreeLen
	p.FreeNext = from.FreeNext
}

// MarkFree clears the page and flags it as returned to its segment.
func (p *Page) MarkFree() {
	p.Empty(0)
	p.Prev, p.Next = NilPage, NilPage
	p.Flags |= FlagFree
}
