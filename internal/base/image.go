package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// PageMagic identifies an index page image.
const PageMagic uint16 = 0x45bf

// Image is a raw page as stored on disk and in the redo log.
//
// INDEX PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (96 bytes)                                                   │
// │ Magic, Level, Flags, Direction, ID, IndexID, Prev, Next, FreeHead,  │
// │ FreeNext, Segment, SegLeaf, SegTop, FreeLen, NRecs, HeapTop,        │
// │ Garbage, LastInsert, NDirection                                     │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Records, in key order, packed:                                      │
// │   [Info:1][NFields:2][Len:2]*NFields[Field data]                    │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free space (garbage is compacted away when the image is built)      │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Checksum (8 bytes): xxhash64 of the preceding bytes                 │
// └─────────────────────────────────────────────────────────────────────┘
type Image struct {
	Data [PageSize]byte
}

// Header field offsets
const (
	offMagic      = 0
	offLevel      = 2
	offFlags      = 4
	offDirection  = 6
	offID         = 8
	offIndexID    = 16
	offPrev       = 24
	offNext       = 32
	offFreeHead   = 40
	offFreeNext   = 48
	offSegment    = 56
	offSegLeaf    = 60
	offSegTop     = 64
	offFreeLen    = 68
	offNRecs      = 72
	offHeapTop    = 74
	offGarbage    = 76
	offLastInsert = 78
	offNDirection = 80
)

// Checksum computes the xxhash of the image body.
func (img *Image) Checksum() uint64 {
	return xxhash.Sum64(img.Data[:PageSize-PageTrailerSize])
}

// Seal writes the checksum trailer.
func (img *Image) Seal() {
	binary.LittleEndian.PutUint64(img.Data[PageSize-PageTrailerSize:], img.Checksum())
}

// Verify checks the checksum trailer.
func (img *Image) Verify() error {
	if binary.LittleEndian.Uint64(img.Data[PageSize-PageTrailerSize:]) != img.Checksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// Encode writes p into img and seals it. The heap is written compacted.
func (p *Page) Encode(img *Image) error {
	if PageHeaderSize+p.DataSize() > PageSize-PageTrailerSize {
		return ErrPageOverflow
	}
	clear(img.Data[:])
	d := img.Data[:]
	le := binary.LittleEndian

	le.PutUint16(d[offMagic:], PageMagic)
	le.PutUint16(d[offLevel:], p.Level)
	le.PutUint16(d[offFlags:], p.Flags)
	d[offDirection] = byte(p.Direction)
	le.PutUint64(d[offID:], uint64(p.ID))
	le.PutUint64(d[offIndexID:], p.IndexID)
	le.PutUint64(d[offPrev:], uint64(p.Prev))
	le.PutUint64(d[offNext:], uint64(p.Next))
	le.PutUint64(d[offFreeHead:], uint64(p.FreeHead))
	le.PutUint64(d[offFreeNext:], uint64(p.FreeNext))
	le.PutUint32(d[offSegment:], uint32(p.Segment))
	le.PutUint32(d[offSegLeaf:], uint32(p.SegLeaf))
	le.PutUint32(d[offSegTop:], uint32(p.SegTop))
	le.PutUint32(d[offFreeLen:], p.FreeLen)
	le.PutUint16(d[offNRecs:], uint16(len(p.Records)))
	le.PutUint16(d[offHeapTop:], uint16(p.HeapTop))
	le.PutUint16(d[offGarbage:], uint16(p.Garbage))
	le.PutUint16(d[offNDirection:], uint16(p.NDirection))

	var last uint16
	off := PageHeaderSize
	for i, r := range p.Records {
		if r == p.LastInsert {
			last = uint16(i + 1)
		}
		d[off] = r.Info
		le.PutUint16(d[off+1:], uint16(len(r.Fields)))
		off += RecordHeaderSize
		for _, f := range r.Fields {
			le.PutUint16(d[off:], uint16(len(f)))
			off += FieldLenSize
		}
		for _, f := range r.Fields {
			off += copy(d[off:], f)
		}
	}
	le.PutUint16(d[offLastInsert:], last)

	img.Seal()
	return nil
}

// Decode parses an index page image.
func Decode(img *Image) (*Page, error) {
	if err := img.Verify(); err != nil {
		return nil, err
	}
	d := img.Data[:]
	le := binary.LittleEndian
	if le.Uint16(d[offMagic:]) != PageMagic {
		return nil, ErrNotIndexPage
	}

	p := &Page{
		Level:      le.Uint16(d[offLevel:]),
		Flags:      le.Uint16(d[offFlags:]),
		Direction:  Direction(d[offDirection]),
		ID:         PageID(le.Uint64(d[offID:])),
		IndexID:    le.Uint64(d[offIndexID:]),
		Prev:       PageID(le.Uint64(d[offPrev:])),
		Next:       PageID(le.Uint64(d[offNext:])),
		FreeHead:   PageID(le.Uint64(d[offFreeHead:])),
		FreeNext:   PageID(le.Uint64(d[offFreeNext:])),
		Segment:    SegmentID(le.Uint32(d[offSegment:])),
		SegLeaf:    SegmentID(le.Uint32(d[offSegLeaf:])),
		SegTop:     SegmentID(le.Uint32(d[offSegTop:])),
		FreeLen:    le.Uint32(d[offFreeLen:]),
		HeapTop:    int(le.Uint16(d[offHeapTop:])),
		Garbage:    int(le.Uint16(d[offGarbage:])),
		NDirection: int(le.Uint16(d[offNDirection:])),
	}

	n := int(le.Uint16(d[offNRecs:]))
	last := int(le.Uint16(d[offLastInsert:]))
	end := PageSize - PageTrailerSize
	off := PageHeaderSize
	p.Records = make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		if off+RecordHeaderSize > end {
			return nil, ErrInvalidOffset
		}
		r := &Record{Info: d[off]}
		nf := int(le.Uint16(d[off+1:]))
		off += RecordHeaderSize
		if off+nf*FieldLenSize > end {
			return nil, ErrInvalidOffset
		}
		lens := make([]int, nf)
		for j := range lens {
			lens[j] = int(le.Uint16(d[off:]))
			off += FieldLenSize
		}
		r.Fields = make([][]byte, nf)
		for j, l := range lens {
			if off+l > end {
				return nil, ErrInvalidOffset
			}
			r.Fields[j] = append([]byte{}, d[off:off+l]...)
			off += l
		}
		p.Records = append(p.Records, r)
		if i+1 == last {
			p.LastInsert = r
		}
	}
	if off-PageHeaderSize != p.DataSize() {
		return nil, ErrInvalidOffset
	}
	return p, nil
}

// IsZero reports whether the image was never written.
func (img *Image) IsZero() bool {
	for _, b := range img.Data {
		if b != 0 {
			return false
		}
	}
	return true
}
