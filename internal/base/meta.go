package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	// MagicNumber for file format identification ("btrc" in hex)
	MagicNumber uint32 = 0x62747263

	FormatVersion uint16 = 1

	// MetaPageID is the fixed location of the meta page.
	MetaPageID PageID = 0

	metaBodySize = 52
)

// Meta describes a tree file. It is stored at MetaPageID.
// Layout: [Magic: 4][Version: 2][PageSize: 2][Kind: 2][Reserved: 2]
// [SegLeaf: 4][SegTop: 4][RootPageID: 8][IndexID: 8][NumPages: 8]
// [TxnID: 8][Checksum: 8]
type Meta struct {
	Magic      uint32
	Version    uint16
	PageSize   uint16
	Kind       uint16
	SegLeaf    SegmentID
	SegTop     SegmentID
	RootPageID PageID
	IndexID    uint64
	NumPages   uint64 // high-water mark of the space
	TxnID      uint64 // last committed scope
	Checksum   uint64
}

func (m *Meta) encodeBody(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], m.Magic)
	le.PutUint16(b[4:], m.Version)
	le.PutUint16(b[6:], m.PageSize)
	le.PutUint16(b[8:], m.Kind)
	le.PutUint32(b[12:], uint32(m.SegLeaf))
	le.PutUint32(b[16:], uint32(m.SegTop))
	le.PutUint64(b[20:], uint64(m.RootPageID))
	le.PutUint64(b[28:], m.IndexID)
	le.PutUint64(b[36:], m.NumPages)
	le.PutUint64(b[44:], m.TxnID)
}

// CalculateChecksum computes the xxhash of all fields except Checksum.
func (m *Meta) CalculateChecksum() uint64 {
	var b [metaBodySize]byte
	m.encodeBody(b[:])
	return xxhash.Sum64(b[:])
}

// Validate checks if the metadata is valid
func (m *Meta) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if m.PageSize != PageSize {
		return ErrInvalidPageSize
	}
	if m.Checksum != m.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// Encode writes m into img with a fresh checksum, and seals the image.
func (m *Meta) Encode(img *Image) {
	m.Checksum = m.CalculateChecksum()
	clear(img.Data[:])
	m.encodeBody(img.Data[:])
	binary.LittleEndian.PutUint64(img.Data[metaBodySize:], m.Checksum)
	img.Seal()
}

// DecodeMeta parses and validates a meta page image.
func DecodeMeta(img *Image) (*Meta, error) {
	if err := img.Verify(); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	b := img.Data[:]
	m := &Meta{
		Magic:      le.Uint32(b[0:]),
		Version:    le.Uint16(b[4:]),
		PageSize:   le.Uint16(b[6:]),
		Kind:       le.Uint16(b[8:]),
		SegLeaf:    SegmentID(le.Uint32(b[12:])),
		SegTop:     SegmentID(le.Uint32(b[16:])),
		RootPageID: PageID(le.Uint64(b[20:])),
		IndexID:    le.Uint64(b[28:]),
		NumPages:   le.Uint64(b[36:]),
		TxnID:      le.Uint64(b[44:]),
		Checksum:   le.Uint64(b[metaBodySize:]),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
