// Package record orders and sizes the opaque records stored in tree pages.
package record

import (
	"bytes"
	"sort"

	"github.com/alexhholmes/btrcore/internal/base"
)

// Codec compares and sizes records. The tree never interprets field bytes
// itself; it only compares, sizes and prefixes records through a Codec.
type Codec interface {
	// Compare orders a and b on their unique fields. A record carrying
	// base.InfoMinRec orders before every record without it.
	Compare(a, b *base.Record) int

	// UniqueFields is the number of leading fields that identify a record.
	// Node pointers carry exactly this prefix.
	UniqueFields() int

	// LeafFields is the field count of a leaf record.
	LeafFields() int

	// ConvertedSize is the number of page bytes r occupies.
	ConvertedSize(r *base.Record) int
}

// Bytewise orders records by bytes.Compare on the first NUnique fields.
type Bytewise struct {
	NUnique int
	NFields int
}

// Default is the codec of key/value trees: leaf records are [key, value]
// and the key is unique.
var Default Codec = Bytewise{NUnique: 1, NFields: 2}

func (c Bytewise) Compare(a, b *base.Record) int {
	switch am, bm := a.IsMin(), b.IsMin(); {
	case am && bm:
		return 0
	case am:
		return -1
	case bm:
		return 1
	}

	n := min(c.NUnique, len(a.Fields), len(b.Fields))
	for i := 0; i < n; i++ {
		if cmp := bytes.Compare(a.Fields[i], b.Fields[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(a.Fields) < c.NUnique && len(a.Fields) < len(b.Fields):
		return -1
	case len(b.Fields) < c.NUnique && len(b.Fields) < len(a.Fields):
		return 1
	}
	return 0
}

func (c Bytewise) UniqueFields() int {
	return c.NUnique
}

func (c Bytewise) LeafFields() int {
	return c.NFields
}

func (c Bytewise) ConvertedSize(r *base.Record) int {
	return r.Size()
}

// SearchLE returns the position of the last record in recs that orders at
// or before tuple, or -1 (the infimum) if there is none.
func SearchLE(c Codec, recs []*base.Record, tuple *base.Record) int {
	i := sort.Search(len(recs), func(i int) bool {
		return c.Compare(recs[i], tuple) > 0
	})
	return i - 1
}

// Search returns the position of the record equal to tuple, or the insert
// position and false.
func Search(c Codec, recs []*base.Record, tuple *base.Record) (int, bool) {
	i := sort.Search(len(recs), func(i int) bool {
		return c.Compare(recs[i], tuple) >= 0
	})
	return i, i < len(recs) && c.Compare(recs[i], tuple) == 0
}

// Prefix returns a copy of the unique fields of r.
func Prefix(c Codec, r *base.Record) [][]byte {
	n := min(c.UniqueFields(), len(r.Fields))
	fields := make([][]byte, n)
	for i := range fields {
		fields[i] = bytes.Clone(r.Fields[i])
	}
	return fields
}
