package base

import (
	"bytes"
	"encoding/binary"
)

// Record info bits
const (
	// InfoMinRec marks the leftmost record of a non-leaf level. It orders
	// before every key, so the leftmost child needs no lower bound.
	InfoMinRec uint8 = 0x10
)

// Record is an ordered list of fields. Leaf records are [key, value]; node
// pointers are the unique key prefix followed by the child page id.
type Record struct {
	Fields [][]byte
	Info   uint8
}

// NewRecord builds a record that owns copies of fields.
func NewRecord(fields ...[]byte) *Record {
	r := &Record{Fields: make([][]byte, len(fields))}
	for i, f := range fields {
		r.Fields[i] = bytes.Clone(f)
		if r.Fields[i] == nil {
			r.Fields[i] = []byte{}
		}
	}
	return r
}

// Size is the converted size of the record on a page.
func (r *Record) Size() int {
	size := RecordHeaderSize + FieldLenSize*len(r.Fields)
	for _, f := range r.Fields {
		size += len(f)
	}
	return size
}

func (r *Record) IsMin() bool {
	return r.Info&InfoMinRec != 0
}

func (r *Record) Clone() *Record {
	c := &Record{Fields: make([][]byte, len(r.Fields)), Info: r.Info}
	for i, f := range r.Fields {
		c.Fields[i] = bytes.Clone(f)
	}
	return c
}

// ChildField encodes a child page id as the trailing node pointer field.
func ChildField(id PageID) []byte {
	b := make([]byte, ChildFieldSize)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// ReadChild decodes the child page id of a node pointer. It returns NilPage
// if the last field is not a child field.
func ReadChild(r *Record) PageID {
	if len(r.Fields) == 0 {
		return NilPage
	}
	f := r.Fields[len(r.Fields)-1]
	if len(f) != ChildFieldSize {
		return NilPage
	}
	return PageID(binary.BigEndian.Uint64(f))
}
