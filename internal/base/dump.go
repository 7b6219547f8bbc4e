package base

import (
	"fmt"
	"strings"
)

// Dump renders the page header and records for corruption reports.
func (p *Page) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "page %d index %d seg %d level %d flags %#x prev %s next %s\n",
		p.ID, p.IndexID, p.Segment, p.Level, p.Flags, p.Prev, p.Next)
	fmt.Fprintf(&b, "  n_recs %d heap %d garbage %d direction %s n_direction %d\n",
		len(p.Records), p.HeapTop, p.Garbage, p.Direction, p.NDirection)
	for i, r := range p.Records {
		fmt.Fprintf(&b, "  %4d %s\n", i, r)
	}
	return b.String()
}

func (id PageID) String() string {
	if id == NilPage {
		return "nil"
	}
	return fmt.Sprintf("%d", uint64(id))
}

func (r *Record) String() string {
	var b strings.Builder
	if r.IsMin() {
		b.WriteString("min ")
	}
	b.WriteByte('(')
	for i, f := range r.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%x", f)
	}
	b.WriteByte(')')
	return b.String()
}
