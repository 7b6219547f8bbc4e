//go:build debug

package base

import "fmt"

// assertHeap panics if the heap accounting of p is inconsistent.
// Only enabled with -tags debug.
func assertHeap(method string, p *Page) {
	if p.Garbage < 0 || p.HeapTop < p.Garbage {
		panic(fmt.Sprintf("%s: page %d heap %d garbage %d", method, p.ID, p.HeapTop, p.Garbage))
	}
	size := 0
	for _, r := range p.Records {
		size += r.Size()
	}
	if size != p.DataSize() {
		panic(fmt.Sprintf("%s: page %d records %d bytes, data size %d", method, p.ID, size, p.DataSize()))
	}
	if p.HeapTop+DirReserved(len(p.Records)) > EmptyFreeSpace {
		panic(fmt.Sprintf("%s: page %d overflows with heap %d", method, p.ID, p.HeapTop))
	}
}
