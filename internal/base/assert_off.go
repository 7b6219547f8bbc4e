//go:build !debug

package base

// assertHeap is a no-op in production.
// Enable with -tags debug for runtime checks.
func assertHeap(string, *Page) {}
