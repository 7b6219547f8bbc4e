// Package cache keeps decoded pages resident in latched, pinned frames.
package cache

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/storage"
)

const (
	MinCacheSize = 16 // Minimum: hold tree path + concurrent ops
)

// Frame holds one resident page. Page may only be read under the latch
// (shared or exclusive) and only be written under the exclusive latch.
type Frame struct {
	ID   base.PageID
	Page *base.Page

	latch sync.RWMutex
	pins  atomic.Int32
	clock atomic.Uint64 // modify clock
	dirty atomic.Bool
}

func (f *Frame) Lock()    { f.latch.Lock() }
func (f *Frame) Unlock()  { f.latch.Unlock() }
func (f *Frame) RLock()   { f.latch.RLock() }
func (f *Frame) RUnlock() { f.latch.RUnlock() }

// ModifyClock changes whenever a record can no longer be found where a
// saved cursor left it: on bulk record moves and when the page is freed.
func (f *Frame) ModifyClock() uint64 {
	return f.clock.Load()
}

func (f *Frame) BumpClock() {
	f.clock.Add(1)
}

// MarkDirty flags a committed change that is not yet in storage.
func (f *Frame) MarkDirty() {
	f.dirty.Store(true)
}

func (f *Frame) Dirty() bool {
	return f.dirty.Load()
}

func (f *Frame) Pinned() bool {
	return f.pins.Load() > 0
}

// PageCache maps page ids to frames. Pinned frames are never evicted; the
// unpinned ones sit in a bounded LRU that writes dirty pages back to storage
// on eviction.
type PageCache struct {
	mu     sync.Mutex
	store  storage.Storage
	frames map[base.PageID]*Frame
	lru    *freelru.LRU[base.PageID, *Frame]

	// First write-back failure; the frame stays resident and is retried by
	// FlushDirty.
	evictErr error

	// Stats
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64
}

// Stats holds cache statistics
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	Resident   int
}

func hashPageID(id base.PageID) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// NewPageCache creates a cache holding at most size unpinned frames.
func NewPageCache(size int, store storage.Storage) (*PageCache, error) {
	size = max(size, MinCacheSize)

	lru, err := freelru.New[base.PageID, *Frame](uint32(size), hashPageID)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	c := &PageCache{
		store:  store,
		frames: make(map[base.PageID]*Frame),
		lru:    lru,
	}
	lru.SetOnEvict(c.onEvict)
	return c, nil
}

// onEvict runs under c.mu. The LRU also reports explicit removals, which
// happen when a frame gets pinned again; those are skipped.
func (c *PageCache) onEvict(id base.PageID, f *Frame) {
	if f.Pinned() {
		return
	}
	if f.Dirty() {
		if err := c.writeBack(f); err != nil {
			if c.evictErr == nil {
				c.evictErr = err
			}
			return
		}
	}
	delete(c.frames, id)
	c.evictions.Add(1)
}

func (c *PageCache) writeBack(f *Frame) error {
	var img base.Image
	if err := f.Page.Encode(&img); err != nil {
		return fmt.Errorf("encode page %d: %w", f.ID, err)
	}
	if err := c.store.WritePage(f.ID, &img); err != nil {
		return fmt.Errorf("write page %d: %w", f.ID, err)
	}
	f.dirty.Store(false)
	c.writebacks.Add(1)
	return nil
}

func (c *PageCache) pin(f *Frame) {
	if f.pins.Add(1) == 1 {
		c.lru.Remove(f.ID)
	}
}

// Fetch returns the pinned frame of page id, reading it from storage on a
// miss.
func (c *PageCache) Fetch(id base.PageID) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[id]; ok {
		c.hits.Add(1)
		c.pin(f)
		return f, nil
	}
	c.misses.Add(1)

	img, err := c.store.ReadPage(id)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	page, err := base.Decode(img)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", id, err)
	}
	if page.ID != id {
		return nil, fmt.Errorf("decode page %d: header names page %d: %w", id, page.ID, base.ErrInvalidOffset)
	}

	f := &Frame{ID: id, Page: page}
	f.pins.Store(1)
	c.frames[id] = f
	return f, nil
}

// FetchNew returns the pinned frame of a freshly allocated page without
// reading storage. A frame that is still resident from an earlier life of
// the page is reused; the caller initializes the page under the exclusive
// latch.
func (c *PageCache) FetchNew(id base.PageID) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[id]; ok {
		c.pin(f)
		return f
	}

	f := &Frame{ID: id, Page: base.NewPage(id, 0, 0, 0)}
	f.pins.Store(1)
	c.frames[id] = f
	return f
}

// Unpin releases a pin taken by Fetch or FetchNew.
func (c *PageCache) Unpin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := f.pins.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("unpin of unpinned page %d", f.ID))
	}
	if n == 0 {
		c.lru.Add(f.ID, f)
	}
}

// FlushDirty writes all dirty frames to storage in page order. Writers must
// be excluded by the caller.
func (c *PageCache) FlushDirty() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]base.PageID, 0, len(c.frames))
	for id, f := range c.frames {
		if f.Dirty() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	err := c.evictErr
	c.evictErr = nil
	for _, id := range ids {
		f := c.frames[id]
		f.RLock()
		werr := c.writeBack(f)
		f.RUnlock()
		if werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Stats returns cache statistics
func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	resident := len(c.frames)
	c.mu.Unlock()

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Writebacks: c.writebacks.Load(),
		Resident:   resident,
	}
}
