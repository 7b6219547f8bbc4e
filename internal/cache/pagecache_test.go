package cache

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/storage"
)

var _ = flag.Bool("slow", false, "run slow tests")

func writePage(t *testing.T, s storage.Storage, id base.PageID) {
	t.Helper()
	p := base.NewPage(id, 1, 1, 0)
	require.True(t, p.InsertAt(0, base.NewRecord([]byte("k"), []byte("v"))))
	var img base.Image
	require.NoError(t, p.Encode(&img))
	require.NoError(t, s.WritePage(id, &img))
}

func TestFetchHitMiss(t *testing.T) {
	t.Parallel()

	s := storage.NewMemory()
	writePage(t, s, 1)
	c, err := NewPageCache(MinCacheSize, s)
	require.NoError(t, err)

	f, err := c.Fetch(1)
	require.NoError(t, err)
	assert.Equal(t, base.PageID(1), f.Page.ID)
	assert.True(t, f.Pinned())
	c.Unpin(f)
	assert.False(t, f.Pinned())

	again, err := c.Fetch(1)
	require.NoError(t, err)
	assert.Same(t, f, again)
	c.Unpin(again)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Resident)
}

func TestFetchUnwritten(t *testing.T) {
	t.Parallel()

	c, err := NewPageCache(MinCacheSize, storage.NewMemory())
	require.NoError(t, err)

	_, err = c.Fetch(5)
	assert.ErrorIs(t, err, base.ErrInvalidChecksum)

	f := c.FetchNew(5)
	assert.Equal(t, base.PageID(5), f.Page.ID)
	assert.Equal(t, base.NilPage, f.Page.Prev)
	c.Unpin(f)
}

func TestEvictionWritesBack(t *testing.T) {
	t.Parallel()

	s := storage.NewMemory()
	c, err := NewPageCache(MinCacheSize, s)
	require.NoError(t, err)

	first := c.FetchNew(1)
	first.Lock()
	first.Page.IndexID = 9
	first.Unlock()
	first.MarkDirty()
	c.Unpin(first)

	for id := base.PageID(2); id < 2+4*MinCacheSize; id++ {
		c.Unpin(c.FetchNew(id))
	}

	stats := c.Stats()
	assert.Greater(t, stats.Evictions, uint64(0))
	assert.LessOrEqual(t, stats.Resident, MinCacheSize)
	assert.Equal(t, uint64(1), stats.Writebacks)

	f, err := c.Fetch(1)
	require.NoError(t, err)
	assert.NotSame(t, first, f)
	assert.Equal(t, uint64(9), f.Page.IndexID)
	assert.False(t, f.Dirty())
	c.Unpin(f)
}

func TestPinnedFramesStay(t *testing.T) {
	t.Parallel()

	c, err := NewPageCache(MinCacheSize, storage.NewMemory())
	require.NoError(t, err)

	pinned := c.FetchNew(1)
	for id := base.PageID(2); id < 2+4*MinCacheSize; id++ {
		c.Unpin(c.FetchNew(id))
	}
	assert.Same(t, pinned, c.FetchNew(1))
	c.Unpin(pinned)
	c.Unpin(pinned)
	assert.False(t, pinned.Pinned())
}

func TestFlushDirty(t *testing.T) {
	t.Parallel()

	s := storage.NewMemory()
	c, err := NewPageCache(MinCacheSize, s)
	require.NoError(t, err)

	for id := base.PageID(1); id <= 3; id++ {
		f := c.FetchNew(id)
		f.MarkDirty()
		c.Unpin(f)
	}
	require.NoError(t, c.FlushDirty())
	assert.Equal(t, uint64(3), s.Stats().Writes)

	require.NoError(t, c.FlushDirty())
	assert.Equal(t, uint64(3), s.Stats().Writes)

	img, err := s.ReadPage(2)
	require.NoError(t, err)
	p, err := base.Decode(img)
	require.NoError(t, err)
	assert.Equal(t, base.PageID(2), p.ID)
}

func TestModifyClock(t *testing.T) {
	t.Parallel()

	c, err := NewPageCache(MinCacheSize, storage.NewMemory())
	require.NoError(t, err)
	f := c.FetchNew(1)
	defer c.Unpin(f)

	before := f.ModifyClock()
	f.BumpClock()
	assert.Equal(t, before+1, f.ModifyClock())
}
