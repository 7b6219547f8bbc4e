package btrcore

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/scope"
)

var slow = flag.Bool("slow", false, "run slow tests")

// setup creates an in-memory tree for testing.
func setup(t *testing.T, options ...Option) *Tree {
	t.Helper()
	tree, err := New(options...)
	require.NoError(t, err, "Failed to create tree")
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%06d", i))
}

func value(i int) []byte {
	return []byte(fmt.Sprintf("value-%06d-%090d", i, i))
}

func insertAll(t *testing.T, tree *Tree, order []int) {
	t.Helper()
	for _, i := range order {
		require.NoError(t, tree.Insert(key(i), value(i)), "Failed to insert key %d", i)
	}
}

func ascending(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func descending(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = n - 1 - i
	}
	return order
}

func shuffled(n int, seed int64) []int {
	order := ascending(n)
	rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// requireValid fails the test if the validator finds any defect.
func requireValid(t *testing.T, tree *Tree) *Report {
	t.Helper()
	rep, err := tree.Validate(context.Background())
	require.NoError(t, err)
	for _, d := range rep.Defects {
		t.Errorf("defect on page %s level %d: %s\n%s", d.Page, d.Level, d.Reason, d.Dump())
	}
	require.True(t, rep.OK())
	return rep
}

func scanKeys(t *testing.T, tree *Tree, start []byte) []string {
	t.Helper()
	var keys []string
	require.NoError(t, tree.Scan(start, func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	return keys
}

func keyStrings(order []int) []string {
	keys := make([]string, len(order))
	for i, k := range order {
		keys[i] = string(key(k))
	}
	return keys
}

// withScope runs fn in a write scope holding the tree latch exclusively.
// Changes fn makes to pages bypass the redo batch unless it calls Modify.
func withScope(t *testing.T, tree *Tree, fn func(s *scope.Scope)) {
	t.Helper()
	s := tree.env.Begin(true)
	s.XLockTree()
	fn(s)
	require.NoError(t, s.Commit())
}

func fetch(t *testing.T, s *scope.Scope, id base.PageID) *base.Page {
	t.Helper()
	f, err := s.Fetch(id, scope.Exclusive)
	require.NoError(t, err)
	return f.Page
}

// leftmost returns the first page of level.
func leftmost(t *testing.T, s *scope.Scope, tree *Tree, level uint16) base.PageID {
	t.Helper()
	id := tree.Root()
	for p := fetch(t, s, id); p.Level > level; p = fetch(t, s, id) {
		id = childOf(p.Records[0])
	}
	return id
}

func TestNewTreeIsEmptyLeafRoot(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, height)
	assert.Equal(t, 1, tree.Size(MetricTotalPages))
	assert.Equal(t, 0, tree.Size(MetricLeafPages))
	assert.NotEqual(t, base.NilPage, tree.Root())

	_, err = tree.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Empty(t, scanKeys(t, tree, nil))

	rep := requireValid(t, tree)
	assert.Equal(t, 1, rep.Levels)
	assert.Equal(t, 1, rep.Pages)
	assert.Equal(t, 0, rep.Records)
}

func TestInsertGetDelete(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	val, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(val))

	assert.ErrorIs(t, tree.Insert([]byte("a"), []byte("3")), ErrKeyExists)
	val, err = tree.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(val), "failed insert must not change the value")

	require.NoError(t, tree.Delete([]byte("a")))
	_, err = tree.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, tree.Delete([]byte("a")), ErrKeyNotFound)

	assert.Equal(t, []string{"b"}, scanKeys(t, tree, nil))
}

func TestKeyAndValueLimits(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	tests := []struct {
		name  string
		key   []byte
		value []byte
		err   error
	}{
		{"empty key", nil, []byte("v"), ErrKeyEmpty},
		{"key too large", make([]byte, MaxKeySize+1), nil, ErrKeyTooLarge},
		{"value too large", []byte("k"), make([]byte, MaxValueSize+1), ErrValueTooLarge},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tree.Insert(tt.key, tt.value), tt.err, tt.name)
	}
	assert.ErrorIs(t, tree.Delete(nil), ErrKeyEmpty)
	_, err := tree.Get(make([]byte, MaxKeySize+1))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestMaximumRecords(t *testing.T) {
	t.Parallel()

	// Two records fill a page; every insert past the second splits
	for _, tc := range []struct {
		name  string
		order []int
	}{
		{"ascending", ascending(40)},
		{"descending", descending(40)},
		{"random", shuffled(40, 7)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tree := setup(t)
			for _, i := range tc.order {
				k := make([]byte, MaxKeySize)
				copy(k, key(i))
				v := make([]byte, MaxValueSize)
				require.NoError(t, tree.Insert(k, v), "insert %d", i)
			}
			requireValid(t, tree)
			assert.Len(t, scanKeys(t, tree, nil), len(tc.order))
		})
	}
}

func TestCloseRefusesOperations(t *testing.T) {
	t.Parallel()

	tree, err := New()
	require.NoError(t, err)
	require.NoError(t, tree.Close())
	require.NoError(t, tree.Close(), "second close is a no-op")

	assert.ErrorIs(t, tree.Insert([]byte("a"), nil), ErrTreeClosed)
	assert.ErrorIs(t, tree.Delete([]byte("a")), ErrTreeClosed)
	_, err = tree.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrTreeClosed)
	_, err = tree.Validate(context.Background())
	assert.ErrorIs(t, err, ErrTreeClosed)
}

func TestOpenReopen(t *testing.T) {
	t.Parallel()

	for _, mmap := range []bool{true, false} {
		t.Run(fmt.Sprintf("mmap=%v", mmap), func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "tree.db")
			tree, err := Open(path, WithMMap(mmap), WithSyncMode(SyncOff))
			require.NoError(t, err)
			insertAll(t, tree, shuffled(1500, 1))
			height, err := tree.Height()
			require.NoError(t, err)
			root := tree.Root()
			require.NoError(t, tree.Close())

			tree, err = Open(path, WithMMap(mmap), WithSyncMode(SyncOff))
			require.NoError(t, err)
			defer tree.Close()

			assert.Equal(t, root, tree.Root())
			h, err := tree.Height()
			require.NoError(t, err)
			assert.Equal(t, height, h)
			for i := range 1500 {
				val, err := tree.Get(key(i))
				require.NoError(t, err, "key %d after reopen", i)
				assert.Equal(t, value(i), val)
			}
			requireValid(t, tree)

			// The reopened tree keeps allocating from the rebuilt space
			for i := 1500; i < 2500; i++ {
				require.NoError(t, tree.Insert(key(i), value(i)))
			}
			requireValid(t, tree)
			assert.Len(t, scanKeys(t, tree, nil), 2500)
		})
	}
}

func TestRecoverFromLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tree.db")
	tree, err := Open(path, WithSyncMode(SyncOff))
	require.NoError(t, err)
	insertAll(t, tree, shuffled(800, 2))
	for i := 0; i < 800; i += 3 {
		require.NoError(t, tree.Delete(key(i)))
	}

	// Crash: nothing is checkpointed, the committed scopes are only in the
	// redo log
	require.NoError(t, tree.wal.Close())
	require.NoError(t, tree.store.Close())

	tree, err = Open(path)
	require.NoError(t, err)
	defer tree.Close()

	for i := range 800 {
		val, err := tree.Get(key(i))
		if i%3 == 0 {
			assert.ErrorIs(t, err, ErrKeyNotFound, "key %d", i)
			continue
		}
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, value(i), val)
	}
	requireValid(t, tree)
}

func TestOpenKeepsKind(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tree.db")
	tree, err := Open(path, WithKind(KindInternal), WithIndexID(9))
	require.NoError(t, err)
	require.NoError(t, tree.AddFreePages(4))
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Close())

	tree, err = Open(path)
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, KindInternal, tree.kind)
	assert.Equal(t, uint64(9), tree.indexID)
	assert.NoError(t, tree.AddFreePages(1))
	requireValid(t, tree)
}

func TestCorruptTreeIsReadOnly(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, shuffled(1000, 3))

	withScope(t, tree, func(s *scope.Scope) {
		id := leftmost(t, s, tree, 0)
		fetch(t, s, id).Level = 7
	})

	_, err := tree.Validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruption)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.NotEmpty(t, ce.Dumps)

	err = tree.Insert([]byte("new"), []byte("v"))
	assert.ErrorIs(t, err, ErrTreeCorrupt)
	assert.ErrorIs(t, err, ErrCorruption)
	assert.ErrorIs(t, tree.Truncate(), ErrTreeCorrupt)
}

func TestReorganize(t *testing.T) {
	t.Parallel()

	tree := setup(t, WithMergeThreshold(1))
	insertAll(t, tree, ascending(60))
	full := rootPointers(t, tree)[1]

	withScope(t, tree, func(s *scope.Scope) {
		f, err := s.Fetch(full, scope.Exclusive)
		require.NoError(t, err)
		p := s.Modify(f)
		require.Equal(t, 33, p.NRecs())
		p.DeleteAt(5)
		require.Positive(t, p.Garbage)

		require.NoError(t, tree.reorganize(s, f))
		assert.Zero(t, f.Page.Garbage)
		assert.Equal(t, 32, f.Page.NRecs())
		assert.Equal(t, key(18), f.Page.Records[1].Fields[0])
	})
	assert.Equal(t, uint64(1), tree.Stats().Reorganizes)
	requireValid(t, tree)
}

func TestReorganizeOverfullPage(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(60))
	full := rootPointers(t, tree)[1]

	withScope(t, tree, func(s *scope.Scope) {
		f, err := s.Fetch(full, scope.Exclusive)
		require.NoError(t, err)
		p := s.Modify(f)
		extra := p.Records[0].Clone()
		p.Records = append(p.Records, extra)
		p.HeapTop += extra.Size()

		err = tree.reorganize(s, f)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCorruption)
		var ce *CorruptionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, full, ce.Page)

		// The page is left as it was
		assert.Equal(t, 34, f.Page.NRecs())
		f.Page.Records = f.Page.Records[:33]
		f.Page.HeapTop -= extra.Size()
	})
	assert.Zero(t, tree.Stats().Reorganizes)
	requireValid(t, tree)
}
