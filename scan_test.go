package btrcore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFromStart(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, shuffled(1000, 12))

	tests := []struct {
		name  string
		start []byte
		want  []int
	}{
		{"nil start", nil, ascending(1000)},
		{"existing key", key(500), ascending(1000)[500:]},
		{"between keys", append(key(499), 'x'), ascending(1000)[500:]},
		{"before first", []byte("a"), ascending(1000)},
		{"after last", []byte("z"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scanKeys(t, tree, tt.start)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, keyStrings(tt.want), got)
		})
	}
}

func TestScanStopsEarly(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(300))

	var got []string
	require.NoError(t, tree.Scan(key(10), func(k, v []byte) bool {
		got = append(got, string(k))
		return len(got) < 5
	}))
	assert.Equal(t, keyStrings(ascending(15)[10:]), got)
}

func TestScanValuesAreCopies(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(50))

	var vals [][]byte
	require.NoError(t, tree.Scan(nil, func(k, v []byte) bool {
		vals = append(vals, v)
		return true
	}))
	require.NoError(t, tree.Truncate())
	for i, v := range vals {
		assert.Equal(t, value(i), v)
	}
}

// fn may delete the records it is given, even when that merges the leaf
// the scan stands on.
func TestScanDeletingVisitedKeys(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, shuffled(1500, 13))

	var got []string
	require.NoError(t, tree.Scan(nil, func(k, v []byte) bool {
		got = append(got, string(k))
		require.NoError(t, tree.Delete(k))
		return true
	}))
	assert.Equal(t, keyStrings(ascending(1500)), got)
	assert.Empty(t, scanKeys(t, tree, nil))
	assert.Positive(t, tree.Stats().Merges)
	requireValid(t, tree)
}

func TestScanSeesInsertsAhead(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	var want []int
	for i := 0; i < 400; i++ {
		if i%2 == 0 {
			require.NoError(t, tree.Insert(key(i), value(i)))
		}
		if i%2 == 0 || i > 200 {
			want = append(want, i)
		}
	}

	// Keys of the first half insert keys far ahead, which splits leaves the
	// scan has not reached yet
	var got []string
	require.NoError(t, tree.Scan(nil, func(k, v []byte) bool {
		got = append(got, string(k))
		var i int
		_, err := fmt.Sscanf(string(k), "key%06d", &i)
		require.NoError(t, err)
		if i < 200 {
			require.NoError(t, tree.Insert(key(i+201), value(i+201)))
		}
		return true
	}))
	assert.Equal(t, keyStrings(want), got)
	requireValid(t, tree)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	if !*slow {
		t.Skip("Skipping slow test; use -slow to enable")
	}
	t.Parallel()

	const (
		writers   = 4
		perWriter = 3000
	)
	tree := setup(t, WithCacheSize(512))

	var wg sync.WaitGroup
	done := make(chan struct{})

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, i := range shuffled(perWriter, int64(w)) {
				k := i*writers + w
				if err := tree.Insert(key(k), value(k)); err != nil {
					t.Errorf("insert %d: %v", k, err)
					return
				}
			}
			// Every writer deletes the odd half of its keys
			for i := 1; i < perWriter; i += 2 {
				k := i*writers + w
				if err := tree.Delete(key(k)); err != nil {
					t.Errorf("delete %d: %v", k, err)
					return
				}
			}
		}()
	}

	var readers sync.WaitGroup
	for range 2 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				var prev string
				err := tree.Scan(nil, func(k, v []byte) bool {
					if string(k) <= prev {
						t.Errorf("scan out of order: %q after %q", k, prev)
						return false
					}
					prev = string(k)
					return true
				})
				if err != nil {
					t.Errorf("scan: %v", err)
					return
				}
				if _, err := tree.Get(key(0)); err != nil && !errors.Is(err, ErrKeyNotFound) {
					t.Errorf("get: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()

	keys := scanKeys(t, tree, nil)
	assert.Len(t, keys, writers*perWriter/2)
	requireValid(t, tree)
}

// Readers descending to a leaf that a writer keeps reorganizing read its
// header under the leaf latch. Run with -race.
func TestGetWhileLeafReorganizes(t *testing.T) {
	t.Parallel()

	tree := setup(t, WithMergeThreshold(1))
	insertAll(t, tree, ascending(60))

	var readers sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				v, err := tree.Get(key(40))
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				if !bytes.Equal(value(40), v) {
					t.Errorf("get: value %q", v)
					return
				}
			}
		}()
	}

	// The leaf of key 45 is full, so every insert after the delete
	// reorganizes it first
	for range 500 {
		require.NoError(t, tree.Delete(key(45)))
		require.NoError(t, tree.Insert(key(45), value(45)))
	}
	close(done)
	readers.Wait()

	assert.GreaterOrEqual(t, tree.Stats().Reorganizes, uint64(500))
	assert.Equal(t, keyStrings(ascending(60)), scanKeys(t, tree, nil))
	requireValid(t, tree)
}
