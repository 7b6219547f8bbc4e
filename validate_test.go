package btrcore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/btrcore/internal/base"
	"github.com/alexhholmes/btrcore/internal/scope"
)

func reasons(rep *Report) []string {
	var rs []string
	for _, d := range rep.Defects {
		rs = append(rs, d.Reason)
	}
	return rs
}

func TestValidateCounts(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(42))

	rep := requireValid(t, tree)
	assert.Equal(t, 2, rep.Levels)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, 42+2, rep.Records, "leaf records and node pointers")
}

func TestValidateFindsRecordsOutOfOrder(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(100))
	withScope(t, tree, func(s *scope.Scope) {
		p := fetch(t, s, leftmost(t, s, tree, 0))
		p.Records[2], p.Records[3] = p.Records[3], p.Records[2]
	})

	rep, err := tree.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Contains(t, reasons(rep), "record 3 out of order")
	for _, d := range rep.Defects {
		assert.NotEmpty(t, d.Dumps)
	}

	// Defects alone do not make the tree read-only
	assert.NoError(t, tree.Insert(key(1000), value(1000)))
}

func TestValidateFindsMissingMinimumMarker(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(100))
	withScope(t, tree, func(s *scope.Scope) {
		root := fetch(t, s, tree.Root())
		root.Records[0].Info &^= base.InfoMinRec
	})

	rep, err := tree.Validate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, reasons(rep), "first node pointer of the level is not marked minimum")
}

func TestValidateFindsBrokenLeftLink(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(100))
	withScope(t, tree, func(s *scope.Scope) {
		first := fetch(t, s, leftmost(t, s, tree, 0))
		fetch(t, s, first.Next).Prev = tree.Root()
	})

	rep, err := tree.Validate(context.Background())
	require.NoError(t, err)
	found := false
	for _, r := range reasons(rep) {
		found = found || strings.HasPrefix(r, "left link")
	}
	assert.True(t, found, "defects: %v", reasons(rep))
}

func TestValidateWrongLevelIsFatal(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(100))
	withScope(t, tree, func(s *scope.Scope) {
		first := fetch(t, s, leftmost(t, s, tree, 0))
		fetch(t, s, first.Next).Level = 3
	})

	rep, err := tree.Validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruption)
	require.NotNil(t, rep)
	assert.Equal(t, 2, rep.Pages, "the root and the first leaf were checked")
	assert.ErrorIs(t, tree.Delete(key(1)), ErrTreeCorrupt)

	// Reads keep working
	_, err = tree.Get(key(1))
	assert.NoError(t, err)
}

func TestValidateCancelled(t *testing.T) {
	t.Parallel()

	tree := setup(t)
	insertAll(t, tree, ascending(100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := tree.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Interrupted)
	assert.False(t, rep.OK())
	assert.Zero(t, rep.Pages)
}
