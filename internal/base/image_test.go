package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewPage(12, 3, 2, 1)
	p.Prev, p.Next = 11, 13
	p.SegLeaf, p.SegTop = 5, 6
	p.FreeHead, p.FreeLen = 40, 2
	for i := 0; i < 6; i++ {
		r := NewRecord([]byte{byte(i)}, ChildField(PageID(100+i)))
		if i == 0 {
			r.Info |= InfoMinRec
		}
		require.True(t, p.InsertAt(i, r))
	}
	p.DeleteAt(2)
	require.True(t, p.InsertAt(5, NewRecord([]byte{9}, ChildField(200))))

	var img Image
	require.NoError(t, p.Encode(&img))
	got, err := Decode(&img)
	require.NoError(t, err)

	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Level, got.Level)
	assert.Equal(t, p.Prev, got.Prev)
	assert.Equal(t, p.Next, got.Next)
	assert.Equal(t, p.FreeHead, got.FreeHead)
	assert.Equal(t, p.FreeLen, got.FreeLen)
	assert.Equal(t, p.SegTop, got.SegTop)
	assert.Equal(t, p.HeapTop, got.HeapTop)
	assert.Equal(t, p.Garbage, got.Garbage)
	require.Equal(t, p.NRecs(), got.NRecs())
	for i := range p.Records {
		assert.Equal(t, p.Records[i].Fields, got.Records[i].Fields)
		assert.Equal(t, p.Records[i].Info, got.Records[i].Info)
	}
	require.NotNil(t, got.LastInsert)
	assert.Same(t, got.Records[5], got.LastInsert)
	assert.Equal(t, PageID(200), ReadChild(got.LastInsert))
}

func TestImageCorruption(t *testing.T) {
	t.Parallel()

	p := NewPage(1, 1, 1, 0)
	require.True(t, p.InsertAt(0, NewRecord([]byte("a"), []byte("b"))))
	var img Image
	require.NoError(t, p.Encode(&img))

	img.Data[PageHeaderSize] ^= 0xff
	_, err := Decode(&img)
	assert.ErrorIs(t, err, ErrInvalidChecksum)

	var zero Image
	zero.Seal()
	_, err = Decode(&zero)
	assert.ErrorIs(t, err, ErrNotIndexPage)
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	m := &Meta{
		Magic:      MagicNumber,
		Version:    FormatVersion,
		PageSize:   PageSize,
		Kind:       1,
		SegLeaf:    2,
		SegTop:     1,
		RootPageID: 3,
		IndexID:    77,
		NumPages:   12,
		TxnID:      99,
	}
	var img Image
	m.Encode(&img)

	got, err := DecodeMeta(&img)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	m.Version = 2
	m.Encode(&img)
	_, err = DecodeMeta(&img)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}
