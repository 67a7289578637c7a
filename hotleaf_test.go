package pagestore

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
)

func TestHOTLeafPutGetSortedOrder(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)

	require.NoError(t, p.Put([]byte("banana"), []byte("2")))
	require.NoError(t, p.Put([]byte("apple"), []byte("1")))
	require.NoError(t, p.Put([]byte("cherry"), []byte("3")))

	require.Equal(t, 3, p.Len())
	for i := 1; i < len(p.Entries()); i++ {
		require.Less(t, string(p.Entries()[i-1].Key), string(p.Entries()[i].Key))
	}

	val, ok := p.Get([]byte("banana"))
	require.True(t, ok)
	require.Equal(t, "2", string(val))

	_, ok = p.Get([]byte("missing"))
	require.False(t, ok)
}

func TestHOTLeafPutOverwritesExisting(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)
	require.NoError(t, p.Put([]byte("k"), []byte("v1")))
	require.NoError(t, p.Put([]byte("k"), []byte("v2")))
	require.Equal(t, 1, p.Len())

	val, _ := p.Get([]byte("k"))
	require.Equal(t, "v2", string(val))
}

func TestHOTLeafPutFailsWithPageFullOnEntryCeiling(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)
	for i := 0; i < hotLeafMaxEntries; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, p.Put(key, []byte("v")))
	}
	require.Equal(t, hotLeafMaxEntries, p.Len())

	err := p.Put([]byte{0xff, 0xff}, []byte("v"))
	require.ErrorIs(t, err, ErrPageFull)
	require.Equal(t, hotLeafMaxEntries, p.Len())
}

func TestHOTLeafPutFailsWithPageFullOnByteCeiling(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)
	big := make([]byte, hotLeafMaxPageBytes-3)
	require.NoError(t, p.Put([]byte("k"), big))

	err := p.Put([]byte("k2"), []byte("more"))
	require.ErrorIs(t, err, ErrPageFull)
	require.Equal(t, 1, p.Len())
}

func TestHOTLeafDelete(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)
	require.NoError(t, p.Put([]byte("a"), []byte("1")))
	require.True(t, p.Delete([]byte("a")))
	require.False(t, p.Delete([]byte("a")))
	require.Equal(t, 0, p.Len())
}

func TestHOTLeafSplitTo(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Put([]byte(k), []byte(k)))
	}

	upper, separator, err := p.SplitTo(2)
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	require.Equal(t, 2, upper.Len())
	require.Equal(t, upper.Entries()[0].Key, separator)

	for _, e := range p.Entries() {
		require.Less(t, string(e.Key), string(separator))
	}
}

func TestHOTLeafMergeFromLastWriterWins(t *testing.T) {
	a := NewHOTLeafPage(1, 0, IndexTypeDocument)
	require.NoError(t, a.Put([]byte("k"), []byte("old")))
	require.NoError(t, a.Put([]byte("only-a"), []byte("a")))

	b := NewHOTLeafPage(2, 0, IndexTypeDocument)
	require.NoError(t, b.Put([]byte("k"), []byte("new")))
	require.NoError(t, b.Put([]byte("only-b"), []byte("b")))

	require.NoError(t, a.MergeFrom(b))
	require.Equal(t, 3, a.Len())

	val, ok := a.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "new", string(val))
}

func TestHOTLeafSerializeRoundTrip(t *testing.T) {
	p := NewHOTLeafPage(9, 4, IndexTypePathSummary)
	require.NoError(t, p.Put([]byte("a"), []byte("1")))
	require.NoError(t, p.Put([]byte("b"), []byte("22")))

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeHOTLeafPage(data)
	require.NoError(t, err)
	require.Equal(t, p.PageKey, decoded.PageKey)
	require.Equal(t, p.Revision, decoded.Revision)
	require.Equal(t, p.IndexType, decoded.IndexType)

	val, ok := decoded.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "22", string(val))
}

func TestHOTLeafMergeWithNodeRefsInsertsWhenAbsent(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)

	bm := roaring.New()
	bm.Add(1)
	bm.Add(2)
	payload, err := bm.ToBytes()
	require.NoError(t, err)

	require.NoError(t, p.mergeWithNodeRefs([]byte("k"), payload))

	val, ok := p.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, payload, val)
}

func TestHOTLeafMergeWithNodeRefsORsBitmapsOnCollision(t *testing.T) {
	p := NewHOTLeafPage(1, 0, IndexTypeDocument)

	first := roaring.New()
	first.Add(1)
	first.Add(2)
	firstBytes, err := first.ToBytes()
	require.NoError(t, err)
	require.NoError(t, p.mergeWithNodeRefs([]byte("k"), firstBytes))

	second := roaring.New()
	second.Add(2)
	second.Add(3)
	secondBytes, err := second.ToBytes()
	require.NoError(t, err)
	require.NoError(t, p.mergeWithNodeRefs([]byte("k"), secondBytes))

	val, ok := p.Get([]byte("k"))
	require.True(t, ok)

	merged := roaring.New()
	_, err = merged.FromBuffer(val)
	require.NoError(t, err)
	require.True(t, merged.ContainsInt(1))
	require.True(t, merged.ContainsInt(2))
	require.True(t, merged.ContainsInt(3))
	require.Equal(t, uint64(3), merged.GetCardinality())
}
