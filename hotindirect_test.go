package pagestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func refWithKey(persistentKey uint64) *PageReference {
	r := NewPageReference(0, 0)
	r.SetPersistentKey(persistentKey)
	return r
}

func TestBiNodeDispatchesOnTopBitOfFirstByte(t *testing.T) {
	n := NewBiNode(0, uint64(1)<<63)
	n.Children[0] = refWithKey(100)
	n.Children[1] = refWithKey(200)

	low := n.Lookup([]byte{0x00, 0xff})
	high := n.Lookup([]byte{0x80, 0x00})

	require.Equal(t, uint64(100), low.PersistentKey())
	require.Equal(t, uint64(200), high.PersistentKey())
}

func TestSpanNodeFansOutOverContiguousBits(t *testing.T) {
	// Top 2 bits of the first byte -> 4 children.
	mask := uint64(0b11) << 62
	n := NewSpanNode(0, mask)
	require.Len(t, n.Children, 4)

	for i, b := range []byte{0x00, 0x40, 0x80, 0xC0} {
		n.Children[i] = refWithKey(uint64(i))
		got := n.Lookup([]byte{b})
		require.Equal(t, uint64(i), got.PersistentKey())
	}
}

func TestMultiNodeShortKeyResolvesToSlotZero(t *testing.T) {
	// Open Question 2: a key too short to reach byteOffset loads as an
	// all-zero word, so it always resolves to whatever occupies index 0,
	// never ErrNotFound.
	n := NewMultiNode(4, uint64(0xFF)<<56)
	n.Put(make([]byte, 12), refWithKey(7)) // a key long enough to set index 0

	got := n.Lookup([]byte{1, 2}) // shorter than byteOffset 4
	require.NotNil(t, got)
	require.Equal(t, uint64(7), got.PersistentKey())
}

func TestHOTIndirectCopyWithUpdatedChildIsCOW(t *testing.T) {
	bi := NewBiNode(0, uint64(1)<<63)
	bi.Children[0] = refWithKey(1)
	bi.Children[1] = refWithKey(2)

	page := NewHOTIndirectFromBiNode(1, 0, IndexTypeDocument, bi)

	updated, err := page.CopyWithUpdatedChild(context.Background(), 0, refWithKey(999))
	require.NoError(t, err)

	require.Equal(t, uint32(1), updated.Revision)
	require.Equal(t, uint64(999), updated.bi.Children[0].PersistentKey())
	require.Equal(t, uint64(1), page.bi.Children[0].PersistentKey(), "original page must be unmodified")
}

func TestHOTIndirectBiNodeSerializeRoundTrip(t *testing.T) {
	bi := NewBiNode(3, uint64(1)<<40)
	bi.Children[0] = refWithKey(11)
	bi.Children[1] = nil

	page := NewHOTIndirectFromBiNode(5, 2, IndexTypeCAS, bi)
	data, err := page.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeHOTIndirectPage(data)
	require.NoError(t, err)
	require.Equal(t, page.PageKey, decoded.PageKey)
	require.Equal(t, page.Revision, decoded.Revision)
	require.Equal(t, hotKindBiNode, decoded.kind)
	require.Equal(t, uint64(11), decoded.bi.Children[0].PersistentKey())
	require.Nil(t, decoded.bi.Children[1])
}

func TestHOTIndirectMultiNodeSerializeRoundTrip(t *testing.T) {
	multi := NewMultiNode(0, uint64(0x03))
	multi.Put([]byte{0x00}, refWithKey(1))
	multi.Put([]byte{0x01}, refWithKey(2))

	page := NewHOTIndirectFromMultiNode(1, 0, IndexTypeDocument, multi)
	data, err := page.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeHOTIndirectPage(data)
	require.NoError(t, err)
	require.Equal(t, hotKindMultiNode, decoded.kind)

	got := decoded.Lookup([]byte{0x01})
	require.NotNil(t, got)
	require.Equal(t, uint64(2), got.PersistentKey())
}
