package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T) (*KeyValueLeafPage, *SegmentAllocator) {
	t.Helper()
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	p, err := NewKeyValueLeafPage(alloc, 1, 0, IndexTypeDocument, 4096, DefaultOptions())
	require.NoError(t, err)
	return p, alloc
}

func TestLeafPageEmptyRoundTrip(t *testing.T) {
	p, alloc := newTestLeaf(t)
	require.Equal(t, uint16(0), p.PopulatedCount())
	require.NoError(t, p.VerifyInvariants())

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeKeyValueLeafPage(alloc, data, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, uint16(0), decoded.PopulatedCount())
	require.NoError(t, decoded.VerifyInvariants())
}

func TestLeafPageSingleSlotRoundTrip(t *testing.T) {
	p, alloc := newTestLeaf(t)

	rec := SlotRecord{Kind: 9, Data: []byte("hello world")}
	require.NoError(t, p.SetSlot(5, rec))
	require.True(t, p.IsPopulated(5))
	require.Equal(t, uint16(1), p.PopulatedCount())

	got, err := p.GetSlot(5)
	require.NoError(t, err)
	require.Equal(t, rec.Kind, got.Kind)
	require.Equal(t, rec.Data, got.Data)

	data, err := p.Serialize()
	require.NoError(t, err)
	decoded, err := DeserializeKeyValueLeafPage(alloc, data, DefaultOptions())
	require.NoError(t, err)

	got2, err := decoded.GetSlot(5)
	require.NoError(t, err)
	require.Equal(t, rec.Data, got2.Data)
	require.NoError(t, decoded.VerifyInvariants())
}

func TestLeafPageGetUnpopulatedSlotFails(t *testing.T) {
	p, _ := newTestLeaf(t)
	_, err := p.GetSlot(3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLeafPageOutOfRangeSlot(t *testing.T) {
	p, _ := newTestLeaf(t)
	_, err := p.GetSlot(SlotCount)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.ErrorIs(t, p.SetSlot(-1, SlotRecord{}), ErrOutOfRange)
}

func TestLeafPageOverwriteShrinkAndGrowInPlace(t *testing.T) {
	p, _ := newTestLeaf(t)

	require.NoError(t, p.SetSlot(0, SlotRecord{Kind: 1, Data: []byte("0123456789")}))
	heapUsedAfterFirst := p.HeapUsed()

	// Shrinking reuses the same footprint (no heap growth).
	require.NoError(t, p.SetSlot(0, SlotRecord{Kind: 1, Data: []byte("ab")}))
	require.Less(t, p.HeapUsed(), heapUsedAfterFirst)
	heapEndAfterShrink := p.HeapEnd()

	// Growing past the old footprint abandons it and bump-allocates fresh space.
	require.NoError(t, p.SetSlot(0, SlotRecord{Kind: 1, Data: []byte("this is a much longer value than before")}))
	require.Greater(t, p.HeapEnd(), heapEndAfterShrink)

	got, err := p.GetSlot(0)
	require.NoError(t, err)
	require.Equal(t, "this is a much longer value than before", string(got.Data))
}

func TestLeafPageFragmentationAndCompaction(t *testing.T) {
	p, _ := newTestLeaf(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.SetSlot(i, SlotRecord{Kind: 1, Data: make([]byte, 100)}))
	}

	// Force abandonment of the old footprints by growing every record.
	for i := 0; i < 10; i++ {
		require.NoError(t, p.SetSlot(i, SlotRecord{Kind: 1, Data: make([]byte, 200)}))
	}

	require.Greater(t, p.Fragmentation(), FragmentationThreshold)

	ran, err := p.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, float64(0), p.Fragmentation())
	require.NoError(t, p.VerifyInvariants())

	for i := 0; i < 10; i++ {
		got, err := p.GetSlot(i)
		require.NoError(t, err)
		require.Len(t, got.Data, 200)
	}
}

func TestLeafPageClearSlot(t *testing.T) {
	p, _ := newTestLeaf(t)
	require.NoError(t, p.SetSlot(1, SlotRecord{Kind: 1, Data: []byte("x")}))
	require.NoError(t, p.ClearSlot(1))
	require.False(t, p.IsPopulated(1))
	require.Equal(t, uint16(0), p.PopulatedCount())

	_, err := p.GetSlot(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLeafPagePreservationDeferredCopy(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	base, err := NewKeyValueLeafPage(alloc, 1, 0, IndexTypeDocument, 4096, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, base.SetSlot(0, SlotRecord{Kind: 1, Data: []byte("base-0")}))
	require.NoError(t, base.SetSlot(1, SlotRecord{Kind: 1, Data: []byte("base-1")}))

	child, err := BeginFromBase(alloc, base)
	require.NoError(t, err)
	require.True(t, child.IsPopulated(0))
	require.True(t, child.IsPopulated(1))

	// Reading an untouched slot transparently resolves to base.
	rec, err := child.ResolveSlot(1)
	require.NoError(t, err)
	require.Equal(t, "base-1", string(rec.Data))

	// Overwriting slot 0 retires it from the preservation set immediately.
	require.NoError(t, child.SetSlot(0, SlotRecord{Kind: 1, Data: []byte("child-0")}))
	rec, err = child.ResolveSlot(0)
	require.NoError(t, err)
	require.Equal(t, "child-0", string(rec.Data))

	require.NoError(t, child.AddReferences())
	rec, err = child.GetSlot(1)
	require.NoError(t, err)
	require.Equal(t, "base-1", string(rec.Data), "preserved slot must be materialized into child's own heap at commit")
}

func TestLeafPageOverflowPromotionAndDemotion(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	p, err := NewKeyValueLeafPage(alloc, 1, 0, IndexTypeDocument, 4096, DefaultOptions())
	require.NoError(t, err)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, p.SetSlot(2, SlotRecord{Kind: 3, Data: payload}))

	ref, err := p.PromoteToOverflow(2, 42, alloc)
	require.NoError(t, err)
	require.False(t, p.IsPopulated(2))

	got, ok := p.ResolveOverflow(42)
	require.True(t, ok)
	require.Equal(t, ref, got)

	overflow := ref.Page().(*OverflowPage)
	require.Equal(t, payload, overflow.Payload())

	require.NoError(t, p.DemoteFromOverflow(2, 42))
	require.True(t, p.IsPopulated(2))
	rec, err := p.GetSlot(2)
	require.NoError(t, err)
	require.Equal(t, payload, rec.Data)

	_, ok = p.ResolveOverflow(42)
	require.False(t, ok)
}

func TestLeafPageOverflowSurvivesSerializeRoundTrip(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	p, err := NewKeyValueLeafPage(alloc, 1, 0, IndexTypeDocument, 4096, DefaultOptions())
	require.NoError(t, err)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, p.SetSlot(2, SlotRecord{Kind: 3, Data: payload}))
	ref, err := p.PromoteToOverflow(2, 42, alloc)
	require.NoError(t, err)

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeKeyValueLeafPage(alloc, data, DefaultOptions())
	require.NoError(t, err)

	require.False(t, decoded.IsPopulated(2), "slot promoted to overflow must not come back populated")

	got, ok := decoded.ResolveOverflow(42)
	require.True(t, ok, "overflow map entry must survive the serialize round trip")
	require.True(t, got.Equal(ref))

	require.NoError(t, decoded.DemoteFromOverflow(2, 42))
	require.True(t, decoded.IsPopulated(2))
	rec, err := decoded.GetSlot(2)
	require.NoError(t, err)
	require.Equal(t, payload, rec.Data)
}

func TestLeafPageDeweyIDInlineEmptyRoundTrip(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	opts := DefaultOptions()
	opts.AreDeweyIDsStored = true

	p, err := NewKeyValueLeafPage(alloc, 1, 0, IndexTypeDocument, 4096, opts)
	require.NoError(t, err)

	rec := SlotRecord{Kind: 4, Data: []byte("payload"), DeweyID: []byte{}}
	require.NoError(t, p.SetSlot(0, rec))

	got, err := p.GetSlot(0)
	require.NoError(t, err)
	require.Equal(t, rec.Data, got.Data)
	require.Empty(t, got.DeweyID)

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeKeyValueLeafPage(alloc, data, opts)
	require.NoError(t, err)

	got2, err := decoded.GetSlot(0)
	require.NoError(t, err)
	require.Equal(t, rec.Data, got2.Data, "empty inline DeweyID must not swallow the record's own data")
	require.Empty(t, got2.DeweyID)
}
