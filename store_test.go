package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageStoreAndClose(t *testing.T) {
	store, err := NewPageStore(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestPageStoreCompactLeafAndEvaluateFSST(t *testing.T) {
	store, err := NewPageStore(DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p, err := NewKeyValueLeafPage(store.Allocator, 1, 0, IndexTypeDocument, 4096, store.Options)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.SetSlot(i, SlotRecord{Kind: 1, Data: make([]byte, 100)}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, p.SetSlot(i, SlotRecord{Kind: 1, Data: make([]byte, 200)}))
	}

	require.NoError(t, store.CompactLeaf(p))
	require.Equal(t, float64(0), p.Fragmentation())

	_, err = store.EvaluateFSST(p)
	require.NoError(t, err)

	store.ReportCorruption(p.PageKey(), PageKindUnifiedLeaf, ErrCorruptPage)
	store.GrowSegment(p.PageKey(), 4096, 8192)
}
