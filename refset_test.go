package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferenceSetUpgradesSparseToBitmapToDense(t *testing.T) {
	rs := NewReferenceSet(16)
	require.Equal(t, "sparse4", rs.LayoutName())

	for i := 0; i < sparse4Arity; i++ {
		ref := NewPageReference(0, 0)
		ref.SetPersistentKey(uint64(i))
		outcome := rs.SetOrCreate(i, ref)
		require.Equal(t, Inserted, outcome)
	}
	require.Equal(t, "sparse4", rs.LayoutName())

	// One more insert must force the Sparse4 -> BitmapSparse upgrade.
	ref := NewPageReference(0, 0)
	outcome := rs.SetOrCreate(sparse4Arity, ref)
	require.Equal(t, Inserted, outcome)
	require.Equal(t, "bitmap", rs.LayoutName())

	// Every previously inserted offset must still resolve correctly after
	// the upgrade (spec.md §3: upgrade must preserve existing entries).
	for i := 0; i < sparse4Arity; i++ {
		got := rs.GetOrCreate(i)
		require.NotNil(t, got)
		require.Equal(t, uint64(i), got.PersistentKey())
	}

	// Keep inserting past half the arity to force BitmapSparse -> Dense.
	for i := sparse4Arity + 1; i < 16; i++ {
		rs.SetOrCreate(i, NewPageReference(0, 0))
	}
	require.Equal(t, "dense", rs.LayoutName())

	for i := 0; i < 16; i++ {
		require.NotNil(t, rs.GetOrCreate(i))
	}
}

func TestReferenceSetUpdateInPlaceDoesNotUpgrade(t *testing.T) {
	rs := NewReferenceSet(16)
	rs.SetOrCreate(0, NewPageReference(0, 0))
	outcome := rs.SetOrCreate(0, NewPageReference(1, 1))
	require.Equal(t, Updated, outcome)
	require.Equal(t, "sparse4", rs.LayoutName())
}

func TestReferenceSetNeverDowngrades(t *testing.T) {
	rs := NewReferenceSet(8)
	for i := 0; i < 8; i++ {
		rs.SetOrCreate(i, NewPageReference(0, 0))
	}
	require.Equal(t, "dense", rs.LayoutName())

	// Overwriting entries in the dense layout must never revert to a
	// sparser one.
	rs.SetOrCreate(0, NewPageReference(9, 9))
	require.Equal(t, "dense", rs.LayoutName())
}
