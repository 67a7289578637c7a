package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageReferenceEqualAndHashIgnorePageAndContentHash(t *testing.T) {
	a := NewPageReference(1, 2)
	a.SetPersistentKey(42)
	a.SetIntentLogKey(7)

	b := NewPageReference(1, 2)
	b.SetPersistentKey(42)
	b.SetIntentLogKey(7)
	b.SetContentHash(999)
	b.SetPage("anything")

	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())

	b.SetPersistentKey(43)
	require.False(t, a.Equal(b))
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestPageReferenceGuardUnderflowIsFatal(t *testing.T) {
	r := NewPageReference(0, 0)
	err := r.ReleaseGuard()
	require.ErrorIs(t, err, ErrGuardMisuse)
	require.Equal(t, int32(0), r.GuardCount())
}

func TestPageReferenceHashCacheInvalidation(t *testing.T) {
	r := NewPageReference(0, 0)
	r.SetPersistentKey(1)
	h1 := r.Hash()
	r.SetPersistentKey(2)
	h2 := r.Hash()
	require.NotEqual(t, h1, h2)
}
