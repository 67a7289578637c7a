package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndirectPageSetChildAndLookup(t *testing.T) {
	p := NewIndirectPage(1, 0, IndexTypeDocument, 8)

	ref := refWithKey(42)
	outcome := p.SetChild(3, ref)
	require.Equal(t, Inserted, outcome)

	got := p.Child(3)
	require.NotNil(t, got)
	require.True(t, got.Equal(ref))

	require.Nil(t, p.Child(4))
}

func TestIndirectPageCopyWithUpdatedChildIsCOW(t *testing.T) {
	p := NewIndirectPage(5, 0, IndexTypeDocument, 8)
	p.SetChild(0, refWithKey(1))
	p.SetChild(1, refWithKey(2))

	clone := p.CopyWithUpdatedChild(1, refWithKey(99))

	require.Equal(t, uint32(1), clone.Revision())
	require.Equal(t, uint32(0), p.Revision())

	require.True(t, p.Child(1).Equal(refWithKey(2)))
	require.True(t, clone.Child(1).Equal(refWithKey(99)))
	require.True(t, clone.Child(0).Equal(refWithKey(1)))
}

func TestIndirectPageSerializeRoundTrip(t *testing.T) {
	p := NewIndirectPage(7, 2, IndexTypePathSummary, 16)
	p.SetChild(0, refWithKey(10))
	p.SetChild(5, refWithKey(20))
	p.SetChild(15, refWithKey(30))

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeIndirectPage(data)
	require.NoError(t, err)

	require.Equal(t, p.PageKey(), decoded.PageKey())
	require.Equal(t, p.Revision(), decoded.Revision())
	require.Equal(t, p.IndexType(), decoded.IndexType())
	require.Equal(t, p.Arity(), decoded.Arity())

	require.True(t, decoded.Child(0).Equal(refWithKey(10)))
	require.True(t, decoded.Child(5).Equal(refWithKey(20)))
	require.True(t, decoded.Child(15).Equal(refWithKey(30)))
	require.Nil(t, decoded.Child(1))
}

func TestIndirectPageRegisteredInPageKindRegistry(t *testing.T) {
	p := NewIndirectPage(9, 0, IndexTypeDocument, 4)
	p.SetChild(0, refWithKey(1))

	tag, body, err := EncodeAnyPage(p)
	require.NoError(t, err)
	require.Equal(t, PageKindIndirect, tag)

	decoded, err := DecodePageBody(tag, p.PageKey(), body, nil, DefaultOptions())
	require.NoError(t, err)
	ip, ok := decoded.(*IndirectPage)
	require.True(t, ok)
	require.True(t, ip.Child(0).Equal(refWithKey(1)))
}

func TestIndirectPageGuardLifecycle(t *testing.T) {
	p := NewIndirectPage(1, 0, IndexTypeDocument, 4)
	p.AcquireGuard()
	require.Equal(t, int32(1), p.GuardCount())
	require.NoError(t, p.ReleaseGuard())
	require.NoError(t, p.Close())
}
