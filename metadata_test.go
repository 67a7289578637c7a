package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUberPageSerializeRoundTrip(t *testing.T) {
	p := &UberPage{
		PageKey:         1,
		CurrentRevision: 5,
		CurrentRoot:     refWithKey(100),
		PriorRoots:      []*PageReference{refWithKey(10), nil, refWithKey(20)},
	}

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeUberPage(data)
	require.NoError(t, err)
	require.Equal(t, p.PageKey, decoded.PageKey)
	require.Equal(t, p.CurrentRevision, decoded.CurrentRevision)
	require.Equal(t, uint64(100), decoded.CurrentRoot.PersistentKey())
	require.Len(t, decoded.PriorRoots, 3)
	require.Equal(t, uint64(10), decoded.PriorRoots[0].PersistentKey())
	require.Nil(t, decoded.PriorRoots[1])
	require.Equal(t, uint64(20), decoded.PriorRoots[2].PersistentKey())
}

func TestRevisionRootPageSerializeRoundTrip(t *testing.T) {
	p := NewRevisionRootPage(2, 3)
	p.Roots[IndexTypeDocument] = refWithKey(1)
	p.Roots[IndexTypeCAS] = refWithKey(2)

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeRevisionRootPage(data)
	require.NoError(t, err)
	require.Equal(t, p.Revision, decoded.Revision)
	require.Equal(t, uint64(1), decoded.Roots[IndexTypeDocument].PersistentKey())
	require.Equal(t, uint64(2), decoded.Roots[IndexTypeCAS].PersistentKey())
}

func TestNamePageInternResolveAndRoundTrip(t *testing.T) {
	p := NewNamePage(1, 0)
	id1 := p.Intern("foo")
	id2 := p.Intern("bar")
	require.Equal(t, id1, p.Intern("foo"), "re-interning the same name must return the same id")

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeNamePage(data)
	require.NoError(t, err)

	name1, err := decoded.Resolve(id1)
	require.NoError(t, err)
	require.Equal(t, "foo", name1)

	name2, err := decoded.Resolve(id2)
	require.NoError(t, err)
	require.Equal(t, "bar", name2)

	_, err = decoded.Resolve(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPathPageSerializeRoundTrip(t *testing.T) {
	p := &PathPage{PageKey: 5, Revision: 1, Root: refWithKey(77)}
	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializePathPage(data)
	require.NoError(t, err)
	require.Equal(t, p.PageKey, decoded.PageKey)
	require.Equal(t, uint64(77), decoded.Root.PersistentKey())
}

func TestPathSummaryPageSerializeRoundTrip(t *testing.T) {
	names := NewEmptyFullBitmapChunk(9, 0, IndexTypePathSummary, 0)
	require.NoError(t, names.AddKey(3))
	require.NoError(t, names.AddKey(7))

	p := &PathSummaryPage{PageKey: 9, Revision: 2, Names: names}
	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializePathSummaryPage(9, data)
	require.NoError(t, err)
	require.Equal(t, p.Revision, decoded.Revision)

	ok, err := decoded.Names.ContainsKey(3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeweyIDPageSetGetAndRoundTrip(t *testing.T) {
	p := NewDeweyIDPage(1, 0)
	p.Set(100, []byte{1, 3, 2})
	p.Set(200, []byte{1, 3, 4})

	val, ok := p.Get(100)
	require.True(t, ok)
	require.Equal(t, []byte{1, 3, 2}, val)

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeDeweyIDPage(data)
	require.NoError(t, err)

	val, ok = decoded.Get(200)
	require.True(t, ok)
	require.Equal(t, []byte{1, 3, 4}, val)

	_, ok = decoded.Get(999)
	require.False(t, ok)
}

func TestCASPageLookupRegisterAndRoundTrip(t *testing.T) {
	p := NewCASPage(1, 0)
	ref := refWithKey(55)
	p.Register(0xABCD, ref)

	got, ok := p.Lookup(0xABCD)
	require.True(t, ok)
	require.Equal(t, ref, got)

	data, err := p.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeCASPage(data)
	require.NoError(t, err)

	got2, ok := decoded.Lookup(0xABCD)
	require.True(t, ok)
	require.Equal(t, uint64(55), got2.PersistentKey())

	_, ok = decoded.Lookup(0x1234)
	require.False(t, ok)
}
