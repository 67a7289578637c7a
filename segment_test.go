package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAllocateIsZeroedAndSized(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	seg, err := alloc.Allocate(100)
	require.NoError(t, err)
	require.Len(t, seg.Bytes, 100)
	for _, b := range seg.Bytes {
		require.Equal(t, byte(0), b)
	}
}

func TestSegmentReleaseRecyclesFromFreeList(t *testing.T) {
	alloc := NewSegmentAllocator()
	t.Cleanup(func() { _ = alloc.Close() })

	seg, err := alloc.Allocate(4096)
	require.NoError(t, err)
	seg.Bytes[0] = 0xFF

	require.NoError(t, seg.Release())

	seg2, err := alloc.Allocate(4096)
	require.NoError(t, err)
	require.Equal(t, byte(0), seg2.Bytes[0], "recycled segment must be re-zeroed before reuse")
}

func TestSegmentOwnershipBorrowedReleaseIsNoOp(t *testing.T) {
	seg := &Segment{Bytes: make([]byte, 8), Ownership: Borrowed}
	require.NoError(t, seg.Release())
}

func TestSegmentOwnershipDecompressionBufferReleasesOnce(t *testing.T) {
	released := 0
	seg := &Segment{Bytes: make([]byte, 8), Ownership: OwnedByDecompressionBuffer, releaser: func() error { released++; return nil }}

	require.NoError(t, seg.Release())
	require.NoError(t, seg.Release())
	require.Equal(t, 1, released, "releaser must run exactly once")
}

func TestSegmentAllocatorCloseUnmapsFreedArenas(t *testing.T) {
	alloc := NewSegmentAllocator()
	seg, err := alloc.Allocate(4096)
	require.NoError(t, err)
	require.NoError(t, seg.Release())

	require.NoError(t, alloc.Close())
}
