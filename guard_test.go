package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardLifecycleBasic(t *testing.T) {
	released := false
	g := newGuardState(func() error { released = true; return nil })

	g.AcquireGuard()
	require.Equal(t, int32(1), g.GuardCount())

	require.NoError(t, g.ReleaseGuard())
	require.Equal(t, int32(0), g.GuardCount())
	require.False(t, released)
}

func TestGuardReleaseUnderflowIsFatal(t *testing.T) {
	g := newGuardState(nil)
	err := g.ReleaseGuard()
	require.ErrorIs(t, err, ErrGuardMisuse)
	require.Equal(t, int32(0), g.GuardCount())
}

func TestGuardCloseAfterAcquireIsNoOp(t *testing.T) {
	released := false
	g := newGuardState(func() error { released = true; return nil })

	g.AcquireGuard()
	require.NoError(t, g.Close())
	require.False(t, g.IsClosed())
	require.False(t, released)

	require.NoError(t, g.ReleaseGuard())
	require.NoError(t, g.Close())
	require.True(t, g.IsClosed())
	require.True(t, released)
}

func TestGuardOrphanWithNoGuardsClosesImmediately(t *testing.T) {
	released := false
	g := newGuardState(func() error { released = true; return nil })

	require.NoError(t, g.MarkOrphaned())
	require.True(t, g.IsOrphaned())
	require.True(t, g.IsClosed())
	require.True(t, released)
}

func TestGuardOrphanThenReleaseClosesOnce(t *testing.T) {
	releaseCount := 0
	g := newGuardState(func() error { releaseCount++; return nil })

	g.AcquireGuard()
	require.NoError(t, g.MarkOrphaned())
	require.False(t, g.IsClosed(), "still guarded, must not close yet")

	require.NoError(t, g.ReleaseGuard())
	require.True(t, g.IsClosed())
	require.Equal(t, 1, releaseCount)

	// A second orphan/close call must not release again.
	require.NoError(t, g.MarkOrphaned())
	require.NoError(t, g.Close())
	require.Equal(t, 1, releaseCount)
}

func TestGuardTryAcquireFailsWhenClosedOrOrphaned(t *testing.T) {
	g := newGuardState(nil)
	require.NoError(t, g.MarkOrphaned())
	require.ErrorIs(t, g.TryAcquireGuard(), ErrGuardMisuse)
}

func TestGuardHOTFlagToggle(t *testing.T) {
	g := newGuardState(nil)
	g.MarkHOT()
	require.True(t, g.flags&flagHOT != 0)
	g.ClearHOT()
	require.True(t, g.flags&flagHOT == 0)
}
