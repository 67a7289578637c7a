package pagestore

import (
	"fmt"
	"sync/atomic"
)

// guardState implements the guard/eviction state machine shared by every page
// kind that participates in the buffer-cache lifecycle (spec.md §4.4 "Guard
// lifecycle & eviction", §5, §9). It models the teacher's two-atomics
// approach directly: MariInst.IsResizing (an atomic flag gated by CAS,
// IOUtils.go) alongside a separate atomic counter pattern seen throughout
// Operation.go's CAS retry loops — generalized here into one guard counter
// plus one packed flag word, exactly as spec.md §9 prescribes ("model as two
// atomic fields ... with compare-and-set for the flag word. No locks on the
// hot access path").
//
// States: Alive-Unguarded, Alive-Guarded (guardCount > 0), Orphaned, Closed.
type guardState struct {
	guardCount int32
	flags      uint32

	release func() error
	released uint32 // CAS guard so release runs exactly once
}

const (
	flagHOT      uint32 = 1 << 0
	flagOrphaned uint32 = 1 << 1
	flagClosed   uint32 = 1 << 2
)

// newGuardState constructs a fresh Alive-Unguarded state with the given
// release callback, invoked exactly once by Close.
func newGuardState(release func() error) guardState {
	return guardState{release: release}
}

// MarkHOT sets the advisory HOT bit on every access. No memory barrier is
// required (spec.md §4.4); a second-chance clock eviction sweeper may clear
// it externally.
func (g *guardState) MarkHOT() {
	for {
		old := atomic.LoadUint32(&g.flags)
		if old&flagHOT != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&g.flags, old, old|flagHOT) {
			return
		}
	}
}

// ClearHOT clears the advisory HOT bit (called by the eviction sweeper's
// second-chance clock, an external collaborator this package never drives
// itself).
func (g *guardState) ClearHOT() {
	for {
		old := atomic.LoadUint32(&g.flags)
		if old&flagHOT == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&g.flags, old, old&^flagHOT) {
			return
		}
	}
}

func (g *guardState) isOrphaned() bool { return atomic.LoadUint32(&g.flags)&flagOrphaned != 0 }
func (g *guardState) isClosed() bool   { return atomic.LoadUint32(&g.flags)&flagClosed != 0 }

// AcquireGuard increments the guard count unconditionally: Alive-* ->
// Alive-Guarded (spec.md §4.4).
func (g *guardState) AcquireGuard() { atomic.AddInt32(&g.guardCount, 1) }

// TryAcquireGuard increments the guard count, but fails if the page is
// already Closed or Orphaned (spec.md §4.4: "Fails only if Closed/Orphaned in
// the tryAcquireGuard variant").
func (g *guardState) TryAcquireGuard() error {
	if g.isClosed() {
		return fmt.Errorf("%w: cannot guard a closed page", ErrGuardMisuse)
	}
	if g.isOrphaned() {
		return fmt.Errorf("%w: cannot guard an orphaned page", ErrGuardMisuse)
	}
	atomic.AddInt32(&g.guardCount, 1)
	return nil
}

// ReleaseGuard decrements the guard count: Alive-Guarded -> Alive-Unguarded
// when the count hits zero. If the page was Orphaned and the count hits
// zero, it also transitions to Closed and runs the release callback (spec.md
// §4.4). Underflow is fatal (ErrGuardMisuse).
func (g *guardState) ReleaseGuard() error {
	n := atomic.AddInt32(&g.guardCount, -1)
	if n < 0 {
		atomic.AddInt32(&g.guardCount, 1)
		return fmt.Errorf("%w: guard count released below zero", ErrGuardMisuse)
	}

	if n == 0 && g.isOrphaned() {
		return g.doClose()
	}
	return nil
}

// MarkOrphaned transitions Alive-* -> Orphaned. Idempotent: a second call is
// a no-op (spec.md §4.4: "idempotent CAS on the packed state int"). If the
// page has no outstanding guards at the moment of orphaning, it is closed
// immediately.
func (g *guardState) MarkOrphaned() error {
	for {
		old := atomic.LoadUint32(&g.flags)
		if old&flagOrphaned != 0 {
			return nil
		}
		if atomic.CompareAndSwapUint32(&g.flags, old, old|flagOrphaned) {
			break
		}
	}

	if atomic.LoadInt32(&g.guardCount) == 0 {
		return g.doClose()
	}
	return nil
}

// Close transitions any non-Closed state to Closed. Refused while
// guardCount > 0. Idempotent: closing an already-closed page is a no-op that
// returns without releasing memory again (spec.md §4.4, §8 "close() after
// acquireGuard() is a no-op").
func (g *guardState) Close() error {
	if g.isClosed() {
		return nil
	}
	if atomic.LoadInt32(&g.guardCount) > 0 {
		return nil // refused while guarded; not an error (spec.md §8 scenario 6)
	}
	return g.doClose()
}

// doClose performs the one-time transition to Closed and invokes release
// exactly once, even under concurrent orphan-then-close races (spec.md §8
// "Zero-copy page release").
func (g *guardState) doClose() error {
	for {
		old := atomic.LoadUint32(&g.flags)
		if old&flagClosed != 0 {
			return nil
		}
		if atomic.CompareAndSwapUint32(&g.flags, old, old|flagClosed) {
			break
		}
	}

	if atomic.CompareAndSwapUint32(&g.released, 0, 1) && g.release != nil {
		return g.release()
	}
	return nil
}

// GuardCount returns the current guard count.
func (g *guardState) GuardCount() int32 { return atomic.LoadInt32(&g.guardCount) }

// IsClosed reports whether the page has been closed.
func (g *guardState) IsClosed() bool { return g.isClosed() }

// IsOrphaned reports whether the page has been marked orphaned.
func (g *guardState) IsOrphaned() bool { return g.isOrphaned() }
