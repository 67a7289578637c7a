package pagestore

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Memory-protection/mapping flags, carried over from the teacher's Types.go
// (RDONLY/RDWR/COPY/EXEC/ANON), which declared them but never wired them to
// an actual mmap(2) call in the retrieved file set. They are still only
// declared here: the segment allocator below backs every page's off-heap
// buffer with an anonymous mmap'd arena (spec.md §6 "Segment allocator", §9
// "Memory-segment pooling") using golang.org/x/sys/unix's own PROT_/MAP_
// constants, not these.
const (
	protRead  = 1 << iota // RDONLY
	protWrite             // RDWR
	_                     // COPY: reserved, anonymous arenas are always private
	protExec              // EXEC
)

// SegmentOwnership tags how a Segment's backing memory must be released,
// mirroring spec.md §9's "Memory-segment pooling" note: the page must know
// whether to release to the allocator on close.
type SegmentOwnership uint8

const (
	// OwnedByAllocator segments are returned to the SegmentAllocator's free
	// list on release.
	OwnedByAllocator SegmentOwnership = iota
	// OwnedByDecompressionBuffer segments are owned by a DecompressionResult;
	// the releaser carried on that result must run exactly once, on close.
	OwnedByDecompressionBuffer
	// Borrowed segments are not released by their holder at all (e.g. a slice
	// of a page's own buffer handed to a materialized record).
	Borrowed
)

// Segment is a native-memory arena handed out by a SegmentAllocator. Pages
// acquire one on construction and return it on close (spec.md §5 "Shared
// resources").
type Segment struct {
	Bytes     []byte
	Ownership SegmentOwnership

	releaser func() error // set when Ownership == OwnedByDecompressionBuffer
	allocator *SegmentAllocator
}

// Release returns the segment to its owner exactly once. Must never run
// before the owning page's guard count reaches zero (spec.md §5).
func (s *Segment) Release() error {
	switch s.Ownership {
	case OwnedByAllocator:
		if s.allocator != nil {
			return s.allocator.release(s)
		}
		return nil
	case OwnedByDecompressionBuffer:
		if s.releaser != nil {
			r := s.releaser
			s.releaser = nil
			return r()
		}
		return nil
	default: // Borrowed
		return nil
	}
}

// SegmentAllocator is the segment allocator collaborator (spec.md §6):
// allocate(size) -> Segment, release(segment). Arenas are anonymous,
// page-aligned mmap regions (always zero-filled by the kernel, satisfying
// "must return zeroed or the core zeros before use" without any extra work);
// a free list buckets them by size class to avoid a syscall on every
// allocation, the same "recycle instead of churn" idea as the teacher's
// sync.Pool-based NodePool (NodePool.go), just applied to raw bytes instead
// of node structs.
type SegmentAllocator struct {
	mu       sync.Mutex
	freeList map[int][]*Segment
}

// NewSegmentAllocator constructs an empty allocator.
func NewSegmentAllocator() *SegmentAllocator {
	return &SegmentAllocator{freeList: make(map[int][]*Segment)}
}

// sizeClass rounds size up to the nearest page-size multiple, matching the
// teacher's page-granular resize doubling (IOUtils.go's resizeMmap).
func sizeClass(size int) int {
	pageSize := unix.Getpagesize()
	if size <= 0 {
		size = pageSize
	}
	return ((size + pageSize - 1) / pageSize) * pageSize
}

// Allocate returns a zeroed Segment of at least size bytes, owned by this
// allocator.
func (a *SegmentAllocator) Allocate(size int) (*Segment, error) {
	class := sizeClass(size)

	a.mu.Lock()
	if free := a.freeList[class]; len(free) > 0 {
		seg := free[len(free)-1]
		a.freeList[class] = free[:len(free)-1]
		a.mu.Unlock()

		for i := range seg.Bytes {
			seg.Bytes[i] = 0
		}
		return seg, nil
	}
	a.mu.Unlock()

	data, err := unix.Mmap(-1, 0, class, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagestore: segment allocate failed: %w", err)
	}

	return &Segment{Bytes: data[:size], Ownership: OwnedByAllocator, allocator: a}, nil
}

// release returns seg's arena to the free list for its size class. The
// underlying mapping is only actually munmap'd when the allocator itself is
// torn down (Close), matching the teacher's "resize doubles, never shrinks"
// philosophy (IOUtils.go's resizeMmap never releases memory back to the OS
// mid-session either).
func (a *SegmentAllocator) release(seg *Segment) error {
	class := sizeClass(cap(seg.Bytes))
	full := seg.Bytes[:cap(seg.Bytes)]
	seg.Bytes = full

	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList[class] = append(a.freeList[class], seg)
	return nil
}

// Close unmaps every arena the allocator has ever produced. Intended for
// process/test shutdown only.
func (a *SegmentAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, segs := range a.freeList {
		for _, seg := range segs {
			full := seg.Bytes[:cap(seg.Bytes)]
			if err := unix.Munmap(full); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	a.freeList = make(map[int][]*Segment)
	return firstErr
}
