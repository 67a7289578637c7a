package pagestore

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// BitmapChunkMode is one of {Full, Delta, Tombstone} (spec.md §3).
type BitmapChunkMode uint8

const (
	ChunkFull BitmapChunkMode = iota
	ChunkDelta
	ChunkTombstone
)

const (
	chunkFlagDelta   uint8 = 1 << 0
	chunkFlagDeleted uint8 = 1 << 1
)

// BitmapChunkPage is a versioned, compressed bitmap over a BitmapChunkSize-
// wide range of node keys (spec.md §3, §4.3). It generalizes the teacher's
// [8]uint32 sparse child-presence bitmap (Utils.go) from 256 slots to a full
// 65536-key range, backed by a compressed 32-bit roaring bitmap instead of
// the teacher's plain words. Each key is stored as its offset from
// RangeStart; the bitmaps never hold full 64-bit keys.
type BitmapChunkPage struct {
	PageKey    PageKey
	Revision   uint32
	IndexType  IndexType
	RangeStart uint64
	RangeEnd   uint64

	mode BitmapChunkMode

	full      *roaring.Bitmap
	additions *roaring.Bitmap
	removals  *roaring.Bitmap

	guard guardState
}

func newChunkBase(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64) BitmapChunkPage {
	return BitmapChunkPage{
		PageKey:    pageKey,
		Revision:   revision,
		IndexType:  indexType,
		RangeStart: rangeStart,
		RangeEnd:   rangeStart + BitmapChunkSize,
	}
}

// NewFullBitmapChunk creates a Full-mode chunk from an existing 32-bit-keyed
// bitmap of (key - rangeStart) offsets.
func NewFullBitmapChunk(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64, bitmap *roaring.Bitmap) *BitmapChunkPage {
	c := newChunkBase(pageKey, revision, indexType, rangeStart)
	c.mode = ChunkFull
	if bitmap != nil {
		c.full = bitmap.Clone()
	} else {
		c.full = roaring.New()
	}
	return &c
}

// NewEmptyFullBitmapChunk creates an empty Full-mode chunk.
func NewEmptyFullBitmapChunk(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64) *BitmapChunkPage {
	return NewFullBitmapChunk(pageKey, revision, indexType, rangeStart, roaring.New())
}

// NewDeltaBitmapChunk creates a Delta-mode chunk from additions/removals
// bitmaps. Per the Delta invariant (spec.md §3), any key present in both is
// resolved in favor of removals being cleared (additions wins), keeping the
// two sets disjoint.
func NewDeltaBitmapChunk(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64, additions, removals *roaring.Bitmap) *BitmapChunkPage {
	c := newChunkBase(pageKey, revision, indexType, rangeStart)
	c.mode = ChunkDelta
	c.additions = roaring.New()
	c.removals = roaring.New()
	if additions != nil {
		c.additions.Or(additions)
	}
	if removals != nil {
		c.removals.Or(removals)
	}
	c.removals.AndNot(c.additions)
	return &c
}

// NewEmptyDeltaBitmapChunk creates an empty Delta-mode chunk.
func NewEmptyDeltaBitmapChunk(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64) *BitmapChunkPage {
	return NewDeltaBitmapChunk(pageKey, revision, indexType, rangeStart, nil, nil)
}

// NewTombstoneBitmapChunk creates a Tombstone chunk: neither bitmap is held.
func NewTombstoneBitmapChunk(pageKey PageKey, revision uint32, indexType IndexType, rangeStart uint64) *BitmapChunkPage {
	c := newChunkBase(pageKey, revision, indexType, rangeStart)
	c.mode = ChunkTombstone
	return &c
}

func (c *BitmapChunkPage) Mode() BitmapChunkMode { return c.mode }

// offsetOf validates k is in range and returns its in-chunk offset.
func (c *BitmapChunkPage) offsetOf(k uint64) (uint32, error) {
	if k < c.RangeStart || k >= c.RangeEnd {
		return 0, fmt.Errorf("%w: key %d outside chunk range [%d, %d)", ErrOutOfRange, k, c.RangeStart, c.RangeEnd)
	}
	return uint32(k - c.RangeStart), nil
}

// AddKey fails with ErrOutOfRange if k is outside the chunk's range, fails
// with ErrDeleted on a Tombstone chunk; in Full mode sets the bit; in Delta
// mode adds to additions and removes from removals (spec.md §4.3).
func (c *BitmapChunkPage) AddKey(k uint64) error {
	offset, err := c.offsetOf(k)
	if err != nil {
		return err
	}

	switch c.mode {
	case ChunkTombstone:
		return fmt.Errorf("%w: cannot add to a tombstoned chunk", ErrDeleted)
	case ChunkFull:
		c.full.Add(offset)
	case ChunkDelta:
		c.additions.Add(offset)
		c.removals.Remove(offset)
	}
	return nil
}

// RemoveKey fails with ErrOutOfRange if k is outside the chunk's range; is a
// silent no-op on a Tombstone chunk (the one documented exception to "no
// error is silently swallowed", spec.md §7); Full removes the bit; Delta
// adds to removals and removes from additions.
func (c *BitmapChunkPage) RemoveKey(k uint64) error {
	offset, err := c.offsetOf(k)
	if err != nil {
		return err
	}

	switch c.mode {
	case ChunkTombstone:
		return nil
	case ChunkFull:
		c.full.Remove(offset)
	case ChunkDelta:
		c.removals.Add(offset)
		c.additions.Remove(offset)
	}
	return nil
}

// ContainsKey is valid only in Full mode; fails with ErrDeltaMustBeCombined
// in Delta mode (spec.md §4.3) and ErrDeleted on a Tombstone.
func (c *BitmapChunkPage) ContainsKey(k uint64) (bool, error) {
	offset, err := c.offsetOf(k)
	if err != nil {
		return false, err
	}

	switch c.mode {
	case ChunkTombstone:
		return false, fmt.Errorf("%w: chunk is tombstoned", ErrDeleted)
	case ChunkDelta:
		return false, fmt.Errorf("%w: containsKey requires a combined Full chunk", ErrDeltaMustBeCombined)
	default:
		return c.full.Contains(offset), nil
	}
}

// CombineWithBase folds a Delta chunk's additions/removals onto base's bitmap
// and returns a new Full chunk: (base ∪ additions) \ removals. Only valid
// when c is Delta-mode.
func (c *BitmapChunkPage) CombineWithBase(base *roaring.Bitmap) (*BitmapChunkPage, error) {
	if c.mode != ChunkDelta {
		return nil, fmt.Errorf("%w: CombineWithBase requires a Delta chunk", ErrDeltaMustBeCombined)
	}

	combined := roaring.New()
	if base != nil {
		combined.Or(base)
	}
	combined.Or(c.additions)
	combined.AndNot(c.removals)

	return NewFullBitmapChunk(c.PageKey, c.Revision, c.IndexType, c.RangeStart, combined), nil
}

// Copy deep-clones the chunk at a new revision, preserving its mode (spec.md §4.3).
func (c *BitmapChunkPage) Copy(newRevision uint32) *BitmapChunkPage {
	clone := newChunkBase(c.PageKey, newRevision, c.IndexType, c.RangeStart)
	clone.mode = c.mode
	if c.full != nil {
		clone.full = c.full.Clone()
	}
	if c.additions != nil {
		clone.additions = c.additions.Clone()
	}
	if c.removals != nil {
		clone.removals = c.removals.Clone()
	}
	return &clone
}

// CopyAsFull clones c to a Full chunk at newRevision. Per spec.md §9 Open
// Question 1, calling this on a Delta chunk does NOT combine it with a base
// — it materializes an empty Full bitmap, matching the documented caveat
// ("the source comment ... suggests the caller must combine externally, but
// the method does not fail"). Callers that need the combined view must call
// CombineWithBase explicitly.
func (c *BitmapChunkPage) CopyAsFull(newRevision uint32) *BitmapChunkPage {
	if c.mode != ChunkFull {
		return NewEmptyFullBitmapChunk(c.PageKey, newRevision, c.IndexType, c.RangeStart)
	}
	return NewFullBitmapChunk(c.PageKey, newRevision, c.IndexType, c.RangeStart, c.full)
}

// Serialize encodes the chunk per spec.md §4.3: flags byte; u64 rangeStart;
// u64 rangeEnd; u32 revision; u8 indexType; then one or two length-prefixed
// roaring-bitmap payloads (empty when Tombstone).
func (c *BitmapChunkPage) Serialize() ([]byte, error) {
	var flags uint8
	if c.mode == ChunkDelta {
		flags |= chunkFlagDelta
	}
	if c.mode == ChunkTombstone {
		flags |= chunkFlagDeleted
	}

	buf := make([]byte, 1+8+8+4+1)
	buf[0] = flags
	putUint64(buf[1:9], c.RangeStart)
	putUint64(buf[9:17], c.RangeEnd)
	putUint32(buf[17:21], c.Revision)
	buf[21] = byte(c.IndexType)

	appendBitmap := func(b *roaring.Bitmap) error {
		if b == nil {
			buf = append(buf, 0, 0, 0, 0)
			return nil
		}
		payload, err := b.ToBytes()
		if err != nil {
			return err
		}
		lenBuf := make([]byte, 4)
		putUint32(lenBuf, uint32(len(payload)))
		buf = append(buf, lenBuf...)
		buf = append(buf, payload...)
		return nil
	}

	switch c.mode {
	case ChunkFull:
		if err := appendBitmap(c.full); err != nil {
			return nil, err
		}
	case ChunkDelta:
		if err := appendBitmap(c.additions); err != nil {
			return nil, err
		}
		if err := appendBitmap(c.removals); err != nil {
			return nil, err
		}
	case ChunkTombstone:
		// no payloads
	}

	return buf, nil
}

// DeserializeBitmapChunk decodes a chunk encoded by Serialize.
func DeserializeBitmapChunk(pageKey PageKey, data []byte) (*BitmapChunkPage, error) {
	if len(data) < 22 {
		return nil, fmt.Errorf("%w: bitmap chunk header truncated", ErrCorruptPage)
	}

	flags := data[0]
	rangeStart := getUint64(data[1:9])
	rangeEnd := getUint64(data[9:17])
	revision := getUint32(data[17:21])
	indexType := IndexType(data[21])

	if rangeEnd-rangeStart != BitmapChunkSize {
		return nil, fmt.Errorf("%w: chunk range width %d != %d", ErrCorruptPage, rangeEnd-rangeStart, BitmapChunkSize)
	}

	cursor := data[22:]
	readBitmap := func() (*roaring.Bitmap, error) {
		if len(cursor) < 4 {
			return nil, fmt.Errorf("%w: bitmap length prefix truncated", ErrCorruptPage)
		}
		n := int(getUint32(cursor[:4]))
		cursor = cursor[4:]
		if n == 0 {
			return roaring.New(), nil
		}
		if len(cursor) < n {
			return nil, fmt.Errorf("%w: bitmap payload truncated", ErrCorruptPage)
		}
		bm := roaring.New()
		if _, err := bm.FromBuffer(cursor[:n]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		cursor = cursor[n:]
		return bm, nil
	}

	c := newChunkBase(pageKey, revision, indexType, rangeStart)

	switch {
	case flags&chunkFlagDeleted != 0:
		c.mode = ChunkTombstone
	case flags&chunkFlagDelta != 0:
		c.mode = ChunkDelta
		additions, err := readBitmap()
		if err != nil {
			return nil, err
		}
		removals, err := readBitmap()
		if err != nil {
			return nil, err
		}
		c.additions, c.removals = additions, removals
	default:
		c.mode = ChunkFull
		full, err := readBitmap()
		if err != nil {
			return nil, err
		}
		c.full = full
	}

	return &c, nil
}

// LogicalSet materializes the current logical key set as absolute node keys
// (rangeStart-relative offsets translated back). Full and Tombstone modes
// return directly; Delta requires an explicit base via CombineWithBase first
// (ErrDeltaMustBeCombined otherwise), mirroring ContainsKey's contract.
func (c *BitmapChunkPage) LogicalSet() ([]uint64, error) {
	if c.mode == ChunkDelta {
		return nil, fmt.Errorf("%w: LogicalSet requires a combined Full chunk", ErrDeltaMustBeCombined)
	}
	if c.mode == ChunkTombstone {
		return nil, nil
	}

	keys := make([]uint64, 0, c.full.GetCardinality())
	it := c.full.Iterator()
	for it.HasNext() {
		keys = append(keys, c.RangeStart+uint64(it.Next()))
	}
	return keys, nil
}
