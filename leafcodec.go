package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// syncPopulatedBitmapToBuffer flushes p.populated's words into the page's
// fixed 128-byte bitmap region (spec.md §3), keeping the on-disk layout
// exactly mirrored to the bits-and-blooms/bitset-backed in-memory view.
func (p *KeyValueLeafPage) syncPopulatedBitmapToBuffer() {
	words := p.populated.Bytes() // []uint64, len == populatedBmBytes/8
	region := p.buffer[leafHeaderSize : leafHeaderSize+populatedBmBytes]
	for i, w := range words {
		binary.LittleEndian.PutUint64(region[i*8:], w)
	}
}

// loadPopulatedBitmapFromBuffer is the inverse, used right after
// deserializing a page's raw bytes.
func loadPopulatedBitmapFromBuffer(buffer []byte) *bitset.BitSet {
	region := buffer[leafHeaderSize : leafHeaderSize+populatedBmBytes]
	words := make([]uint64, populatedBmBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(region[i*8:])
	}
	return bitset.From(words)
}

// Serialize encodes the full page as the body half of the PageKindUnifiedLeaf
// envelope, following the wire sections of spec.md §4.6 step list: fixed
// header + populated bitmap, slot-offset codec over the directory, a
// slot-ordered (length, kind) table for the populated slots, the heap, the
// overflow map, and the optional FSST/columnar trailers.
func (p *KeyValueLeafPage) Serialize() ([]byte, error) {
	p.syncPopulatedBitmapToBuffer()

	body := make([]byte, 0, leafHeapStart+int(p.HeapEnd()))
	body = append(body, p.buffer[:leafHeaderSize+populatedBmBytes]...)

	// --- slot directory: slot-offset codec (spec.md §4.5, §4.6 step 5) ---
	offsets := make([]int64, SlotCount)
	for slot := 0; slot < SlotCount; slot++ {
		if p.populated.Test(uint(slot)) {
			offsets[slot] = int64(p.readDirectoryEntry(slot).offset)
		} else {
			offsets[slot] = Absent
		}
	}
	encodedOffsets, err := EncodeSlotOffsets(offsets)
	if err != nil {
		return nil, err
	}
	lenBuf := make([]byte, 4)
	putUint32(lenBuf, uint32(len(encodedOffsets)))
	body = append(body, lenBuf...)
	body = append(body, encodedOffsets...)

	// Length + kind travel alongside the codec-encoded offsets, one 4-byte
	// (3-byte length + 1-byte kind) entry per populated slot in slot order —
	// the codec itself only covers the offset component (spec.md §4.5).
	for slot := 0; slot < SlotCount; slot++ {
		if !p.populated.Test(uint(slot)) {
			continue
		}
		entry := p.readDirectoryEntry(slot)
		var lk [4]byte
		putUint24(lk[0:3], entry.length)
		lk[3] = entry.kind
		body = append(body, lk[:]...)
	}

	// --- heap (spec.md §4.6 step 6) ---
	heapEnd := p.HeapEnd()
	heapLenBuf := make([]byte, 4)
	putUint32(heapLenBuf, heapEnd)
	body = append(body, heapLenBuf...)
	body = append(body, p.heap()...)

	// --- overflow map (spec.md §4.6 step 8) ---
	overflowBitmap := make([]byte, populatedBmBytes)
	words := p.overflowPresence.Bytes()
	for i, w := range words {
		binary.LittleEndian.PutUint64(overflowBitmap[i*8:], w)
	}
	body = append(body, overflowBitmap...)

	countBuf := make([]byte, 4)
	putUint32(countBuf, uint32(len(p.overflow)))
	body = append(body, countBuf...)

	for slot := 0; slot < SlotCount; slot++ {
		if !p.overflowPresence.Test(uint(slot)) {
			continue
		}
		keyBuf := make([]byte, 8)
		putUint64(keyBuf, p.overflowKeyAtSlot[slot])
		body = append(body, keyBuf...)
	}

	if p.hasFlag(FlagFSSTPresent) && p.fsst != nil {
		table := p.fsst.Serialize()
		fsstLenBuf := make([]byte, 4)
		putUint32(fsstLenBuf, uint32(len(table)))
		body = append(body, fsstLenBuf...)
		body = append(body, table...)
	}

	if p.columnar != nil {
		dirBuf := make([]byte, 4+len(p.columnar.dir)*12)
		putUint32(dirBuf[:4], uint32(len(p.columnar.dir)))
		pos := 4
		for slot, e := range p.columnar.dir {
			putUint32(dirBuf[pos:], uint32(slot))
			putUint32(dirBuf[pos+4:], e.offset)
			putUint32(dirBuf[pos+8:], e.length)
			pos += 12
		}

		colBuf := make([]byte, 4+len(p.columnar.buf))
		putUint32(colBuf[:4], uint32(len(p.columnar.buf)))
		copy(colBuf[4:], p.columnar.buf)

		body = append(body, dirBuf...)
		body = append(body, colBuf...)
	}

	return body, nil
}

// DeserializeKeyValueLeafPage decodes bytes produced by Serialize into a
// fresh page backed by a segment from alloc.
func DeserializeKeyValueLeafPage(alloc *SegmentAllocator, data []byte, opts PageStoreOptions) (*KeyValueLeafPage, error) {
	fixedLen := leafHeaderSize + populatedBmBytes
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: leaf page header truncated", ErrCorruptPage)
	}

	seg, err := alloc.Allocate(leafHeapStart)
	if err != nil {
		return nil, err
	}
	copy(seg.Bytes, data[:fixedLen])

	p := &KeyValueLeafPage{
		buffer:            seg.Bytes,
		seg:                seg,
		opts:               opts,
		preservation:       bitset.New(SlotCount),
		fixedFormat:        bitset.New(SlotCount),
		overflow:           make(map[uint64]*PageReference),
		overflowPresence:   bitset.New(SlotCount),
		overflowKeyAtSlot:  make(map[int]uint64),
	}
	p.guard = newGuardState(func() error { return seg.Release() })
	p.populated = loadPopulatedBitmapFromBuffer(p.buffer)

	cursor := data[fixedLen:]

	// --- slot directory: slot-offset codec ---
	if len(cursor) < 4 {
		return nil, fmt.Errorf("%w: leaf page slot-offset section truncated", ErrCorruptPage)
	}
	offsetsLen := int(getUint32(cursor[:4]))
	cursor = cursor[4:]
	if len(cursor) < offsetsLen {
		return nil, fmt.Errorf("%w: leaf page slot-offset codec bytes truncated", ErrCorruptPage)
	}
	offsets, err := DecodeSlotOffsets(cursor[:offsetsLen], SlotCount)
	if err != nil {
		return nil, err
	}
	cursor = cursor[offsetsLen:]

	for slot := 0; slot < SlotCount; slot++ {
		if offsets[slot] == Absent {
			continue
		}
		if len(cursor) < 4 {
			return nil, fmt.Errorf("%w: leaf page slot length/kind section truncated", ErrCorruptPage)
		}
		length := getUint24(cursor[0:3])
		kind := cursor[3]
		cursor = cursor[4:]
		p.writeDirectoryEntry(slot, slotDirectoryEntry{offset: uint32(offsets[slot]), length: length, kind: kind})
	}

	// --- heap ---
	if len(cursor) < 4 {
		return nil, fmt.Errorf("%w: leaf page heap length truncated", ErrCorruptPage)
	}
	heapEnd := getUint32(cursor[:4])
	cursor = cursor[4:]
	if len(cursor) < int(heapEnd) {
		return nil, fmt.Errorf("%w: leaf page heap truncated", ErrCorruptPage)
	}
	p.setHeapEnd(heapEnd)
	needed := leafHeapStart + int(heapEnd)
	if needed > len(p.buffer) {
		if err := p.growHeap(needed - leafHeapStart); err != nil {
			return nil, err
		}
	}
	copy(p.buffer[leafHeapStart:], cursor[:heapEnd])
	cursor = cursor[heapEnd:]

	var heapUsed uint32
	for slot := 0; slot < SlotCount; slot++ {
		if p.populated.Test(uint(slot)) {
			heapUsed += p.readDirectoryEntry(slot).length
		}
	}
	p.setHeapUsed(heapUsed)

	// --- overflow map ---
	if len(cursor) < populatedBmBytes+4 {
		return nil, fmt.Errorf("%w: leaf page overflow section truncated", ErrCorruptPage)
	}
	overflowWords := make([]uint64, populatedBmBytes/8)
	for i := range overflowWords {
		overflowWords[i] = binary.LittleEndian.Uint64(cursor[i*8:])
	}
	p.overflowPresence = bitset.From(overflowWords)
	cursor = cursor[populatedBmBytes:]

	overflowCount := int(getUint32(cursor[:4]))
	cursor = cursor[4:]

	seen := 0
	for slot := 0; slot < SlotCount; slot++ {
		if !p.overflowPresence.Test(uint(slot)) {
			continue
		}
		if len(cursor) < 8 {
			return nil, fmt.Errorf("%w: leaf page overflow key list truncated", ErrCorruptPage)
		}
		nodeKey := getUint64(cursor[:8])
		cursor = cursor[8:]
		ref := NewPageReference(0, 0)
		ref.SetPersistentKey(nodeKey)
		p.overflow[nodeKey] = ref
		p.overflowKeyAtSlot[slot] = nodeKey
		seen++
	}
	if seen != overflowCount {
		return nil, fmt.Errorf("%w: leaf page overflow count %d != presence bitmap popcount %d", ErrCorruptPage, overflowCount, seen)
	}

	if p.hasFlag(FlagFSSTPresent) {
		if len(cursor) < 4 {
			return nil, fmt.Errorf("%w: leaf page FSST section truncated", ErrCorruptPage)
		}
		tableLen := int(getUint32(cursor[:4]))
		cursor = cursor[4:]
		if len(cursor) < tableLen {
			return nil, fmt.Errorf("%w: leaf page FSST table truncated", ErrCorruptPage)
		}
		table, _, err := deserializeFSSTTable(cursor[:tableLen], p.fingerprint())
		if err != nil {
			return nil, err
		}
		p.fsst = table
		cursor = cursor[tableLen:]
	}

	if len(cursor) >= 4 {
		dirCount := int(getUint32(cursor[:4]))
		cursor = cursor[4:]
		dir := make(map[int]columnarEntry, dirCount)
		for i := 0; i < dirCount && len(cursor) >= 12; i++ {
			slot := int(getUint32(cursor[0:4]))
			dir[slot] = columnarEntry{offset: getUint32(cursor[4:8]), length: getUint32(cursor[8:12])}
			cursor = cursor[12:]
		}

		if len(cursor) >= 4 {
			colLen := int(getUint32(cursor[:4]))
			cursor = cursor[4:]
			if len(cursor) >= colLen {
				p.columnar = &columnarRegion{buf: append([]byte(nil), cursor[:colLen]...), dir: dir}
			}
		}
	}

	return p, nil
}
