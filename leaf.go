package pagestore

import (
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// Leaf page header byte offsets (spec.md §3). All fields are little-endian;
// unaligned access is permitted, matching the teacher's direct-offset reads
// off a raw byte slice (Meta.go's loadMetaRootOffset/loadMetaVersion,
// Serialize.go's fixed NodeVersionIdx/NodeStartOffsetIdx/... constants).
const (
	hdrPageKeyOff        = 0
	hdrRevisionOff       = 8
	hdrPopulatedCountOff = 12
	hdrHeapEndOff        = 14
	hdrHeapUsedOff       = 18
	hdrIndexTypeOff      = 22
	hdrFlagsOff          = 23
	// 8 bytes reserved at offset 24..31
)

// slotDirectoryEntry is the in-memory view of one 8-byte slot directory
// entry: 4-byte heap offset + 3-byte data length + 1-byte node-kind id
// (spec.md §3).
type slotDirectoryEntry struct {
	offset uint32
	length uint32 // only low 24 bits meaningful
	kind   byte
}

// SlotRecord is the logical content of one occupied slot: the caller-supplied
// serialized record (the concrete record serializer is an external
// collaborator, spec.md §6) plus an optional DeweyID trailer.
type SlotRecord struct {
	Kind    byte
	Data    []byte
	DeweyID []byte // non-nil only when the page stores DeweyIDs inline
}

// KeyValueLeafPage is the central entity of this package: a bump-allocated
// off-heap region with a packed header, populated-slot bitmap, fixed-size
// slot directory, and a variable-length heap of records (spec.md §3, §4.4).
// It generalizes the teacher's single combined node (MariINode carrying both
// a sparse bitmap and inline leaf data, Types.go) into a page holding up to
// SlotCount independent records at once, each tracked the way the teacher
// tracks its single leaf payload (Node.go's ReadLNodeFromMemMap/
// WriteLNodeToMemMap bounds-checked slice access).
type KeyValueLeafPage struct {
	buffer []byte
	seg    *Segment

	populated *bitset.BitSet // mirrors the 1024-bit populated bitmap

	guard guardState

	opts PageStoreOptions

	// overflow maps node key -> the PageReference of the overflow page
	// holding that slot's payload, for slots too large to store inline
	// (spec.md §3 invariant P8, §4.4 "Overflow").
	overflow map[uint64]*PageReference

	// overflowPresence marks, per slot, whether that slot's P8 state is
	// "overflow reference" rather than "inline" or "absent" — the
	// serializer's overflow presence bitmap (spec.md §4.6 step 8) needs
	// this because overflow.go's map is keyed by the caller's node key,
	// not by slot, once the inline slot itself has been cleared.
	overflowPresence *bitset.BitSet
	// overflowKeyAtSlot records the node key an overflow-promoted slot was
	// registered under, so Serialize can emit overflow-page keys in slot
	// order.
	overflowKeyAtSlot map[int]uint64

	// preservation tracks, for a page built as a partial modification on top
	// of a base ("complete") page, which slots the base contributes that
	// this page has not yet overwritten (spec.md §4.4 "Preservation").
	preservation *bitset.BitSet
	base         *KeyValueLeafPage

	// fixedFormat tags slots materialized in the wider "fixed" in-memory
	// layout, pending re-encode into the persistent "compact" varint form at
	// commit (spec.md §4.4 "Fixed -> compact slot projection").
	fixedFormat *bitset.BitSet

	fsst *fsstTable

	columnar *columnarRegion

	materializedCount int32 // atomic; bounded by opts.MaxMaterializedRecords
}

// maxInlineRecordSize is the ceiling above which a record is promoted to an
// OverflowPage instead of being stored inline (spec.md §4.4 "Overflow"). Sized
// so a single record can never itself overflow the entire heap region.
const maxInlineRecordSize = 1 << 16

// NewKeyValueLeafPage allocates a fresh, empty leaf page from alloc with the
// given identity. heapCapacity is the number of bytes available to the
// record heap beyond the fixed header+bitmap+directory region.
func NewKeyValueLeafPage(alloc *SegmentAllocator, pageKey PageKey, revision uint32, indexType IndexType, heapCapacity int, opts PageStoreOptions) (*KeyValueLeafPage, error) {
	seg, err := alloc.Allocate(leafHeapStart + heapCapacity)
	if err != nil {
		return nil, err
	}

	p := &KeyValueLeafPage{
		buffer:            seg.Bytes,
		seg:               seg,
		populated:         bitset.New(SlotCount),
		preservation:      bitset.New(SlotCount),
		fixedFormat:       bitset.New(SlotCount),
		opts:              opts,
		overflow:          make(map[uint64]*PageReference),
		overflowPresence:  bitset.New(SlotCount),
		overflowKeyAtSlot: make(map[int]uint64),
	}
	p.guard = newGuardState(func() error { return seg.Release() })

	p.setPageKey(uint64(pageKey))
	p.setRevision(revision)
	p.setIndexType(indexType)
	p.setHeapEnd(0)
	p.setHeapUsed(0)
	p.setPopulatedCount(0)
	if opts.AreDeweyIDsStored {
		p.setFlag(FlagDeweyIDsInline, true)
	}

	return p, nil
}

// --- header accessors ---

func (p *KeyValueLeafPage) PageKey() PageKey   { return PageKey(getUint64(p.buffer[hdrPageKeyOff:])) }
func (p *KeyValueLeafPage) setPageKey(v uint64) { putUint64(p.buffer[hdrPageKeyOff:], v) }

func (p *KeyValueLeafPage) Revision() uint32    { return getUint32(p.buffer[hdrRevisionOff:]) }
func (p *KeyValueLeafPage) setRevision(v uint32) { putUint32(p.buffer[hdrRevisionOff:], v) }

func (p *KeyValueLeafPage) PopulatedCount() uint16 {
	return getUint16(p.buffer[hdrPopulatedCountOff:])
}
func (p *KeyValueLeafPage) setPopulatedCount(v uint16) {
	putUint16(p.buffer[hdrPopulatedCountOff:], v)
}

func (p *KeyValueLeafPage) HeapEnd() uint32    { return getUint32(p.buffer[hdrHeapEndOff:]) }
func (p *KeyValueLeafPage) setHeapEnd(v uint32) { putUint32(p.buffer[hdrHeapEndOff:], v) }

func (p *KeyValueLeafPage) HeapUsed() uint32    { return getUint32(p.buffer[hdrHeapUsedOff:]) }
func (p *KeyValueLeafPage) setHeapUsed(v uint32) { putUint32(p.buffer[hdrHeapUsedOff:], v) }

func (p *KeyValueLeafPage) IndexType() IndexType { return IndexType(p.buffer[hdrIndexTypeOff]) }
func (p *KeyValueLeafPage) setIndexType(v IndexType) { p.buffer[hdrIndexTypeOff] = byte(v) }

func (p *KeyValueLeafPage) Flags() uint8 { return p.buffer[hdrFlagsOff] }
func (p *KeyValueLeafPage) setFlag(bit uint8, set bool) {
	if set {
		p.buffer[hdrFlagsOff] |= bit
	} else {
		p.buffer[hdrFlagsOff] &^= bit
	}
}
func (p *KeyValueLeafPage) hasFlag(bit uint8) bool { return p.buffer[hdrFlagsOff]&bit != 0 }

// Fragmentation implements P7: 1 - heapUsed/heapEnd.
func (p *KeyValueLeafPage) Fragmentation() float64 {
	heapEnd := p.HeapEnd()
	if heapEnd == 0 {
		return 0
	}
	return 1 - float64(p.HeapUsed())/float64(heapEnd)
}

// Stats is a supplemented read-only accessor (SPEC_FULL.md §3), grounded on
// the teacher's PrintChildren/printChildrenRecursive debug accessors
// (Utils.go), which exist to observe the same kind of internal structural
// state this surfaces permanently rather than only under a debug build.
type Stats struct {
	PopulatedCount  uint16
	HeapEnd         uint32
	HeapUsed        uint32
	Fragmentation   float64
	OverflowEntries int
}

func (p *KeyValueLeafPage) Stats() Stats {
	return Stats{
		PopulatedCount:  p.PopulatedCount(),
		HeapEnd:         p.HeapEnd(),
		HeapUsed:        p.HeapUsed(),
		Fragmentation:   p.Fragmentation(),
		OverflowEntries: len(p.overflow),
	}
}

// --- slot directory access ---

func (p *KeyValueLeafPage) directoryEntryOffset(slot int) int { return slotDirOffset + slot*slotEntrySize }

func (p *KeyValueLeafPage) readDirectoryEntry(slot int) slotDirectoryEntry {
	off := p.directoryEntryOffset(slot)
	entry := p.buffer[off : off+slotEntrySize]
	return slotDirectoryEntry{
		offset: getUint32(entry[0:4]),
		length: getUint24(entry[4:7]),
		kind:   entry[7],
	}
}

func (p *KeyValueLeafPage) writeDirectoryEntry(slot int, e slotDirectoryEntry) {
	off := p.directoryEntryOffset(slot)
	entry := p.buffer[off : off+slotEntrySize]
	putUint32(entry[0:4], e.offset)
	putUint24(entry[4:7], e.length)
	entry[7] = e.kind
}

func (p *KeyValueLeafPage) clearDirectoryEntry(slot int) {
	p.writeDirectoryEntry(slot, slotDirectoryEntry{})
}

func (p *KeyValueLeafPage) heap() []byte {
	return p.buffer[leafHeapStart : leafHeapStart+int(p.HeapEnd())]
}

func (p *KeyValueLeafPage) heapCapacity() int { return len(p.buffer) - leafHeapStart }

// validateSlotIndex bounds-checks a slot index (a caller bug if it fails).
func validateSlotIndex(slot int) error {
	if slot < 0 || slot >= SlotCount {
		return fmt.Errorf("%w: slot index %d outside [0,%d)", ErrOutOfRange, slot, SlotCount)
	}
	return nil
}

// GetSlot implements spec.md §4.4 "Slot access": asserts the slot is
// populated, reads the directory entry, bounds-checks it against heapEnd
// (P2), and returns a zero-copy view into the heap.
func (p *KeyValueLeafPage) GetSlot(slot int) (SlotRecord, error) {
	if err := validateSlotIndex(slot); err != nil {
		return SlotRecord{}, err
	}
	if !p.populated.Test(uint(slot)) {
		return SlotRecord{}, fmt.Errorf("%w: slot %d is not populated", ErrNotFound, slot)
	}

	entry := p.readDirectoryEntry(slot)
	heapEnd := p.HeapEnd()
	if entry.length == 0 || uint64(entry.offset)+uint64(entry.length) > uint64(heapEnd) {
		return SlotRecord{}, fmt.Errorf("%w: slot %d directory entry corrupt (offset=%d length=%d heapEnd=%d)\n%s",
			ErrCorruptPage, slot, entry.offset, entry.length, heapEnd, hexDump(p.buffer, leafHeapStart+int(entry.offset), 64))
	}

	raw := p.heap()[entry.offset : entry.offset+entry.length]
	if raw[0] != entry.kind {
		return SlotRecord{}, fmt.Errorf("%w: slot %d record kind %d != directory kind %d", ErrCorruptPage, slot, raw[0], entry.kind)
	}

	body := raw[1:]
	rec := SlotRecord{Kind: entry.kind}

	if p.hasFlag(FlagDeweyIDsInline) && len(body) >= 2 {
		deweyLen := int(getUint16(body[len(body)-2:]))
		if deweyLen+2 <= len(body) {
			if deweyLen > 0 {
				rec.DeweyID = body[len(body)-2-deweyLen : len(body)-2]
			}
			body = body[:len(body)-2-deweyLen]
		}
	}
	rec.Data = body

	return rec, nil
}

// encodedSize returns the total heap footprint of rec, including the
// 1-byte kind prefix and, when DeweyIDs are stored inline, the trailing
// DeweyID plus its 2-byte length field (spec.md §3).
func (p *KeyValueLeafPage) encodedSize(rec SlotRecord) int {
	size := 1 + len(rec.Data)
	if p.hasFlag(FlagDeweyIDsInline) {
		size += len(rec.DeweyID) + 2
	}
	return size
}

func (p *KeyValueLeafPage) encodeRecord(dst []byte, rec SlotRecord) {
	dst[0] = rec.Kind
	n := copy(dst[1:], rec.Data)
	if p.hasFlag(FlagDeweyIDsInline) {
		tail := dst[1+n:]
		copy(tail, rec.DeweyID)
		putUint16(tail[len(rec.DeweyID):], uint16(len(rec.DeweyID)))
	}
}

// bumpAllocate grows the heap by n bytes, resizing the underlying buffer if
// necessary, and returns the offset of the new region.
func (p *KeyValueLeafPage) bumpAllocate(n int) (uint32, error) {
	heapEnd := p.HeapEnd()
	needed := int(heapEnd) + n
	if needed > p.heapCapacity() {
		if err := p.growHeap(needed); err != nil {
			return 0, err
		}
	}
	p.setHeapEnd(uint32(needed))
	return heapEnd, nil
}

// growHeap doubles the backing buffer until it can hold needed bytes beyond
// leafHeapStart, mirroring the teacher's resizeMmap doubling policy
// (IOUtils.go).
func (p *KeyValueLeafPage) growHeap(needed int) error {
	if p.seg == nil || p.seg.allocator == nil {
		return fmt.Errorf("pagestore: leaf page heap exhausted and has no allocator to grow from")
	}

	newCap := p.heapCapacity()
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < needed {
		newCap *= 2
	}

	newSeg, err := p.seg.allocator.Allocate(leafHeapStart + newCap)
	if err != nil {
		return err
	}
	copy(newSeg.Bytes, p.buffer)

	oldSeg := p.seg
	p.buffer = newSeg.Bytes
	p.seg = newSeg
	p.guard.release = func() error { return newSeg.Release() }
	return oldSeg.Release()
}

// SetSlot implements spec.md §4.4 "Insert / update". If the slot is
// unpopulated, bump-allocates room and writes the record. If populated and
// the new record fits in the existing footprint, it's overwritten in place
// and the directory length shrinks; otherwise the old region is abandoned
// (its bytes become garbage inside heapEnd, counted against fragmentation,
// P7) and a fresh region is bump-allocated.
func (p *KeyValueLeafPage) SetSlot(slot int, rec SlotRecord) error {
	if err := validateSlotIndex(slot); err != nil {
		return err
	}

	size := p.encodedSize(rec)
	if size > maxInlineRecordSize {
		return fmt.Errorf("%w: record of %d bytes exceeds inline ceiling %d; caller must promote to overflow", ErrPageFull, size, maxInlineRecordSize)
	}

	wasPopulated := p.populated.Test(uint(slot))

	if wasPopulated {
		entry := p.readDirectoryEntry(slot)
		if size <= int(entry.length) {
			dst := p.heap()[entry.offset : entry.offset+uint32(size)]
			p.encodeRecord(dst, rec)
			p.setHeapUsed(p.HeapUsed() - entry.length + uint32(size))
			entry.length = uint32(size)
			entry.kind = rec.Kind
			p.writeDirectoryEntry(slot, entry)
			return nil
		}
		// Abandon the old region; its bytes remain inside heapEnd as garbage
		// until the next compaction (spec.md §4.4, P5).
		p.setHeapUsed(p.HeapUsed() - entry.length)
	}

	offset, err := p.bumpAllocate(size)
	if err != nil {
		return err
	}
	dst := p.heap()[offset : offset+uint32(size)]
	p.encodeRecord(dst, rec)

	p.writeDirectoryEntry(slot, slotDirectoryEntry{offset: offset, length: uint32(size), kind: rec.Kind})
	p.setHeapUsed(p.HeapUsed() + uint32(size))

	if !wasPopulated {
		p.populated.Set(uint(slot))
		p.setPopulatedCount(p.PopulatedCount() + 1)
	}

	// Any write to a slot retires it from the preservation set: this page
	// now has its own copy and must not later be overwritten from base at
	// commit (spec.md §4.4 "Preservation").
	p.preservation.Clear(uint(slot))

	return nil
}

// ClearSlot removes a slot's content, used when a record is promoted to an
// overflow page (spec.md §4.4 "Overflow": "the inline slot bit is cleared").
func (p *KeyValueLeafPage) ClearSlot(slot int) error {
	if err := validateSlotIndex(slot); err != nil {
		return err
	}
	if !p.populated.Test(uint(slot)) {
		return nil
	}

	entry := p.readDirectoryEntry(slot)
	p.setHeapUsed(p.HeapUsed() - entry.length)
	p.clearDirectoryEntry(slot)
	p.populated.Clear(uint(slot))
	p.setPopulatedCount(p.PopulatedCount() - 1)
	p.preservation.Clear(uint(slot))

	return nil
}

// IsPopulated reports whether slot currently holds a record inline.
func (p *KeyValueLeafPage) IsPopulated(slot int) bool { return p.populated.Test(uint(slot)) }

// VerifyInvariants checks P1..P4 and P6 over the whole page; intended for
// tests and corruption diagnostics, not the hot path.
func (p *KeyValueLeafPage) VerifyInvariants() error {
	if uint(p.PopulatedCount()) != p.populated.Count() {
		return fmt.Errorf("%w: populatedCount %d != bitmap popcount %d", ErrCorruptPage, p.PopulatedCount(), p.populated.Count())
	}

	heapEnd := p.HeapEnd()
	if p.HeapUsed() > heapEnd || uint64(heapEnd) > uint64(p.heapCapacity()) {
		return fmt.Errorf("%w: heapUsed=%d heapEnd=%d capacity=%d", ErrCorruptPage, p.HeapUsed(), heapEnd, p.heapCapacity())
	}

	for slot := 0; slot < SlotCount; slot++ {
		entry := p.readDirectoryEntry(slot)
		if p.populated.Test(uint(slot)) {
			if uint64(entry.offset)+uint64(entry.length) > uint64(heapEnd) {
				return fmt.Errorf("%w: slot %d offset+length exceeds heapEnd", ErrCorruptPage, slot)
			}
			if entry.length > 0 {
				actualKind := p.heap()[entry.offset]
				if actualKind != entry.kind {
					return fmt.Errorf("%w: slot %d kind mismatch", ErrCorruptPage, slot)
				}
			}
		} else if entry.offset != 0 || entry.length != 0 || entry.kind != 0 {
			return fmt.Errorf("%w: slot %d directory entry non-zero but unpopulated", ErrCorruptPage, slot)
		}
	}

	return nil
}

// fingerprint returns an xxhash64 of the page's live slot contents, used by
// FSST adoption to detect an unchanged sample set across retries (spec.md
// §4.4 "FSST"). The envelope checksum is computed separately, over the
// encoded body (page.go).
func (p *KeyValueLeafPage) fingerprint() uint64 {
	digest := xxhash.New()
	for slot := 0; slot < SlotCount; slot++ {
		if !p.populated.Test(uint(slot)) {
			continue
		}
		entry := p.readDirectoryEntry(slot)
		digest.Write(p.heap()[entry.offset : entry.offset+entry.length])
	}
	return digest.Sum64()
}

// --- guard lifecycle delegation ---

func (p *KeyValueLeafPage) AcquireGuard() { p.guard.AcquireGuard(); p.guard.MarkHOT() }
func (p *KeyValueLeafPage) TryAcquireGuard() error {
	if err := p.guard.TryAcquireGuard(); err != nil {
		return err
	}
	p.guard.MarkHOT()
	return nil
}
func (p *KeyValueLeafPage) ReleaseGuard() error { return p.guard.ReleaseGuard() }
func (p *KeyValueLeafPage) MarkOrphaned() error { return p.guard.MarkOrphaned() }
func (p *KeyValueLeafPage) Close() error        { return p.guard.Close() }
func (p *KeyValueLeafPage) GuardCount() int32   { return p.guard.GuardCount() }
func (p *KeyValueLeafPage) IsClosed() bool      { return p.guard.IsClosed() }
func (p *KeyValueLeafPage) IsOrphaned() bool    { return p.guard.IsOrphaned() }

// --- materialized-record demotion accounting (SPEC_FULL.md §3) ---

// MaterializeRecord registers that a record has been deserialized into a
// live object borrowing this page's FSST table, bounded by
// opts.MaxMaterializedRecords. Returns false when the threshold is reached,
// signaling the caller to demote (drop) an existing materialized record
// first, the same backpressure idea as the teacher's bounded NodePool
// (NodePool.go: "If the pool is at max capacity, drop the node").
func (p *KeyValueLeafPage) MaterializeRecord() bool {
	limit := int32(p.opts.MaxMaterializedRecords)
	if limit <= 0 {
		atomic.AddInt32(&p.materializedCount, 1)
		return true
	}
	for {
		cur := atomic.LoadInt32(&p.materializedCount)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.materializedCount, cur, cur+1) {
			return true
		}
	}
}

// DemoteRecord releases one materialized-record slot back to the pool.
func (p *KeyValueLeafPage) DemoteRecord() {
	if atomic.AddInt32(&p.materializedCount, -1) < 0 {
		atomic.StoreInt32(&p.materializedCount, 0)
	}
}
