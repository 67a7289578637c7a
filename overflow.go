package pagestore

import "fmt"

const (
	overflowHdrPageKeyOff = 0
	overflowHdrLengthOff  = 8
	overflowHdrKindOff    = 12
	overflowHeaderSize    = 16 // 8 + 4 + 1 + 3 reserved
)

// OverflowPage holds a single large payload that does not fit inline in a
// unified leaf page's record heap (spec.md §4.4 "Overflow", tag
// PageKindOverflow). Unlike a leaf page it has no slot directory: one page,
// one payload, grown the same bump/double way as the leaf heap (IOUtils.go's
// resizeMmap doubling policy, mirrored in leaf.go's growHeap).
type OverflowPage struct {
	buffer []byte
	seg    *Segment
	guard  guardState
}

// NewOverflowPage allocates an overflow page from alloc holding payload,
// tagged with the kind byte of the record it replaces (so GetSlot-style
// kind validation still applies once resolved back into a record).
func NewOverflowPage(alloc *SegmentAllocator, pageKey PageKey, kind byte, payload []byte) (*OverflowPage, error) {
	seg, err := alloc.Allocate(overflowHeaderSize + len(payload))
	if err != nil {
		return nil, err
	}

	o := &OverflowPage{buffer: seg.Bytes, seg: seg}
	o.guard = newGuardState(func() error { return seg.Release() })

	putUint64(o.buffer[overflowHdrPageKeyOff:], uint64(pageKey))
	putUint32(o.buffer[overflowHdrLengthOff:], uint32(len(payload)))
	o.buffer[overflowHdrKindOff] = kind
	copy(o.buffer[overflowHeaderSize:], payload)

	return o, nil
}

func (o *OverflowPage) PageKey() PageKey { return PageKey(getUint64(o.buffer[overflowHdrPageKeyOff:])) }
func (o *OverflowPage) Kind() byte      { return o.buffer[overflowHdrKindOff] }

// Payload returns a zero-copy view of the stored bytes.
func (o *OverflowPage) Payload() []byte {
	n := getUint32(o.buffer[overflowHdrLengthOff:])
	return o.buffer[overflowHeaderSize : overflowHeaderSize+n]
}

// SetPayload replaces the stored payload, growing the backing segment via
// the allocator if necessary.
func (o *OverflowPage) SetPayload(alloc *SegmentAllocator, payload []byte) error {
	needed := overflowHeaderSize + len(payload)
	if needed > len(o.buffer) {
		newSeg, err := alloc.Allocate(needed)
		if err != nil {
			return err
		}
		oldSeg := o.seg
		o.buffer = newSeg.Bytes
		o.seg = newSeg
		o.guard.release = func() error { return newSeg.Release() }
		if err := oldSeg.Release(); err != nil {
			return err
		}
	}
	putUint32(o.buffer[overflowHdrLengthOff:], uint32(len(payload)))
	copy(o.buffer[overflowHeaderSize:], payload)
	return nil
}

// Serialize returns the page's exact on-disk bytes (header + payload), the
// body half of a PageKindOverflow envelope.
func (o *OverflowPage) Serialize() ([]byte, error) {
	n := getUint32(o.buffer[overflowHdrLengthOff:])
	return append([]byte(nil), o.buffer[:overflowHeaderSize+n]...), nil
}

// DeserializeOverflowPage decodes bytes produced by Serialize into a fresh
// page backed by a segment from alloc.
func DeserializeOverflowPage(alloc *SegmentAllocator, data []byte) (*OverflowPage, error) {
	if len(data) < overflowHeaderSize {
		return nil, fmt.Errorf("%w: overflow page header truncated", ErrCorruptPage)
	}
	n := int(getUint32(data[overflowHdrLengthOff:]))
	if len(data) < overflowHeaderSize+n {
		return nil, fmt.Errorf("%w: overflow page payload truncated", ErrCorruptPage)
	}

	seg, err := alloc.Allocate(overflowHeaderSize + n)
	if err != nil {
		return nil, err
	}
	copy(seg.Bytes, data[:overflowHeaderSize+n])

	o := &OverflowPage{buffer: seg.Bytes, seg: seg}
	o.guard = newGuardState(func() error { return seg.Release() })
	return o, nil
}

func (o *OverflowPage) AcquireGuard() { o.guard.AcquireGuard() }
func (o *OverflowPage) ReleaseGuard() error { return o.guard.ReleaseGuard() }
func (o *OverflowPage) Close() error        { return o.guard.Close() }

// PromoteToOverflow implements spec.md §4.4 "Overflow": a slot whose record
// grows past the inline ceiling is moved to its own OverflowPage, the slot's
// inline bit is cleared, and nodeKey (the caller-known logical key the
// record serializer associates with this slot, an external collaborator per
// spec.md §6) is registered in the page's overflow map.
func (p *KeyValueLeafPage) PromoteToOverflow(slot int, nodeKey uint64, alloc *SegmentAllocator) (*PageReference, error) {
	rec, err := p.GetSlot(slot)
	if err != nil {
		return nil, err
	}

	payload := append([]byte(nil), rec.Data...)
	overflowPageKey := PageKey(nodeKey)
	overflow, err := NewOverflowPage(alloc, overflowPageKey, rec.Kind, payload)
	if err != nil {
		return nil, err
	}

	ref := NewPageReference(0, 0)
	ref.SetPersistentKey(uint64(overflowPageKey))
	ref.SetPage(overflow)
	ref.SetContentHash(p.fingerprintOf(payload))

	if err := p.ClearSlot(slot); err != nil {
		return nil, err
	}
	p.overflow[nodeKey] = ref
	p.overflowPresence.Set(uint(slot))
	p.overflowKeyAtSlot[slot] = nodeKey

	return ref, nil
}

// ResolveOverflow returns the overflow page reference registered for
// nodeKey, if any.
func (p *KeyValueLeafPage) ResolveOverflow(nodeKey uint64) (*PageReference, bool) {
	ref, ok := p.overflow[nodeKey]
	return ref, ok
}

// DemoteFromOverflow moves nodeKey's overflow payload back inline at slot,
// the reverse of PromoteToOverflow, used when a record shrinks back under
// the inline ceiling (e.g. after the record serializer rewrites it).
func (p *KeyValueLeafPage) DemoteFromOverflow(slot int, nodeKey uint64) error {
	ref, ok := p.overflow[nodeKey]
	if !ok {
		return fmt.Errorf("%w: no overflow entry for node key %d", ErrNotFound, nodeKey)
	}
	overflow, ok := ref.Page().(*OverflowPage)
	if !ok {
		return fmt.Errorf("%w: node key %d overflow reference is not an overflow page", ErrCorruptPage, nodeKey)
	}

	if err := p.SetSlot(slot, SlotRecord{Kind: overflow.Kind(), Data: overflow.Payload()}); err != nil {
		return err
	}
	delete(p.overflow, nodeKey)
	p.overflowPresence.Clear(uint(slot))
	delete(p.overflowKeyAtSlot, slot)
	return nil
}

func (p *KeyValueLeafPage) fingerprintOf(data []byte) uint64 {
	return fingerprintSamples([][]byte{data})
}
