package pagestore

// Compact rebuilds the record heap in slot order, dropping abandoned bytes
// left behind by in-place overwrites that didn't fit their old footprint
// (spec.md §4.4 "Heap compaction", P7). Grounded on the teacher's
// Compact.go/CompactUtils.go, which walk a node's children and rewrite a
// fresh node containing only live entries; generalized here from "rewrite a
// trie node" to "rewrite a slot heap".
func (p *KeyValueLeafPage) Compact() error {
	type liveSlot struct {
		slot  int
		entry slotDirectoryEntry
	}

	var live []liveSlot
	for slot := 0; slot < SlotCount; slot++ {
		if p.populated.Test(uint(slot)) {
			live = append(live, liveSlot{slot: slot, entry: p.readDirectoryEntry(slot)})
		}
	}

	newHeap := make([]byte, 0, p.HeapUsed())
	for _, ls := range live {
		old := p.heap()[ls.entry.offset : ls.entry.offset+ls.entry.length]
		newOffset := uint32(len(newHeap))
		newHeap = append(newHeap, old...)
		p.writeDirectoryEntry(ls.slot, slotDirectoryEntry{offset: newOffset, length: ls.entry.length, kind: ls.entry.kind})
	}

	copy(p.buffer[leafHeapStart:], newHeap)
	p.setHeapEnd(uint32(len(newHeap)))
	p.setHeapUsed(uint32(len(newHeap)))

	if p.columnar != nil {
		p.columnar.Compact()
	}

	return nil
}

// MaybeCompact runs Compact if fragmentation exceeds FragmentationThreshold
// (P7), returning whether it did.
func (p *KeyValueLeafPage) MaybeCompact() (bool, error) {
	if p.Fragmentation() <= FragmentationThreshold {
		return false, nil
	}
	return true, p.Compact()
}

// BeginFromBase constructs a new page that is a partial modification on top
// of base: every slot base has populated is marked in the preservation
// bitmap, meaning base still owns that slot's bytes until this page
// overwrites it (spec.md §4.4 "Preservation"). The header/identity fields are
// copied from base as a starting point (typically the caller then bumps the
// revision).
func BeginFromBase(alloc *SegmentAllocator, base *KeyValueLeafPage) (*KeyValueLeafPage, error) {
	p, err := NewKeyValueLeafPage(alloc, base.PageKey(), base.Revision(), base.IndexType(), base.heapCapacity(), base.opts)
	if err != nil {
		return nil, err
	}

	p.base = base
	p.preservation = base.populated.Clone()
	for slot := 0; slot < SlotCount; slot++ {
		if base.populated.Test(uint(slot)) {
			p.populated.Set(uint(slot))
		}
	}
	p.setPopulatedCount(base.PopulatedCount())

	return p, nil
}

// ResolveSlot returns the record for slot, transparently following the
// preservation chain to base when this page has not yet overwritten it
// (spec.md §4.4 "Preservation").
func (p *KeyValueLeafPage) ResolveSlot(slot int) (SlotRecord, error) {
	if err := validateSlotIndex(slot); err != nil {
		return SlotRecord{}, err
	}
	if p.base != nil && p.preservation.Test(uint(slot)) {
		return p.base.GetSlot(slot)
	}
	return p.GetSlot(slot)
}

// AddReferences materializes every preserved slot by copying it out of base
// into this page's own heap, clearing the preservation bitmap entirely. This
// is the deferred-copy commit step (spec.md §4.4: "preserved slots are
// copied from base into this page's own heap at commit").
func (p *KeyValueLeafPage) AddReferences() error {
	if p.base == nil {
		return nil
	}

	for slot := 0; slot < SlotCount; slot++ {
		if !p.preservation.Test(uint(slot)) {
			continue
		}
		rec, err := p.base.GetSlot(slot)
		if err != nil {
			return err
		}
		if err := p.SetSlot(slot, rec); err != nil {
			return err
		}
	}

	p.preservation.ClearAll()
	p.base = nil
	return nil
}

// MarkFixedFormat tags slot as materialized in the wide in-memory "fixed"
// layout, pending re-encode into the persistent compact varint form before
// this page can be serialized (spec.md §4.4 "Fixed -> compact slot
// projection").
func (p *KeyValueLeafPage) MarkFixedFormat(slot int) {
	p.fixedFormat.Set(uint(slot))
}

// ProjectToCompact re-encodes every slot tagged fixed-format back through
// encode (the caller-supplied compact-form bytes), clearing each slot's tag
// as it's projected. project is given the slot index and must return the
// slot's compact-form SlotRecord.
func (p *KeyValueLeafPage) ProjectToCompact(project func(slot int) (SlotRecord, error)) error {
	for slot := 0; slot < SlotCount; slot++ {
		if !p.fixedFormat.Test(uint(slot)) {
			continue
		}
		rec, err := project(slot)
		if err != nil {
			return err
		}
		if err := p.SetSlot(slot, rec); err != nil {
			return err
		}
		p.fixedFormat.Clear(uint(slot))
	}
	return nil
}
