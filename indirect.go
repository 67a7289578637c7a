package pagestore

import "fmt"

// IndirectPage is a regular interior page of the page-index tree (spec.md §3
// "interior (indirect) pages that form the page-index tree", tag
// PageKindIndirect) — distinct from HOTIndirectPage's HOT trie interior node
// (tag PageKindHOTIndirect). It holds one ReferenceSet (refset.go) of child
// PageReferences, delegating insertion and the Sparse4 -> BitmapSparse ->
// Dense upgrade path the same way HOT's MultiNode does (hotindirect.go), but
// addressed by plain ordinal child slot rather than a discriminative-bit
// extraction, and carries its own pageKey/revision/guard lifecycle the way
// every other standalone page in this package does (leaf.go, hotleaf.go,
// overflow.go).
type IndirectPage struct {
	pageKey   PageKey
	revision  uint32
	indexType IndexType
	arity     int

	refs *ReferenceSet

	guard guardState
}

// NewIndirectPage allocates a fresh interior page with arity child slots, all
// initially empty.
func NewIndirectPage(pageKey PageKey, revision uint32, indexType IndexType, arity int) *IndirectPage {
	p := &IndirectPage{
		pageKey:   pageKey,
		revision:  revision,
		indexType: indexType,
		arity:     arity,
		refs:      NewReferenceSet(arity),
	}
	p.guard = newGuardState(nil)
	return p
}

func (p *IndirectPage) PageKey() PageKey     { return p.pageKey }
func (p *IndirectPage) Revision() uint32     { return p.revision }
func (p *IndirectPage) IndexType() IndexType { return p.indexType }
func (p *IndirectPage) Arity() int           { return p.arity }

// Child returns the reference held at offset, or nil if unset.
func (p *IndirectPage) Child(offset int) *PageReference { return p.refs.GetOrCreate(offset) }

// SetChild installs ref at offset, upgrading the backing layout if needed.
func (p *IndirectPage) SetChild(offset int, ref *PageReference) InsertOutcome {
	return p.refs.SetOrCreate(offset, ref)
}

// Iterate visits every populated (offset, ref) pair.
func (p *IndirectPage) Iterate(fn func(offset int, ref *PageReference)) { p.refs.Iterate(fn) }

// CopyWithUpdatedChild clones the page at Revision+1 with one child replaced,
// the same copy-on-write shape as HOTIndirectPage.CopyWithUpdatedChild
// (hotindirect.go) but without that type's single-writer semaphore: a
// regular indirect page is mutated under the page-index tree's broader
// structural lock (spec.md §5), not its own per-node lock.
func (p *IndirectPage) CopyWithUpdatedChild(offset int, ref *PageReference) *IndirectPage {
	clone := NewIndirectPage(p.pageKey, p.revision+1, p.indexType, p.arity)
	p.refs.Iterate(func(o int, r *PageReference) {
		clone.refs.SetOrCreate(o, r)
	})
	clone.refs.SetOrCreate(offset, ref)
	return clone
}

// --- guard lifecycle delegation (matches overflow.go/leaf.go) ---

func (p *IndirectPage) AcquireGuard()       { p.guard.AcquireGuard() }
func (p *IndirectPage) ReleaseGuard() error { return p.guard.ReleaseGuard() }
func (p *IndirectPage) Close() error        { return p.guard.Close() }
func (p *IndirectPage) GuardCount() int32   { return p.guard.GuardCount() }

// Serialize encodes the page as header + arity + a count-prefixed list of
// (offset, reference) pairs in the reference set's iteration order
// (ascending for the bitmap and dense layouts, insertion order for
// Sparse-4), each reference in the same fixed
// PageReference encoding every metadata page uses (metadata.go's
// encodeRefFixed).
func (p *IndirectPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4+1+4)
	putUint64(buf[0:8], uint64(p.pageKey))
	putUint32(buf[8:12], p.revision)
	buf[12] = byte(p.indexType)
	putUint32(buf[13:17], uint32(p.arity))

	var entries []byte
	count := 0
	p.refs.Iterate(func(offset int, ref *PageReference) {
		var offBuf [4]byte
		putUint32(offBuf[:], uint32(offset))
		entries = append(entries, offBuf[:]...)
		entries = append(entries, encodeRefFixed(ref)...)
		count++
	})

	countBuf := make([]byte, 4)
	putUint32(countBuf, uint32(count))
	buf = append(buf, countBuf...)
	buf = append(buf, entries...)

	return buf, nil
}

// DeserializeIndirectPage is the exact inverse of Serialize.
func DeserializeIndirectPage(data []byte) (*IndirectPage, error) {
	if len(data) < 21 {
		return nil, fmt.Errorf("%w: indirect page header truncated", ErrCorruptPage)
	}

	pageKey := PageKey(getUint64(data[0:8]))
	revision := getUint32(data[8:12])
	indexType := IndexType(data[12])
	arity := int(getUint32(data[13:17]))
	count := int(getUint32(data[17:21]))
	cursor := data[21:]

	p := NewIndirectPage(pageKey, revision, indexType, arity)

	for i := 0; i < count; i++ {
		if len(cursor) < 4 {
			return nil, fmt.Errorf("%w: indirect page entry offset truncated", ErrCorruptPage)
		}
		offset := int(getUint32(cursor[:4]))
		cursor = cursor[4:]

		ref, n, err := decodeRefFixed(cursor)
		if err != nil {
			return nil, err
		}
		cursor = cursor[n:]

		p.refs.SetOrCreate(offset, ref)
	}

	return p, nil
}
