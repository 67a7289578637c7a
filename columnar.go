package pagestore

import "fmt"

// columnarRegion is the optional second contiguous byte region a leaf page
// can grow string payloads into instead of storing them inline in the record
// heap (spec.md §4.4 "columnar string region"). It is attached by
// EnableColumnarStrings or PutColumnarString; opts.UseColumnarStrings does
// not attach it, and records written by SetSlot stay inline.
// Grounded on the teacher's heap-growth pattern (IOUtils.go's resizeMmap)
// generalized to a second independently-growing buffer rather than the
// page's primary one.
type columnarRegion struct {
	buf []byte
	dir map[int]columnarEntry // slot -> entry
}

type columnarEntry struct {
	offset uint32
	length uint32
}

func newColumnarRegion() *columnarRegion {
	return &columnarRegion{dir: make(map[int]columnarEntry)}
}

// Put stores s for slot, replacing any prior value, and returns the region
// byte offset it now lives at (informational; callers address it by slot).
func (c *columnarRegion) Put(slot int, s []byte) uint32 {
	offset := uint32(len(c.buf))
	c.buf = append(c.buf, s...)
	c.dir[slot] = columnarEntry{offset: offset, length: uint32(len(s))}
	return offset
}

// Get returns the bytes stored for slot, or an error if nothing was ever
// written there.
func (c *columnarRegion) Get(slot int) ([]byte, error) {
	e, ok := c.dir[slot]
	if !ok {
		return nil, fmt.Errorf("%w: no columnar string for slot %d", ErrNotFound, slot)
	}
	if uint64(e.offset)+uint64(e.length) > uint64(len(c.buf)) {
		return nil, fmt.Errorf("%w: columnar entry for slot %d out of bounds", ErrCorruptPage, slot)
	}
	return c.buf[e.offset : e.offset+e.length], nil
}

// Delete drops slot's entry. The bytes remain in buf as garbage until the
// region is rebuilt by Compact, the same deferred-reclaim behavior as the
// primary record heap (spec.md §4.4, P7).
func (c *columnarRegion) Delete(slot int) { delete(c.dir, slot) }

// Fragmentation mirrors the primary heap's P7 ratio, over live vs total bytes.
func (c *columnarRegion) Fragmentation() float64 {
	if len(c.buf) == 0 {
		return 0
	}
	var live int
	for _, e := range c.dir {
		live += int(e.length)
	}
	return 1 - float64(live)/float64(len(c.buf))
}

// Compact rebuilds buf with only the live entries, in slot order, reclaiming
// space from deleted/overwritten strings.
func (c *columnarRegion) Compact() {
	slots := make([]int, 0, len(c.dir))
	for slot := range c.dir {
		slots = append(slots, slot)
	}
	// Deterministic order keeps compaction reproducible for tests.
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1] > slots[j]; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}

	newBuf := make([]byte, 0, len(c.buf))
	newDir := make(map[int]columnarEntry, len(c.dir))
	for _, slot := range slots {
		e := c.dir[slot]
		newEntry := columnarEntry{offset: uint32(len(newBuf)), length: e.length}
		newBuf = append(newBuf, c.buf[e.offset:e.offset+e.length]...)
		newDir[slot] = newEntry
	}

	c.buf = newBuf
	c.dir = newDir
}

// EnableColumnarStrings lazily attaches a columnar region to the page,
// whatever opts.UseColumnarStrings says (spec.md §4.4).
func (p *KeyValueLeafPage) EnableColumnarStrings() {
	if p.columnar == nil {
		p.columnar = newColumnarRegion()
	}
}

// PutColumnarString stores s for slot in the page's columnar region,
// allocating the region on first use.
func (p *KeyValueLeafPage) PutColumnarString(slot int, s []byte) error {
	if err := validateSlotIndex(slot); err != nil {
		return err
	}
	p.EnableColumnarStrings()
	p.columnar.Put(slot, s)
	return nil
}

// GetColumnarString retrieves the string stored for slot in the columnar
// region, if any.
func (p *KeyValueLeafPage) GetColumnarString(slot int) ([]byte, error) {
	if p.columnar == nil {
		return nil, fmt.Errorf("%w: page has no columnar string region", ErrNotFound)
	}
	return p.columnar.Get(slot)
}
