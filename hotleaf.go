package pagestore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// HOTLeafEntry is one sorted key/value pair held by a HOT leaf page.
type HOTLeafEntry struct {
	Key   []byte
	Value []byte
}

// HOTLeafPage is the leaf level of the HOT (Height Optimized Trie) secondary
// index (spec.md §4.2, §6 tag PageKindHOTLeaf): a flat, sorted array of KV
// entries searched by binary search, generalizing the teacher's MariLNode
// (a single inline key/value pair per leaf, Types.go/Node.go) into a page
// holding many sorted entries at once the way the teacher's INode array
// holds many sorted children (Utils.go's getIndexForBitmap binary-search-free
// bitmap scan, here replaced by an actual sorted search since HOT leaves are
// not bitmap-addressed).
type HOTLeafPage struct {
	PageKey   PageKey
	Revision  uint32
	IndexType IndexType

	entries []HOTLeafEntry

	guard guardState
}

// NewHOTLeafPage constructs an empty HOT leaf page.
func NewHOTLeafPage(pageKey PageKey, revision uint32, indexType IndexType) *HOTLeafPage {
	p := &HOTLeafPage{PageKey: pageKey, Revision: revision, IndexType: indexType}
	p.guard = newGuardState(nil)
	return p
}

// search returns the index of key if present, or -(insertionPoint+1)
// otherwise, matching the encoding spec.md's binary search note calls for
// (the same convention as Java's Collections.binarySearch / Go's
// sort.Search generalized to a signed "not found" result).
func (p *HOTLeafPage) search(key []byte) int {
	lo, hi := 0, len(p.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(p.entries[mid].Key, key)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -(lo + 1)
}

// Get returns the value for key and true, or (nil, false) if absent.
func (p *HOTLeafPage) Get(key []byte) ([]byte, bool) {
	idx := p.search(key)
	if idx < 0 {
		return nil, false
	}
	return p.entries[idx].Value, true
}

// hotLeafMaxEntries and hotLeafMaxPageBytes bound a HOT leaf page the way a
// fixed-size page bounds its entry count and heap bytes (spec.md §4.8: "Fails
// with PageFull when either entry count or heap bytes would overflow").
const (
	hotLeafMaxEntries   = 1024
	hotLeafMaxPageBytes = 1 << 16
)

// byteSize is the heap-bytes proxy Put's PageFull check is measured against:
// the combined key+value footprint of every entry, mirroring the unified
// leaf page's heapUsed accounting (leaf.go).
func (p *HOTLeafPage) byteSize() int {
	total := 0
	for _, e := range p.entries {
		total += len(e.Key) + len(e.Value)
	}
	return total
}

// Put inserts or overwrites key's value, keeping entries sorted. Fails with
// ErrPageFull when the update/insert would push the entry count or heap
// bytes past the page's budget (spec.md §4.8), leaving p unmodified.
func (p *HOTLeafPage) Put(key, value []byte) error {
	idx := p.search(key)
	if idx >= 0 {
		delta := len(value) - len(p.entries[idx].Value)
		if delta > 0 && p.byteSize()+delta > hotLeafMaxPageBytes {
			return fmt.Errorf("%w: HOT leaf page heap bytes would overflow", ErrPageFull)
		}
		p.entries[idx].Value = value
		return nil
	}

	if len(p.entries)+1 > hotLeafMaxEntries {
		return fmt.Errorf("%w: HOT leaf page entry count would overflow", ErrPageFull)
	}
	if p.byteSize()+len(key)+len(value) > hotLeafMaxPageBytes {
		return fmt.Errorf("%w: HOT leaf page heap bytes would overflow", ErrPageFull)
	}

	insertAt := -(idx + 1)
	p.entries = append(p.entries, HOTLeafEntry{})
	copy(p.entries[insertAt+1:], p.entries[insertAt:])
	p.entries[insertAt] = HOTLeafEntry{Key: key, Value: value}
	return nil
}

// mergeWithNodeRefs implements spec.md §4.8's node-reference merge: unlike
// Put's last-writer-wins overwrite, a key collision deserializes both values
// as roaring-bitmap node-reference sets (the same compressed-bitmap payload
// format BitmapChunkPage.Serialize emits, bitmapchunk.go), ORs them
// together, and reserializes the union rather than discarding the old
// value outright. Absent keys fall back to a plain insert.
func (p *HOTLeafPage) mergeWithNodeRefs(key, value []byte) error {
	idx := p.search(key)
	if idx < 0 {
		return p.Put(key, value)
	}

	oldSet, err := decodeNodeRefBitmap(p.entries[idx].Value)
	if err != nil {
		return err
	}
	newSet, err := decodeNodeRefBitmap(value)
	if err != nil {
		return err
	}

	oldSet.Or(newSet)
	merged, err := oldSet.ToBytes()
	if err != nil {
		return err
	}

	return p.Put(key, merged)
}

// decodeNodeRefBitmap parses a value stored under mergeWithNodeRefs as a
// roaring bitmap of node references; an empty value decodes to an empty set
// so merging into a freshly-inserted key works the same as merging into an
// existing one.
func decodeNodeRefBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if _, err := bm.FromBuffer(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return bm, nil
}

// Delete removes key, reporting whether it was present.
func (p *HOTLeafPage) Delete(key []byte) bool {
	idx := p.search(key)
	if idx < 0 {
		return false
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	return true
}

// Len returns the number of entries.
func (p *HOTLeafPage) Len() int { return len(p.entries) }

// Entries returns a read-only view of the sorted entries.
func (p *HOTLeafPage) Entries() []HOTLeafEntry { return p.entries }

// MergeFrom folds other's entries into p, with other's values winning on a
// key collision (the last-writer-wins rule used throughout the page layer's
// copy-on-write revisions, spec.md §4.1). Used when two sibling HOT leaves
// are coalesced after enough deletes drop their combined size under a
// rebalance threshold.
func (p *HOTLeafPage) MergeFrom(other *HOTLeafPage) error {
	for _, e := range other.entries {
		if err := p.Put(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// SplitTo moves the upper half of p's entries into a brand new page,
// returning it along with the separator key an interior node must route on
// (the first key retained in the new upper page), per spec.md §4.2's
// "leaves split like any sorted array once a size/byte budget is exceeded".
func (p *HOTLeafPage) SplitTo(newPageKey PageKey) (*HOTLeafPage, []byte, error) {
	if len(p.entries) < 2 {
		return nil, nil, fmt.Errorf("%w: cannot split a HOT leaf with fewer than 2 entries", ErrOutOfRange)
	}

	mid := len(p.entries) / 2
	upper := NewHOTLeafPage(newPageKey, p.Revision, p.IndexType)
	upper.entries = append([]HOTLeafEntry(nil), p.entries[mid:]...)
	separator := append([]byte(nil), upper.entries[0].Key...)

	p.entries = p.entries[:mid:mid]

	return upper, separator, nil
}

// Serialize encodes the page as header + varint-length-prefixed KV pairs
// (spec.md §4.6 body for PageKindHOTLeaf).
func (p *HOTLeafPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4+1+2)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	buf[12] = byte(p.IndexType)
	putUint16(buf[13:15], uint16(len(p.entries)))

	for _, e := range p.entries {
		buf = appendVarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = appendVarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}

	return buf, nil
}

// DeserializeHOTLeafPage is the exact inverse of Serialize.
func DeserializeHOTLeafPage(data []byte) (*HOTLeafPage, error) {
	if len(data) < 15 {
		return nil, fmt.Errorf("%w: HOT leaf page header truncated", ErrCorruptPage)
	}

	p := &HOTLeafPage{
		PageKey:   PageKey(getUint64(data[0:8])),
		Revision:  getUint32(data[8:12]),
		IndexType: IndexType(data[12]),
	}
	p.guard = newGuardState(nil)

	count := int(getUint16(data[13:15]))
	cursor := data[15:]

	entries := make([]HOTLeafEntry, 0, count)
	for i := 0; i < count; i++ {
		keyLen, n, err := readVarint(cursor)
		if err != nil {
			return nil, err
		}
		cursor = cursor[n:]
		if uint64(len(cursor)) < keyLen {
			return nil, fmt.Errorf("%w: HOT leaf entry key truncated", ErrCorruptPage)
		}
		key := append([]byte(nil), cursor[:keyLen]...)
		cursor = cursor[keyLen:]

		valLen, n, err := readVarint(cursor)
		if err != nil {
			return nil, err
		}
		cursor = cursor[n:]
		if uint64(len(cursor)) < valLen {
			return nil, fmt.Errorf("%w: HOT leaf entry value truncated", ErrCorruptPage)
		}
		val := append([]byte(nil), cursor[:valLen]...)
		cursor = cursor[valLen:]

		entries = append(entries, HOTLeafEntry{Key: key, Value: val})
	}

	if !sort.SliceIsSorted(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 }) {
		return nil, fmt.Errorf("%w: HOT leaf entries not sorted", ErrCorruptPage)
	}

	p.entries = entries
	return p, nil
}
