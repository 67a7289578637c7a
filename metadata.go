package pagestore

import "fmt"

// The page kinds in this file are the tree's metadata/root pages (spec.md §6
// tag table): small, mostly-reference-holding pages that never grow a slot
// directory or a heap of their own. They follow the teacher's MariMetaData
// pattern (Meta.go: a handful of fixed fields plus a version, read/written
// with the same putUint64/getUint64 helpers) generalized from "one global
// root" to "one root per concern" (uber root, per-index revision root, name
// table, path table, path summary, DeweyID table, CAS table).

// encodeRefFixed/decodeRefFixed give every metadata page the same compact,
// fixed-width PageReference encoding used by HOT interior pages.
func encodeRefFixed(ref *PageReference) []byte {
	var buf [25]byte
	if ref == nil {
		return buf[:]
	}
	buf[0] = 1
	putUint32(buf[1:5], ref.databaseTag)
	putUint32(buf[5:9], ref.resourceTag)
	putUint64(buf[9:17], ref.IntentLogKey())
	putUint64(buf[17:25], ref.PersistentKey())
	return buf[:]
}

func decodeRefFixed(data []byte) (*PageReference, int, error) {
	if len(data) < 25 {
		return nil, 0, fmt.Errorf("%w: page reference truncated", ErrCorruptPage)
	}
	if data[0] == 0 {
		return nil, 25, nil
	}
	ref := NewPageReference(getUint32(data[1:5]), getUint32(data[5:9]))
	ref.SetIntentLogKey(getUint64(data[9:17]))
	ref.SetPersistentKey(getUint64(data[17:25]))
	return ref, 25, nil
}

// UberPage is the single, well-known entry point of the whole page tree
// (spec.md §4.1 "Uber page"): a pointer to the current RevisionRootPage, plus
// the bounded history of prior roots still reachable for snapshot reads.
type UberPage struct {
	PageKey        PageKey
	CurrentRevision uint32
	CurrentRoot     *PageReference
	PriorRoots      []*PageReference
}

func (p *UberPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.CurrentRevision)
	buf = append(buf, encodeRefFixed(p.CurrentRoot)...)

	countBuf := make([]byte, 4)
	putUint32(countBuf, uint32(len(p.PriorRoots)))
	buf = append(buf, countBuf...)
	for _, r := range p.PriorRoots {
		buf = append(buf, encodeRefFixed(r)...)
	}
	return buf, nil
}

func DeserializeUberPage(data []byte) (*UberPage, error) {
	if len(data) < 12+25+4 {
		return nil, fmt.Errorf("%w: uber page truncated", ErrCorruptPage)
	}
	p := &UberPage{PageKey: PageKey(getUint64(data[0:8])), CurrentRevision: getUint32(data[8:12])}
	ref, n, err := decodeRefFixed(data[12:])
	if err != nil {
		return nil, err
	}
	p.CurrentRoot = ref
	cursor := data[12+n:]

	count := int(getUint32(cursor[:4]))
	cursor = cursor[4:]
	for i := 0; i < count; i++ {
		r, n, err := decodeRefFixed(cursor)
		if err != nil {
			return nil, err
		}
		p.PriorRoots = append(p.PriorRoots, r)
		cursor = cursor[n:]
	}
	return p, nil
}

// RevisionRootPage fans out to the root page of each logical index tree at a
// single point-in-time revision (spec.md §4.1 "Revision root"): one
// PageReference per IndexType.
type RevisionRootPage struct {
	PageKey  PageKey
	Revision uint32
	Roots    map[IndexType]*PageReference
}

func NewRevisionRootPage(pageKey PageKey, revision uint32) *RevisionRootPage {
	return &RevisionRootPage{PageKey: pageKey, Revision: revision, Roots: make(map[IndexType]*PageReference)}
}

func (p *RevisionRootPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4+1)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	buf[12] = byte(len(p.Roots))
	for idxType, ref := range p.Roots {
		buf = append(buf, byte(idxType))
		buf = append(buf, encodeRefFixed(ref)...)
	}
	return buf, nil
}

func DeserializeRevisionRootPage(data []byte) (*RevisionRootPage, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("%w: revision root page truncated", ErrCorruptPage)
	}
	p := NewRevisionRootPage(PageKey(getUint64(data[0:8])), getUint32(data[8:12]))
	count := int(data[12])
	cursor := data[13:]
	for i := 0; i < count; i++ {
		if len(cursor) < 1 {
			return nil, fmt.Errorf("%w: revision root entry truncated", ErrCorruptPage)
		}
		idxType := IndexType(cursor[0])
		cursor = cursor[1:]
		ref, n, err := decodeRefFixed(cursor)
		if err != nil {
			return nil, err
		}
		p.Roots[idxType] = ref
		cursor = cursor[n:]
	}
	return p, nil
}

// NamePage interns short strings (tag names, attribute names) to small
// integer ids, so every other page can reference a name by a fixed-width id
// instead of repeating the string (spec.md §4.1 "Name table").
type NamePage struct {
	PageKey  PageKey
	Revision uint32

	byName map[string]uint32
	byID   []string
}

func NewNamePage(pageKey PageKey, revision uint32) *NamePage {
	return &NamePage{PageKey: pageKey, Revision: revision, byName: make(map[string]uint32)}
}

// Intern returns name's id, allocating a new one if name hasn't been seen.
func (p *NamePage) Intern(name string) uint32 {
	if id, ok := p.byName[name]; ok {
		return id
	}
	id := uint32(len(p.byID))
	p.byID = append(p.byID, name)
	p.byName[name] = id
	return id
}

// Resolve returns the name for id, or an error if id was never interned.
func (p *NamePage) Resolve(id uint32) (string, error) {
	if int(id) >= len(p.byID) {
		return "", fmt.Errorf("%w: name id %d not interned", ErrNotFound, id)
	}
	return p.byID[id], nil
}

func (p *NamePage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	buf = appendVarint(buf, uint64(len(p.byID)))
	for _, name := range p.byID {
		buf = appendVarint(buf, uint64(len(name)))
		buf = append(buf, name...)
	}
	return buf, nil
}

func DeserializeNamePage(data []byte) (*NamePage, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: name page truncated", ErrCorruptPage)
	}
	p := NewNamePage(PageKey(getUint64(data[0:8])), getUint32(data[8:12]))
	cursor := data[12:]

	count, n, err := readVarint(cursor)
	if err != nil {
		return nil, err
	}
	cursor = cursor[n:]

	for i := uint64(0); i < count; i++ {
		l, n, err := readVarint(cursor)
		if err != nil {
			return nil, err
		}
		cursor = cursor[n:]
		if uint64(len(cursor)) < l {
			return nil, fmt.Errorf("%w: name page entry truncated", ErrCorruptPage)
		}
		p.Intern(string(cursor[:l]))
		cursor = cursor[l:]
	}
	return p, nil
}

// PathPage holds the root reference of the structural path tree for one
// resource (spec.md §4.1 "Path table": resolves a node key to its ancestor
// chain of interned name ids).
type PathPage struct {
	PageKey  PageKey
	Revision uint32
	Root     *PageReference
}

func (p *PathPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	return append(buf, encodeRefFixed(p.Root)...), nil
}

func DeserializePathPage(data []byte) (*PathPage, error) {
	if len(data) < 12+25 {
		return nil, fmt.Errorf("%w: path page truncated", ErrCorruptPage)
	}
	ref, _, err := decodeRefFixed(data[12:])
	if err != nil {
		return nil, err
	}
	return &PathPage{PageKey: PageKey(getUint64(data[0:8])), Revision: getUint32(data[8:12]), Root: ref}, nil
}

// PathSummaryPage aggregates which name ids appear anywhere below a given
// path prefix, backed by a BitmapChunkPage of interned name ids, so a query
// can prune an entire subtree without descending into it (spec.md §4.1
// "Path summary").
type PathSummaryPage struct {
	PageKey  PageKey
	Revision uint32
	Names    *BitmapChunkPage
}

func (p *PathSummaryPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)

	namesBody, err := p.Names.Serialize()
	if err != nil {
		return nil, err
	}
	lenBuf := make([]byte, 4)
	putUint32(lenBuf, uint32(len(namesBody)))
	buf = append(buf, lenBuf...)
	buf = append(buf, namesBody...)
	return buf, nil
}

func DeserializePathSummaryPage(pageKey PageKey, data []byte) (*PathSummaryPage, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: path summary page truncated", ErrCorruptPage)
	}
	revision := getUint32(data[8:12])
	n := int(getUint32(data[12:16]))
	if len(data) < 16+n {
		return nil, fmt.Errorf("%w: path summary bitmap truncated", ErrCorruptPage)
	}
	names, err := DeserializeBitmapChunk(pageKey, data[16:16+n])
	if err != nil {
		return nil, err
	}
	return &PathSummaryPage{PageKey: pageKey, Revision: revision, Names: names}, nil
}

// DeweyIDPage maps a node key to its DeweyID label, the order-preserving
// byte string used to answer document-order and ancestor/descendant
// queries without tree traversal (spec.md §3 "DeweyID", §4.1 "DeweyID
// table").
type DeweyIDPage struct {
	PageKey  PageKey
	Revision uint32

	byNodeKey map[uint64][]byte
}

func NewDeweyIDPage(pageKey PageKey, revision uint32) *DeweyIDPage {
	return &DeweyIDPage{PageKey: pageKey, Revision: revision, byNodeKey: make(map[uint64][]byte)}
}

func (p *DeweyIDPage) Set(nodeKey uint64, id []byte) { p.byNodeKey[nodeKey] = id }

func (p *DeweyIDPage) Get(nodeKey uint64) ([]byte, bool) {
	id, ok := p.byNodeKey[nodeKey]
	return id, ok
}

func (p *DeweyIDPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	buf = appendVarint(buf, uint64(len(p.byNodeKey)))
	for nodeKey, id := range p.byNodeKey {
		keyBuf := make([]byte, 8)
		putUint64(keyBuf, nodeKey)
		buf = append(buf, keyBuf...)
		buf = appendVarint(buf, uint64(len(id)))
		buf = append(buf, id...)
	}
	return buf, nil
}

func DeserializeDeweyIDPage(data []byte) (*DeweyIDPage, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: DeweyID page truncated", ErrCorruptPage)
	}
	p := NewDeweyIDPage(PageKey(getUint64(data[0:8])), getUint32(data[8:12]))
	cursor := data[12:]

	count, n, err := readVarint(cursor)
	if err != nil {
		return nil, err
	}
	cursor = cursor[n:]

	for i := uint64(0); i < count; i++ {
		if len(cursor) < 8 {
			return nil, fmt.Errorf("%w: DeweyID entry key truncated", ErrCorruptPage)
		}
		nodeKey := getUint64(cursor[:8])
		cursor = cursor[8:]

		l, n, err := readVarint(cursor)
		if err != nil {
			return nil, err
		}
		cursor = cursor[n:]
		if uint64(len(cursor)) < l {
			return nil, fmt.Errorf("%w: DeweyID entry value truncated", ErrCorruptPage)
		}
		p.byNodeKey[nodeKey] = append([]byte(nil), cursor[:l]...)
		cursor = cursor[l:]
	}
	return p, nil
}

// CASPage implements content-addressable dedup (spec.md §4.1 "CAS table"):
// content hash (the same xxhash64 family as PageReference.Hash) to the
// reference of the page already holding that content, so a second write of
// identical bytes reuses the existing page instead of allocating a new one.
type CASPage struct {
	PageKey  PageKey
	Revision uint32

	byHash map[uint64]*PageReference
}

func NewCASPage(pageKey PageKey, revision uint32) *CASPage {
	return &CASPage{PageKey: pageKey, Revision: revision, byHash: make(map[uint64]*PageReference)}
}

// Lookup returns the reference already holding contentHash's bytes, if any.
func (p *CASPage) Lookup(contentHash uint64) (*PageReference, bool) {
	ref, ok := p.byHash[contentHash]
	return ref, ok
}

// Register records that ref holds contentHash's bytes. A second registration
// of the same hash overwrites the previous mapping, since content identity
// means the two references are interchangeable for reads.
func (p *CASPage) Register(contentHash uint64, ref *PageReference) {
	p.byHash[contentHash] = ref
}

func (p *CASPage) Serialize() ([]byte, error) {
	buf := make([]byte, 8+4+4)
	putUint64(buf[0:8], uint64(p.PageKey))
	putUint32(buf[8:12], p.Revision)
	putUint32(buf[12:16], uint32(len(p.byHash)))
	for hash, ref := range p.byHash {
		hashBuf := make([]byte, 8)
		putUint64(hashBuf, hash)
		buf = append(buf, hashBuf...)
		buf = append(buf, encodeRefFixed(ref)...)
	}
	return buf, nil
}

func DeserializeCASPage(data []byte) (*CASPage, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: CAS page truncated", ErrCorruptPage)
	}
	p := NewCASPage(PageKey(getUint64(data[0:8])), getUint32(data[8:12]))
	count := int(getUint32(data[12:16]))
	cursor := data[16:]

	for i := 0; i < count; i++ {
		if len(cursor) < 8 {
			return nil, fmt.Errorf("%w: CAS entry hash truncated", ErrCorruptPage)
		}
		hash := getUint64(cursor[:8])
		cursor = cursor[8:]

		ref, n, err := decodeRefFixed(cursor)
		if err != nil {
			return nil, err
		}
		p.byHash[hash] = ref
		cursor = cursor[n:]
	}
	return p, nil
}
