package pagestore

// InsertOutcome unifies the reference-set delegates' insertion result. The
// teacher's source inconsistently returns true-means-full from some call
// sites and true-means-set from others; spec.md §9 Open Question 3 asks for a
// single clean enum, implemented here.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Updated
	MustUpgrade
)

// refSetDelegate is the interface all three reference-set layouts implement.
// Layouts progress Sparse4 -> BitmapSparse -> Dense strictly; a downgrade
// never happens within a page's lifetime (spec.md §3 invariant). This mirrors
// the teacher's extendTable/shrinkTable pair (Utils.go) generalized into an
// explicit sum type per spec.md §9 ("Polymorphic 'Page' interface ... Interior
// page delegate polymorphism collapses into a three-variant sum").
type refSetDelegate interface {
	getOrCreate(offset int) *PageReference
	setOrCreate(offset int, ref *PageReference) InsertOutcome
	iterate(fn func(offset int, ref *PageReference))
	arity() int
}

// sparse4Arity is fixed per spec.md §2.
const sparse4Arity = 4

// sparse4Set is the first, smallest layout: up to four (offset -> reference)
// pairs, O(n) scan. Grounded on the teacher's small fixed-arity Children
// array before it grows (Node.go's copyINode starts from whatever arity the
// bitmap's current population count implies).
type sparse4Set struct {
	offsets [sparse4Arity]int
	refs    [sparse4Arity]*PageReference
	used    int
}

func newSparse4Set() *sparse4Set { return &sparse4Set{} }

func (s *sparse4Set) arity() int { return sparse4Arity }

func (s *sparse4Set) getOrCreate(offset int) *PageReference {
	for i := 0; i < s.used; i++ {
		if s.offsets[i] == offset {
			return s.refs[i]
		}
	}
	return nil
}

func (s *sparse4Set) setOrCreate(offset int, ref *PageReference) InsertOutcome {
	for i := 0; i < s.used; i++ {
		if s.offsets[i] == offset {
			s.refs[i] = ref
			return Updated
		}
	}
	if s.used == sparse4Arity {
		return MustUpgrade
	}
	s.offsets[s.used] = offset
	s.refs[s.used] = ref
	s.used++
	return Inserted
}

func (s *sparse4Set) iterate(fn func(offset int, ref *PageReference)) {
	for i := 0; i < s.used; i++ {
		fn(s.offsets[i], s.refs[i])
	}
}

// bitmapSparseSet is the second layout: a presence bitmap plus a dense array
// of set entries, indexed by population count below the target offset.
// Generalizes the teacher's isBitSet/setBit/getPosition/populationCount
// machinery (Utils.go) from a fixed 256-bit bitmap to an arbitrary arity.
type bitmapSparseSet struct {
	arityN  int
	present []uint64 // one bit per offset, arityN bits total
	refs    []*PageReference
}

func newBitmapSparseSet(arityN int, fromSparse *sparse4Set) *bitmapSparseSet {
	words := (arityN + 63) / 64
	b := &bitmapSparseSet{
		arityN:  arityN,
		present: make([]uint64, words),
	}
	if fromSparse != nil {
		// Carried entries bypass setOrCreate's half-arity threshold so none is
		// dropped at small arities; the next insert then upgrades to Dense.
		fromSparse.iterate(func(offset int, ref *PageReference) {
			pos := b.position(offset)
			b.refs = append(b.refs, nil)
			copy(b.refs[pos+1:], b.refs[pos:])
			b.refs[pos] = ref
			b.present[offset>>6] |= 1 << uint(offset&63)
		})
	}
	return b
}

func (b *bitmapSparseSet) arity() int { return b.arityN }

func (b *bitmapSparseSet) isSet(offset int) bool {
	return b.present[offset>>6]&(1<<uint(offset&63)) != 0
}

// position returns the dense-array index for offset: the hamming weight of
// all present bits strictly below offset.
func (b *bitmapSparseSet) position(offset int) int {
	pos := 0
	fullWords := offset >> 6
	for i := 0; i < fullWords; i++ {
		pos += hammingWeight64(b.present[i])
	}
	rem := offset & 63
	if rem > 0 {
		mask := uint64(1)<<uint(rem) - 1
		pos += hammingWeight64(b.present[fullWords] & mask)
	}
	return pos
}

func (b *bitmapSparseSet) getOrCreate(offset int) *PageReference {
	if !b.isSet(offset) {
		return nil
	}
	return b.refs[b.position(offset)]
}

func (b *bitmapSparseSet) setOrCreate(offset int, ref *PageReference) InsertOutcome {
	if b.isSet(offset) {
		b.refs[b.position(offset)] = ref
		return Updated
	}
	// Past half occupancy the popcount-rank bitmap scan costs more than it
	// saves over a flat array; upgrade to Dense rather than waiting for
	// every one of arityN offsets to fill (which, since arityN is the full
	// offset range, would never leave room for the insert that triggers it).
	if len(b.refs)+1 > b.arityN/2 {
		return MustUpgrade
	}
	pos := b.position(offset)
	b.refs = append(b.refs, nil)
	copy(b.refs[pos+1:], b.refs[pos:])
	b.refs[pos] = ref
	b.present[offset>>6] |= 1 << uint(offset&63)
	return Inserted
}

func (b *bitmapSparseSet) iterate(fn func(offset int, ref *PageReference)) {
	idx := 0
	for offset := 0; offset < b.arityN; offset++ {
		if b.isSet(offset) {
			fn(offset, b.refs[idx])
			idx++
		}
	}
}

// denseSet is the final layout: a full-arity array, no presence tracking
// needed beyond nil-checks.
type denseSet struct {
	arityN int
	refs   []*PageReference
}

func newDenseSet(arityN int, fromBitmap *bitmapSparseSet) *denseSet {
	d := &denseSet{arityN: arityN, refs: make([]*PageReference, arityN)}
	if fromBitmap != nil {
		fromBitmap.iterate(func(offset int, ref *PageReference) {
			d.refs[offset] = ref
		})
	}
	return d
}

func (d *denseSet) arity() int { return d.arityN }

func (d *denseSet) getOrCreate(offset int) *PageReference { return d.refs[offset] }

func (d *denseSet) setOrCreate(offset int, ref *PageReference) InsertOutcome {
	outcome := Inserted
	if d.refs[offset] != nil {
		outcome = Updated
	}
	d.refs[offset] = ref
	return outcome
}

func (d *denseSet) iterate(fn func(offset int, ref *PageReference)) {
	for offset, ref := range d.refs {
		if ref != nil {
			fn(offset, ref)
		}
	}
}

// ReferenceSet owns the current delegate for an interior page's fixed-arity
// reference array and performs the sparse -> bitmap -> dense upgrade
// transparently on behalf of the caller (spec.md §4.2): attempt insertion; if
// the delegate reports MustUpgrade, replace it with the next-denser layout
// built from the prior state and retry.
type ReferenceSet struct {
	arityN   int
	delegate refSetDelegate
}

// NewReferenceSet starts a fresh set at the given arity in the Sparse-4
// layout, the teacher's smallest starting shape.
func NewReferenceSet(arityN int) *ReferenceSet {
	return &ReferenceSet{arityN: arityN, delegate: newSparse4Set()}
}

func (rs *ReferenceSet) GetOrCreate(offset int) *PageReference {
	return rs.delegate.getOrCreate(offset)
}

func (rs *ReferenceSet) SetOrCreate(offset int, ref *PageReference) InsertOutcome {
	outcome := rs.delegate.setOrCreate(offset, ref)
	for outcome == MustUpgrade {
		switch cur := rs.delegate.(type) {
		case *sparse4Set:
			rs.delegate = newBitmapSparseSet(rs.arityN, cur)
		case *bitmapSparseSet:
			rs.delegate = newDenseSet(rs.arityN, cur)
		case *denseSet:
			// Dense is already full arity; a MustUpgrade here means offset is
			// out of range, which is a caller bug.
			return MustUpgrade
		}
		outcome = rs.delegate.setOrCreate(offset, ref)
	}
	return outcome
}

func (rs *ReferenceSet) Iterate(fn func(offset int, ref *PageReference)) {
	rs.delegate.iterate(fn)
}

// LayoutName reports the delegate's concrete layout, for serializer code that
// must dispatch on concrete layout type rather than a density heuristic
// (spec.md §4.2).
func (rs *ReferenceSet) LayoutName() string {
	switch rs.delegate.(type) {
	case *sparse4Set:
		return "sparse4"
	case *bitmapSparseSet:
		return "bitmap"
	case *denseSet:
		return "dense"
	default:
		return "unknown"
	}
}
