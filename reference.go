package pagestore

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// PageReference is a logical pointer to a child page (spec.md §3). Equality
// and hash are determined exactly by {databaseTag, resourceTag, intentLogKey,
// persistentKey}; the cached hash must be invalidated on any mutation of
// those four fields. This mirrors the teacher's MariINode, which also carries
// both a live pointer (Leaf/Children) and a persistent StartOffset side by
// side (Types.go), except the teacher never needed a cached hash because its
// nodes are never used as map keys.
type PageReference struct {
	// page is the in-memory pointer, when the referenced page is resident.
	page interface{}

	persistentKey uint64
	intentLogKey  uint64

	databaseTag uint32
	resourceTag uint32

	contentHash uint64

	priorFragments []uint64

	guardCount int32

	cachedHash     uint64
	cachedHashSet  bool
}

// NewPageReference builds an unset reference tagged to a database/resource.
func NewPageReference(databaseTag, resourceTag uint32) *PageReference {
	return &PageReference{
		databaseTag:   databaseTag,
		resourceTag:   resourceTag,
		persistentKey: UnsetPersistentKey,
		intentLogKey:  UnsetIntentLogKey,
	}
}

// invalidateHash clears the cached hash; called by every setter that touches
// one of the four hash-determining fields.
func (r *PageReference) invalidateHash() {
	r.cachedHashSet = false
	r.cachedHash = 0
}

// SetPersistentKey sets the persistent storage key and invalidates the cache.
func (r *PageReference) SetPersistentKey(key uint64) {
	r.persistentKey = key
	r.invalidateHash()
}

// PersistentKey returns the persistent storage key, or UnsetPersistentKey.
func (r *PageReference) PersistentKey() uint64 { return r.persistentKey }

// SetIntentLogKey sets the intent-log key and invalidates the cache.
func (r *PageReference) SetIntentLogKey(key uint64) {
	r.intentLogKey = key
	r.invalidateHash()
}

// IntentLogKey returns the intent-log key, or UnsetIntentLogKey.
func (r *PageReference) IntentLogKey() uint64 { return r.intentLogKey }

// SetDatabaseTag sets the database tag and invalidates the cache.
func (r *PageReference) SetDatabaseTag(tag uint32) {
	r.databaseTag = tag
	r.invalidateHash()
}

// SetResourceTag sets the resource tag and invalidates the cache.
func (r *PageReference) SetResourceTag(tag uint32) {
	r.resourceTag = tag
	r.invalidateHash()
}

// SetPage sets the in-memory page pointer. Not part of equality/hash.
func (r *PageReference) SetPage(page interface{}) { r.page = page }

// Page returns the in-memory page pointer, or nil if not resident.
func (r *PageReference) Page() interface{} { return r.page }

// SetContentHash records the content hash of the last persisted fragment.
// Not part of equality/hash.
func (r *PageReference) SetContentHash(h uint64) { r.contentHash = h }

// ContentHash returns the content hash of the last persisted fragment.
func (r *PageReference) ContentHash() uint64 { return r.contentHash }

// AddPriorFragment appends a prior-revision fragment key. Not part of
// equality/hash.
func (r *PageReference) AddPriorFragment(key uint64) {
	r.priorFragments = append(r.priorFragments, key)
}

// PriorFragments returns the ordered list of prior-revision fragment keys.
func (r *PageReference) PriorFragments() []uint64 { return r.priorFragments }

// AcquireGuard increments the guard count, preventing eviction.
func (r *PageReference) AcquireGuard() { atomic.AddInt32(&r.guardCount, 1) }

// ReleaseGuard decrements the guard count. Underflow is fatal (ErrGuardMisuse):
// the teacher treats any unexpected state during a mutation as fatal via its
// recover()-to-named-error idiom (Node.go), which this mirrors.
func (r *PageReference) ReleaseGuard() error {
	if atomic.AddInt32(&r.guardCount, -1) < 0 {
		atomic.AddInt32(&r.guardCount, 1) // restore: this call never happened
		return fmt.Errorf("%w: guard count released below zero", ErrGuardMisuse)
	}
	return nil
}

// GuardCount returns the current guard count. A reference with guard count >
// 0 must not be evicted (spec.md §3 invariant).
func (r *PageReference) GuardCount() int32 { return atomic.LoadInt32(&r.guardCount) }

// Equal implements the {databaseTag, resourceTag, intentLogKey, persistentKey}
// equality contract (spec.md §3).
func (r *PageReference) Equal(other *PageReference) bool {
	if other == nil {
		return false
	}
	return r.databaseTag == other.databaseTag &&
		r.resourceTag == other.resourceTag &&
		r.intentLogKey == other.intentLogKey &&
		r.persistentKey == other.persistentKey
}

// Hash computes (and caches) the hash over the same four fields as Equal. The
// in-memory page pointer, content hash, and fragment list are never consulted
// — they mutate after insertion into hash-based containers (spec.md §3).
func (r *PageReference) Hash() uint64 {
	if r.cachedHashSet {
		return r.cachedHash
	}

	var buf [24]byte
	putUint32(buf[0:4], r.databaseTag)
	putUint32(buf[4:8], r.resourceTag)
	putUint64(buf[8:16], r.intentLogKey)
	putUint64(buf[16:24], r.persistentKey)

	r.cachedHash = xxhash.Sum64(buf[:])
	r.cachedHashSet = true
	return r.cachedHash
}
