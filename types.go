// Package pagestore implements the page layer of a versioned, copy-on-write tree
// store: leaf pages of key/value records, interior index pages, metadata pages,
// overflow payload pages, and the HOT (Height Optimized Trie) secondary index.
package pagestore

import "errors"

// PageKey is the unsigned 64-bit identity of a page in the page tree. The low
// bits pick a slot within a leaf; the high bits address the leaf itself.
type PageKey uint64

// IndexType distinguishes which logical index tree a page belongs to, allowing
// a single cache/allocator to host pages for several index trees at once.
type IndexType uint8

const (
	IndexTypeDocument IndexType = iota
	IndexTypePathSummary
	IndexTypeCAS
	IndexTypePath
	IndexTypeName
)

// PageKind is the 1-byte tag every encoded page is prefixed with (§6).
type PageKind uint8

const (
	PageKindUnifiedLeaf PageKind = iota + 1
	PageKindName
	PageKindUber
	PageKindIndirect
	PageKindRevisionRoot
	PageKindPathSummary
	_ // 7 unused in spec.md's tag table
	PageKindCAS
	PageKindOverflow
	PageKindPath
	PageKindDeweyID
	PageKindHOTLeaf
	PageKindHOTIndirect
	PageKindBitmapChunk
)

// BinaryEncodingVersion is tracked per page; decoders branch on it. Only
// version 1 is understood today, leaving room for additions (§4.6).
type BinaryEncodingVersion uint8

const CurrentBinaryEncodingVersion BinaryEncodingVersion = 1

// Sentinel offset values meaning "unset" for persistent/intent-log keys (§3).
const (
	UnsetPersistentKey uint64 = 0
	UnsetIntentLogKey  uint64 = 0
)

// Leaf page structural constants (§3).
const (
	// SlotCount is N, the number of addressable slots in a unified leaf page.
	SlotCount = 1024

	leafHeaderSize   = 32
	populatedBmBytes = SlotCount / 8 // 128 B = 16 x u64
	slotEntrySize    = 8
	slotDirOffset    = leafHeaderSize + populatedBmBytes
	slotDirSize      = SlotCount * slotEntrySize
	leafHeapStart    = slotDirOffset + slotDirSize

	// FragmentationThreshold: above this ratio a page is eligible for compaction (P7).
	FragmentationThreshold = 0.25
)

// Leaf header flag bits (§3).
const (
	FlagDeweyIDsInline uint8 = 1 << 0
	FlagFSSTPresent    uint8 = 1 << 1
)

// BitmapChunk structural constant (§3, §6): the chunk width is fixed at 65536
// but carried as a configurable field so a future change is non-breaking.
const BitmapChunkSize uint64 = 65536

// StringCompressionType selects whether the leaf page builds a page-local FSST
// symbol table for string payloads (§6 "Configuration").
type StringCompressionType uint8

const (
	StringCompressionNone StringCompressionType = iota
	StringCompressionFSST
)

// PageStoreOptions are the recognized configuration options (§6).
type PageStoreOptions struct {
	// AreDeweyIDsStored: inline DeweyIDs in every record's heap trailer when true.
	AreDeweyIDsStored bool
	// StringCompression: {None, FSST}.
	StringCompression StringCompressionType
	// BinaryEncodingVersion: tracked per page; decoders switch on it.
	BinaryEncodingVersion BinaryEncodingVersion
	// ChunkSize: fixed at BitmapChunkSize today, carried so future change is non-breaking.
	ChunkSize uint64
	// UseColumnarStrings is carried in the options but not read by the page:
	// a columnar region is attached only by EnableColumnarStrings or
	// PutColumnarString, and SetSlot always writes payloads inline (§4.4).
	UseColumnarStrings bool
	// MaxMaterializedRecords bounds the demotion threshold for the page's
	// materialized-record pool (SPEC_FULL.md §3).
	MaxMaterializedRecords int
}

// DefaultOptions mirrors the teacher's MariOpts defaults philosophy: sane,
// minimal, and overridable.
func DefaultOptions() PageStoreOptions {
	return PageStoreOptions{
		AreDeweyIDsStored:      false,
		StringCompression:      StringCompressionNone,
		BinaryEncodingVersion:  CurrentBinaryEncodingVersion,
		ChunkSize:              BitmapChunkSize,
		UseColumnarStrings:     false,
		MaxMaterializedRecords: 4096,
	}
}

// Error taxonomy (§7).
var (
	ErrOutOfRange          = errors.New("pagestore: value out of range")
	ErrCorruptPage         = errors.New("pagestore: corrupt page")
	ErrPageFull            = errors.New("pagestore: page full")
	ErrDeltaMustBeCombined = errors.New("pagestore: delta chunk must be combined with a base before this operation")
	ErrDeleted             = errors.New("pagestore: operation on a tombstoned chunk")
	ErrGuardMisuse         = errors.New("pagestore: guard misuse")
	ErrVersionUnsupported  = errors.New("pagestore: unsupported binary encoding version")
	ErrNotFound            = errors.New("pagestore: not found")
)
