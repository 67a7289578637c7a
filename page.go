package pagestore

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// Page-envelope flag bits (SPEC_FULL.md §3 "supplemented envelope
// checksum"): the spec's serialization framework names {tag, version, body}
// but leaves integrity checking to "whatever the storage layer underneath
// already does"; this repo supplements that with an explicit checksum and an
// optional compression flag, the same shape as the teacher's on-disk node
// header (Serialize.go writes a fixed set of leading fields before the
// variable body).
const (
	envelopeFlagCompressed uint8 = 1 << 0
)

const envelopeHeaderSize = 1 + 1 + 1 + 8 // tag, version, flags, checksum

// EncodePage wraps body in the page envelope: tag, encoding version, flags,
// an xxhash64 checksum of body, and body itself, optionally zstd-compressed
// first via pipeline (spec.md §4.6 "Serialization framework").
func EncodePage(tag PageKind, version BinaryEncodingVersion, body []byte, pipeline *bytePipeline, compress bool) []byte {
	var flags uint8
	payload := body
	if compress && pipeline != nil {
		payload = pipeline.Compress(body)
		flags |= envelopeFlagCompressed
	}

	out := make([]byte, envelopeHeaderSize, envelopeHeaderSize+len(payload))
	out[0] = byte(tag)
	out[1] = byte(version)
	out[2] = flags
	putUint64(out[3:11], xxhash.Sum64(body))
	out = append(out, payload...)
	return out
}

// DecodePage unwraps an envelope produced by EncodePage, verifying the
// checksum against the decompressed body and rejecting an unsupported
// encoding version (spec.md §7 ErrVersionUnsupported).
func DecodePage(data []byte, pipeline *bytePipeline, alloc *SegmentAllocator) (tag PageKind, version BinaryEncodingVersion, body []byte, release func() error, err error) {
	if len(data) < envelopeHeaderSize {
		return 0, 0, nil, nil, fmt.Errorf("%w: page envelope truncated", ErrCorruptPage)
	}

	tag = PageKind(data[0])
	version = BinaryEncodingVersion(data[1])
	flags := data[2]
	checksum := getUint64(data[3:11])
	payload := data[envelopeHeaderSize:]

	if version != CurrentBinaryEncodingVersion {
		return 0, 0, nil, nil, fmt.Errorf("%w: page encoding version %d", ErrVersionUnsupported, version)
	}

	if flags&envelopeFlagCompressed != 0 {
		if pipeline == nil {
			return 0, 0, nil, nil, fmt.Errorf("pagestore: compressed page but no byte pipeline available")
		}
		result, err := pipeline.Decompress(alloc, payload)
		if err != nil {
			return 0, 0, nil, nil, err
		}
		body = result.Segment.Bytes
		release = result.Release
	} else {
		body = payload
		release = func() error { return nil }
	}

	if xxhash.Sum64(body) != checksum {
		if release != nil {
			_ = release()
		}
		return 0, 0, nil, nil, fmt.Errorf("%w: page checksum mismatch\n%s", ErrCorruptPage, hexDump(body, 0, 64))
	}

	return tag, version, body, release, nil
}

// pageDecodeFunc unwraps an envelope body into its concrete page type.
// pageKey is only meaningful for PageKindBitmapChunk, whose body doesn't
// carry its own key, and PageKindPathSummary, whose decoder takes its key
// from this parameter rather than from the key written in its body.
type pageDecodeFunc func(pageKey PageKey, body []byte, alloc *SegmentAllocator, opts PageStoreOptions) (interface{}, error)

// pageEncodeFunc serializes a concrete page value to its body bytes.
type pageEncodeFunc func(page interface{}) ([]byte, error)

// registryEntry pairs one PageKind's decode and encode functions, plus the
// concrete Go type its encoder expects, so EncodeAnyPage can look an entry up
// by reflect.Type instead of a hand-written type switch (SPEC_FULL.md §3:
// "a Registry that maps each PageKind tag to its encode/decode pair, so the
// dispatcher ... is data-driven rather than a hand-written switch").
type registryEntry struct {
	kind   PageKind
	decode pageDecodeFunc
	encode pageEncodeFunc
}

var pageRegistryByKind = map[PageKind]registryEntry{}
var pageRegistryByType = map[reflect.Type]registryEntry{}

// registerPageKind wires one PageKind's codec pair into both lookup
// directions. Called once per kind from package init.
func registerPageKind(kind PageKind, sampleType reflect.Type, decode pageDecodeFunc, encode pageEncodeFunc) {
	entry := registryEntry{kind: kind, decode: decode, encode: encode}
	pageRegistryByKind[kind] = entry
	pageRegistryByType[sampleType] = entry
}

func init() {
	registerPageKind(PageKindUnifiedLeaf, reflect.TypeOf(&KeyValueLeafPage{}),
		func(_ PageKey, body []byte, alloc *SegmentAllocator, opts PageStoreOptions) (interface{}, error) {
			return DeserializeKeyValueLeafPage(alloc, body, opts)
		},
		func(page interface{}) ([]byte, error) { return page.(*KeyValueLeafPage).Serialize() })

	registerPageKind(PageKindBitmapChunk, reflect.TypeOf(&BitmapChunkPage{}),
		func(pageKey PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeBitmapChunk(pageKey, body)
		},
		func(page interface{}) ([]byte, error) { return page.(*BitmapChunkPage).Serialize() })

	registerPageKind(PageKindHOTLeaf, reflect.TypeOf(&HOTLeafPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeHOTLeafPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*HOTLeafPage).Serialize() })

	registerPageKind(PageKindHOTIndirect, reflect.TypeOf(&HOTIndirectPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeHOTIndirectPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*HOTIndirectPage).Serialize() })

	registerPageKind(PageKindIndirect, reflect.TypeOf(&IndirectPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeIndirectPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*IndirectPage).Serialize() })

	registerPageKind(PageKindUber, reflect.TypeOf(&UberPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeUberPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*UberPage).Serialize() })

	registerPageKind(PageKindRevisionRoot, reflect.TypeOf(&RevisionRootPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeRevisionRootPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*RevisionRootPage).Serialize() })

	registerPageKind(PageKindName, reflect.TypeOf(&NamePage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeNamePage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*NamePage).Serialize() })

	registerPageKind(PageKindPath, reflect.TypeOf(&PathPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializePathPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*PathPage).Serialize() })

	registerPageKind(PageKindPathSummary, reflect.TypeOf(&PathSummaryPage{}),
		func(pageKey PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializePathSummaryPage(pageKey, body)
		},
		func(page interface{}) ([]byte, error) { return page.(*PathSummaryPage).Serialize() })

	registerPageKind(PageKindDeweyID, reflect.TypeOf(&DeweyIDPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeDeweyIDPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*DeweyIDPage).Serialize() })

	registerPageKind(PageKindCAS, reflect.TypeOf(&CASPage{}),
		func(_ PageKey, body []byte, _ *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeCASPage(body)
		},
		func(page interface{}) ([]byte, error) { return page.(*CASPage).Serialize() })

	registerPageKind(PageKindOverflow, reflect.TypeOf(&OverflowPage{}),
		func(_ PageKey, body []byte, alloc *SegmentAllocator, _ PageStoreOptions) (interface{}, error) {
			return DeserializeOverflowPage(alloc, body)
		},
		func(page interface{}) ([]byte, error) { return page.(*OverflowPage).Serialize() })
}

// DecodePageBody dispatches a decoded envelope body to the matching concrete
// page type, by tag, via the package's PageKind registry (spec.md §4.6
// "registry mapping tag -> encode/decode"). Page kinds that are never stored
// as a standalone envelope on their own (PageKindBitmapChunk needs its
// PageKey supplied externally, since the bitmap chunk body doesn't carry its
// own key) take it as a parameter.
func DecodePageBody(tag PageKind, pageKey PageKey, body []byte, alloc *SegmentAllocator, opts PageStoreOptions) (interface{}, error) {
	entry, ok := pageRegistryByKind[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized page kind %d", ErrCorruptPage, tag)
	}
	return entry.decode(pageKey, body, alloc, opts)
}

// EncodeAnyPage looks page's concrete type up in the PageKind registry and
// serializes it, rather than a hand-written type-switch list (SPEC_FULL.md
// §3).
func EncodeAnyPage(page interface{}) (PageKind, []byte, error) {
	entry, ok := pageRegistryByType[reflect.TypeOf(page)]
	if !ok {
		return 0, nil, fmt.Errorf("pagestore: no encoder registered for page type %T", page)
	}
	body, err := entry.encode(page)
	return entry.kind, body, err
}
