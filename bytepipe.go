package pagestore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// bytePipeline wraps klauspost/compress's zstd implementation behind the
// compress/decompress contract spec.md §4.6 assigns to the byte-handler
// pipeline collaborator, the same "wrap a real compressor behind a small
// pipeline type" shape the rest of the pack uses this library for (e.g. the
// storage-engine and pebble-style example repos surveyed in SPEC_FULL.md's
// domain stack).
type bytePipeline struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newBytePipeline() (*bytePipeline, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("pagestore: zstd encoder init failed: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("pagestore: zstd decoder init failed: %w", err)
	}
	return &bytePipeline{encoder: enc, decoder: dec}, nil
}

// Compress returns dst's zstd-compressed bytes.
func (bp *bytePipeline) Compress(dst []byte) []byte {
	return bp.encoder.EncodeAll(dst, nil)
}

// DecompressionResult is the zero-copy buffer adoption contract (spec.md
// §4.4 "Zero-copy decompression buffer adoption", §8 scenario 6): Release
// must be safe to call exactly once and a no-op on any subsequent call.
type DecompressionResult struct {
	Segment  *Segment
	released bool
}

// Release hands the segment back to its allocator exactly once.
func (d *DecompressionResult) Release() error {
	if d.released {
		return nil
	}
	d.released = true
	return d.Segment.Release()
}

// Decompress inflates src into a freshly allocated Segment owned by the
// returned DecompressionResult, transferring ownership to the caller (the
// "transferOwnership" half of the contract): the caller must Release exactly
// once when done reading.
func (bp *bytePipeline) Decompress(alloc *SegmentAllocator, src []byte) (*DecompressionResult, error) {
	out, err := bp.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode failed: %v", ErrCorruptPage, err)
	}

	seg, err := alloc.Allocate(len(out))
	if err != nil {
		return nil, err
	}
	seg.Ownership = OwnedByDecompressionBuffer
	seg.releaser = func() error { return alloc.release(seg) }
	copy(seg.Bytes, out)

	return &DecompressionResult{Segment: seg}, nil
}

// streamDecompress decodes a zstd stream read from an io.Reader rather than
// a flat byte slice (spec.md's byte-handler pipeline is described generically
// enough to cover both shapes). Nothing in this package calls it.
func streamDecompress(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return nil, fmt.Errorf("%w: zstd stream decode failed: %v", ErrCorruptPage, err)
	}
	return buf.Bytes(), nil
}
