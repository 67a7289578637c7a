package pagestore

import "math/bits"

// hammingWeight64 determines the total number of 1 bits in v. Named after the
// teacher's calculateHammingWeight (Utils.go), generalized from uint32 to
// uint64 since every bitmap in this repo is word-oriented rather than the
// teacher's [8]uint32 256-bit layout.
func hammingWeight64(v uint64) int { return bits.OnesCount64(v) }

// pextSoftware is a software parallel-bit-extract: it gathers the bits of v
// selected by mask into contiguous low-order positions of the result, in mask
// bit order from LSB to MSB. Hardware PEXT (BMI2) is not exposed by the Go
// compiler's intrinsics, so HOT's "PEXT-style" discriminative bit extraction
// (spec.md §4.7) is implemented the portable way; the teacher's own bit
// manipulation (Utils.go: getPosition's shift-and-mask idiom) is exactly this
// style of manual bit surgery, just generalized to an arbitrary mask.
func pextSoftware(v, mask uint64) uint64 {
	var result uint64
	var resultBit uint
	for mask != 0 {
		bit := mask & (-mask) // lowest set bit of mask
		if v&bit != 0 {
			result |= 1 << resultBit
		}
		resultBit++
		mask &= mask - 1 // clear lowest set bit
	}
	return result
}

// hexDump renders up to width bytes around offset within data as a hex dump,
// used to attach forensic context to CorruptPage errors (spec.md §4.4
// "getSlot", §7). Mirrors the teacher's preference for attaching concrete
// byte context to a recovered panic (Node.go's recover()-to-error pattern),
// just surfacing the bytes instead of discarding them.
func hexDump(data []byte, offset, width int) string {
	start := offset - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(data) {
		end = len(data)
	}

	const hextable = "0123456789abcdef"
	buf := make([]byte, 0, (end-start)*3+16)
	for i := start; i < end; i++ {
		b := data[i]
		buf = append(buf, hextable[b>>4], hextable[b&0xf], ' ')
	}
	return string(buf)
}
