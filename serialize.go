package pagestore

import (
	"encoding/binary"
	"fmt"
)

// Fixed-width little-endian helpers, in the teacher's style (Serialize.go:
// serializeUint64/deserializeUint64/...), generalized with varint helpers for
// the page-kind envelope (§4.6).

func putUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func getUint64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func putUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func getUint32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }

func putUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func getUint16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }

// putUint24 / getUint24 implement the 3-byte data-length field in the slot
// directory entry (§3).
func putUint24(dst []byte, v uint32) {
	if v >= 1<<24 {
		panic(fmt.Sprintf("pagestore: value %d does not fit in 3 bytes", v))
	}
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func getUint24(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

// appendVarint/readVarint wrap stdlib binary.{PutUvarint,Uvarint} in the
// teacher's append-returning style (Serialize.go's serializeUintNN helpers all
// return a fresh []byte the caller appends).
func appendVarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readVarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: truncated varint", ErrCorruptPage)
	}
	return v, n, nil
}
