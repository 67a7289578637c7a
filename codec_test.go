package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotOffsetCodecRoundTrip(t *testing.T) {
	cases := [][]int64{
		{},
		{Absent, Absent, Absent},
		{0},
		{Absent, 5, Absent, 9999, Absent},
		{1, 2, 3, 4, 5, 6, 7, 8},
	}

	for _, offsets := range cases {
		encoded, err := EncodeSlotOffsets(offsets)
		require.NoError(t, err)

		decoded, err := DecodeSlotOffsets(encoded, len(offsets))
		require.NoError(t, err)
		require.Equal(t, offsets, decoded)
	}
}

func TestSlotOffsetCodecAllAbsentIsJustBitmap(t *testing.T) {
	offsets := make([]int64, 16)
	for i := range offsets {
		offsets[i] = Absent
	}
	encoded, err := EncodeSlotOffsets(offsets)
	require.NoError(t, err)
	require.Len(t, encoded, 2) // 16 slots -> 2-byte bitmap, no width byte, no packed data

	decoded, err := DecodeSlotOffsets(encoded, 16)
	require.NoError(t, err)
	for _, v := range decoded {
		require.Equal(t, Absent, v)
	}
}

func TestSlotOffsetCodecRejectsOutOfRange(t *testing.T) {
	_, err := EncodeSlotOffsets([]int64{1 << 33})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestSlotOffsetCodecRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeSlotOffsets([]byte{}, 10)
	require.ErrorIs(t, err, ErrCorruptPage)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		buf := appendVarint(nil, v)
		got, n, err := readVarint(buf)
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, len(buf), n)
	}
}

func TestUint24RoundTrip(t *testing.T) {
	buf := make([]byte, 3)
	putUint24(buf, 1<<23)
	require.Equal(t, uint32(1<<23), getUint24(buf))
}
