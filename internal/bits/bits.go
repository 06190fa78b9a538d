// Package bits provides low-level bit manipulation primitives.
package bits

import (
	"encoding/binary"
	"math/bits"
)

// Segment is a fixed-width comparison key packed from consecutive key bytes.
// One segment type is chosen per run.
type Segment interface {
	uint8 | uint32 | uint64
}

// Width returns how many key bytes one segment of type S holds.
func Width[S Segment]() int {
	var s S
	switch any(s).(type) {
	case uint8:
		return 1
	case uint32:
		return 4
	default:
		return 8
	}
}

// Pack packs the first Width[S]() bytes of window into S so that numeric
// order of packed values equals byte-wise order of the windows. Missing
// bytes are treated as zero.
//
// Bytes are loaded little-endian and then byte-swapped: the first byte of
// the window must land in the most significant position.
func Pack[S Segment](window []byte) S {
	var s S
	switch any(s).(type) {
	case uint8:
		if len(window) == 0 {
			return 0
		}
		return S(window[0])
	case uint32:
		return S(Pack32(window))
	default:
		return S(Pack64(window))
	}
}

// Pack32 is Pack for uint32 segments.
func Pack32(window []byte) uint32 {
	if len(window) >= 4 {
		return bits.ReverseBytes32(binary.LittleEndian.Uint32(window))
	}
	var buf [4]byte
	copy(buf[:], window)
	return bits.ReverseBytes32(binary.LittleEndian.Uint32(buf[:]))
}

// Pack64 is Pack for uint64 segments.
func Pack64(window []byte) uint64 {
	if len(window) >= 8 {
		return bits.ReverseBytes64(binary.LittleEndian.Uint64(window))
	}
	var buf [8]byte
	copy(buf[:], window)
	return bits.ReverseBytes64(binary.LittleEndian.Uint64(buf[:]))
}
