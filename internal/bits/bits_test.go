package bits

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"testing"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x1234567890ABCDEF
	testSeed2 = 0xFEDCBA9876543210
)

func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewPCG(testSeed1^s1, testSeed2^s2))
}

// randomWindow returns up to n bytes drawn from a small alphabet so that
// equal and shared-prefix windows are common.
func randomWindow(rng *rand.Rand, n int) []byte {
	w := make([]byte, rng.IntN(n+1))
	for i := range w {
		w[i] = []byte{0, 'A', 'a', 0xFF}[rng.IntN(4)]
	}
	return w
}

// padded returns w zero-extended (or truncated) to n bytes, which is the
// byte string a packed segment stands for.
func padded(w []byte, n int) []byte {
	p := make([]byte, n)
	copy(p, w)
	return p
}

func checkPackOrder[S Segment](t *testing.T) {
	rng := newTestRNG(t)
	width := Width[S]()
	const iterations = 20000

	for i := 0; i < iterations; i++ {
		w1 := randomWindow(rng, width+2)
		w2 := randomWindow(rng, width+2)
		want := bytes.Compare(padded(w1, width), padded(w2, width))

		p1, p2 := Pack[S](w1), Pack[S](w2)
		var got int
		switch {
		case p1 < p2:
			got = -1
		case p1 > p2:
			got = 1
		}
		if got != want {
			t.Fatalf("iter %d: Pack(%x)=%x vs Pack(%x)=%x compares %d, bytes compare %d",
				i, w1, p1, w2, p2, got, want)
		}
	}
}

// TestPackOrder verifies pack(w1) <= pack(w2) iff w1 <= w2 byte-wise for
// every segment width.
func TestPackOrder(t *testing.T) {
	t.Run("uint8", checkPackOrder[uint8])
	t.Run("uint32", checkPackOrder[uint32])
	t.Run("uint64", checkPackOrder[uint64])
}

// TestPackByteOrder pins the packed layout: the first window byte is the most
// significant byte of the segment.
func TestPackByteOrder(t *testing.T) {
	w := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	if got := Pack[uint64](w); got != 0x0102030405060708 {
		t.Errorf("Pack[uint64] = %#x, want 0x0102030405060708", got)
	}
	if got := Pack[uint32](w); got != 0x01020304 {
		t.Errorf("Pack[uint32] = %#x, want 0x01020304", got)
	}
	if got := Pack[uint8](w); got != 0x01 {
		t.Errorf("Pack[uint8] = %#x, want 0x01", got)
	}
}

func TestPackShortWindows(t *testing.T) {
	if got := Pack[uint64](nil); got != 0 {
		t.Errorf("Pack[uint64](nil) = %#x, want 0", got)
	}
	if got := Pack[uint8](nil); got != 0 {
		t.Errorf("Pack[uint8](nil) = %#x, want 0", got)
	}
	if got := Pack[uint64]([]byte{0xAB}); got != 0xAB00000000000000 {
		t.Errorf("Pack[uint64]([0xAB]) = %#x, want 0xAB00000000000000", got)
	}
	if got := Pack[uint32]([]byte{0xAB, 0xCD}); got != 0xABCD0000 {
		t.Errorf("Pack[uint32]([0xAB 0xCD]) = %#x, want 0xABCD0000", got)
	}
}

func TestWidth(t *testing.T) {
	if Width[uint8]() != 1 || Width[uint32]() != 4 || Width[uint64]() != 8 {
		t.Errorf("Width = %d/%d/%d, want 1/4/8", Width[uint8](), Width[uint32](), Width[uint64]())
	}
}
