package groupsort

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tamirms/groupsort/verify"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x1234567890ABCDEF
	testSeed2 = 0xFEDCBA9876543210
)

// newTestRNG returns a PCG generator seeded from the test name, so every
// test gets its own reproducible stream.
func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewPCG(testSeed1^s1, testSeed2^s2))
}

const letterAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// recordShape controls generateRecords.
type recordShape struct {
	prefix     string // fixed start of every letters field
	alphabet   int    // letters drawn from letterAlphabet[:alphabet]
	maxLetters int    // random letters after prefix
	maxDigits  int
	crlf       bool // mix "\r\n" terminators in
}

func (s recordShape) record(rng *rand.Rand) []byte {
	var b bytes.Buffer
	digits := 1 + rng.IntN(s.maxDigits)
	b.WriteByte(byte('1' + rng.IntN(9)))
	for i := 1; i < digits; i++ {
		b.WriteByte(byte('0' + rng.IntN(10)))
	}
	b.WriteByte('.')
	b.WriteString(s.prefix)
	for i := rng.IntN(s.maxLetters + 1); i > 0; i-- {
		b.WriteByte(letterAlphabet[rng.IntN(s.alphabet)])
	}
	if s.crlf && rng.IntN(4) == 0 {
		b.WriteByte('\r')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// generateRecords returns n concatenated random records.
func generateRecords(rng *rand.Rand, n int, shape recordShape) []byte {
	var out bytes.Buffer
	for range n {
		out.Write(shape.record(rng))
	}
	return out.Bytes()
}

// writeInput writes data to a fresh file in the test's temp dir.
func writeInput(t testing.TB, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// sortBytes sorts data through files and returns the output bytes.
func sortBytes(t testing.TB, data []byte, opts ...SortOption) ([]byte, *Stats) {
	t.Helper()
	in := writeInput(t, data)
	out := filepath.Join(t.TempDir(), "output.txt")
	opts = append([]SortOption{TempDir(t.TempDir())}, opts...)
	stats, err := Sort(context.Background(), in, out, opts...)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	return got, stats
}

// requireSortedPermutation checks that out is ordered and holds exactly
// the lines of in.
func requireSortedPermutation(t testing.TB, in, out []byte) {
	t.Helper()
	rep, err := verify.CheckOrder(bytes.NewReader(out))
	require.NoError(t, err)
	require.True(t, rep.Sorted, "first out-of-order line: %d", rep.FirstViolation)

	want, err := verify.Fingerprint(bytes.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, want, rep.Digest, "output is not a permutation of input")
}

// smallBudget keeps the pool at a handful of minimum-size buffers so tests
// cross window boundaries and reuse buffers.
func smallBudget(buffers int) []SortOption {
	return []SortOption{
		WithBufferSize(MinBufferSize),
		WithMaxMemoryForLines(int64(buffers) * MinBufferSize),
	}
}
