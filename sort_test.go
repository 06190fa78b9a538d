package groupsort

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sorterrors "github.com/tamirms/groupsort/errors"
)

var allSegments = []SortingSegment{SegmentByte, SegmentUint32, SegmentUint64}

func TestSortScenarios(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"letters then digits", "3.banana\n1.apple\n2.apple\n", "1.apple\n2.apple\n3.banana\n"},
		{"empty letters", "5.\n2.\n", "2.\n5.\n"},
		{"digit count before value", "9.x\n10.x\n1.x\n", "1.x\n9.x\n10.x\n"},
		{"shorter letters first", "1.abc\n1.ab\n1.a\n1.\n", "1.\n1.a\n1.ab\n1.abc\n"},
		{"upper before lower", "1.b\n1.B\n1.a\n1.A\n", "1.A\n1.B\n1.a\n1.b\n"},
		{"terminators kept", "2.b\r\n1.b\n", "1.b\n2.b\r\n"},
		{"single line", "7.z\n", "7.z\n"},
	}
	for _, tc := range tests {
		for _, seg := range allSegments {
			t.Run(tc.name+"/"+seg.String(), func(t *testing.T) {
				got, stats := sortBytes(t, []byte(tc.input), WithSortingSegment(seg))
				assert.Equal(t, tc.want, string(got))
				assert.Equal(t, uint64(strings.Count(tc.input, "\n")), stats.Lines)
				assert.Equal(t, uint64(len(tc.input)), stats.Bytes)
			})
		}
	}
}

func TestSortEmptyInput(t *testing.T) {
	got, stats := sortBytes(t, nil)
	assert.Empty(t, got)
	assert.Zero(t, stats.Lines)
	assert.Zero(t, stats.Buckets)
}

// TestSortRandomMatrix sorts random inputs across segment widths, engine
// counts and budgets and checks order and permutation of the result.
func TestSortRandomMatrix(t *testing.T) {
	shapes := []struct {
		name  string
		shape recordShape
		lines int
	}{
		{"wide", recordShape{alphabet: 52, maxLetters: 12, maxDigits: 8, crlf: true}, 5000},
		{"narrow ties", recordShape{alphabet: 2, maxLetters: 6, maxDigits: 3, crlf: true}, 5000},
		{"long lines", recordShape{alphabet: 3, maxLetters: 255, maxDigits: 255}, 800},
	}
	configs := []struct {
		name string
		opts []SortOption
	}{
		{"defaults", nil},
		{"small buffers one engine", append(smallBudget(64), WithGrouperEngines(1), WithMaxRunningTasks(1))},
		{"small buffers many engines", append(smallBudget(64), WithGrouperEngines(8), WithMaxRunningTasks(4))},
	}

	for _, sh := range shapes {
		for _, cfg := range configs {
			for _, seg := range allSegments {
				t.Run(fmt.Sprintf("%s/%s/%s", sh.name, cfg.name, seg), func(t *testing.T) {
					rng := newTestRNG(t)
					in := generateRecords(rng, sh.lines, sh.shape)
					opts := append([]SortOption{WithSortingSegment(seg)}, cfg.opts...)
					out, stats := sortBytes(t, in, opts...)
					requireSortedPermutation(t, in, out)
					assert.Equal(t, uint64(sh.lines), stats.Lines)
				})
			}
		}
	}
}

// TestSortSkewedBucket puts every line into one bucket with long shared
// prefixes, so the whole order comes from in-bucket refinement.
func TestSortSkewedBucket(t *testing.T) {
	for _, seg := range allSegments {
		t.Run(seg.String(), func(t *testing.T) {
			rng := newTestRNG(t)
			shape := recordShape{prefix: "zz" + strings.Repeat("q", 37), alphabet: 2, maxLetters: 20, maxDigits: 4}
			in := generateRecords(rng, 4000, shape)
			out, stats := sortBytes(t, in, WithSortingSegment(seg))
			requireSortedPermutation(t, in, out)
			assert.Equal(t, 1, stats.Buckets)
			assert.Equal(t, uint16('z')<<8|'z', stats.LargestBucket)
			assert.Equal(t, uint64(len(in)), stats.LargestBucketBytes)
		})
	}
}

func TestSortIdempotent(t *testing.T) {
	rng := newTestRNG(t)
	in := generateRecords(rng, 3000, recordShape{alphabet: 4, maxLetters: 5, maxDigits: 3, crlf: true})
	once, s1 := sortBytes(t, in, smallBudget(32)...)
	twice, s2 := sortBytes(t, once, smallBudget(32)...)
	assert.Equal(t, once, twice)
	assert.Equal(t, s1.OutputHash, s2.OutputHash)
}

// TestSortStableForEqualKeys checks that records with equal keys but
// different terminators keep their input order.
func TestSortStableForEqualKeys(t *testing.T) {
	in := "1.ab\r\n1.ab\n0.a\n1.ab\r\n"
	for _, seg := range allSegments {
		got, _ := sortBytes(t, []byte(in), WithSortingSegment(seg))
		assert.Equal(t, "0.a\n1.ab\r\n1.ab\n1.ab\r\n", string(got), seg.String())
	}
}

// TestOutputHashIndependentOfOptions checks that the output digest depends
// only on the input, not on parallelism or segment width.
func TestOutputHashIndependentOfOptions(t *testing.T) {
	rng := newTestRNG(t)
	in := generateRecords(rng, 4000, recordShape{alphabet: 52, maxLetters: 8, maxDigits: 6})
	_, base := sortBytes(t, in)
	for _, seg := range allSegments {
		_, s := sortBytes(t, in, append(smallBudget(48), WithSortingSegment(seg), WithGrouperEngines(5))...)
		assert.Equal(t, base.OutputHash, s.OutputHash, seg.String())
	}
}

func TestSortMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		err    error
		offset string
	}{
		{"missing dot", "1.a\n2.b\n33\n", sorterrors.ErrMalformedRecord, "offset 10"},
		{"starts with letter", "1.a\nx.b\n", sorterrors.ErrMalformedRecord, "offset 4"},
		{"empty line", "1.a\n\n", sorterrors.ErrMalformedRecord, "offset 4"},
		{"bad letter", "1.a\n2.b-c\n", sorterrors.ErrMalformedRecord, "offset 7"},
		{"bare cr", "1.a\r2.b\n", sorterrors.ErrMalformedRecord, "offset 4"},
		{"nul byte", "1.a\x00\n", sorterrors.ErrMalformedRecord, "offset 3"},
		{"unterminated", "1.a\n2.b", sorterrors.ErrUnterminatedRecord, "offset 4"},
		{"unterminated after cr", "1.a\n2.b\r", sorterrors.ErrUnterminatedRecord, "offset 4"},
		{"too many digits", strings.Repeat("1", 256) + ".a\n", sorterrors.ErrRecordTooLong, "offset 0"},
		{"too many letters", "1.a\n1." + strings.Repeat("b", 256) + "\n", sorterrors.ErrRecordTooLong, "offset 4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := writeInput(t, []byte(tc.input))
			out := filepath.Join(t.TempDir(), "out.txt")
			_, err := Sort(context.Background(), in, out, WithGrouperEngines(1))
			require.ErrorIs(t, err, tc.err)
			assert.Contains(t, err.Error(), tc.offset)
			assert.NoFileExists(t, out)
		})
	}
}

// TestSortMalformedAcrossWindows places a bad byte deep in a multi-window
// input so the reported offset must account for earlier windows.
func TestSortMalformedAcrossWindows(t *testing.T) {
	rng := newTestRNG(t)
	good := generateRecords(rng, 3000, recordShape{alphabet: 52, maxLetters: 20, maxDigits: 10})
	bad := append(append([]byte{}, good...), "12.ab?\n"...)
	in := writeInput(t, bad)
	out := filepath.Join(t.TempDir(), "out.txt")
	_, err := Sort(context.Background(), in, out, append(smallBudget(16), WithGrouperEngines(1))...)
	require.ErrorIs(t, err, sorterrors.ErrMalformedRecord)
	assert.Contains(t, err.Error(), fmt.Sprintf("offset %d", len(good)+5))
}

func TestSortGroupTooLarge(t *testing.T) {
	rng := newTestRNG(t)
	in := generateRecords(rng, 2000, recordShape{prefix: "mm", alphabet: 52, maxLetters: 10, maxDigits: 5})
	require.Greater(t, len(in), 4*MinBufferSize)

	path := writeInput(t, in)
	out := filepath.Join(t.TempDir(), "out.txt")
	_, err := Sort(context.Background(), path, out, smallBudget(buffersPerEngineMin)...)
	require.ErrorIs(t, err, sorterrors.ErrGroupTooLarge)
	assert.Contains(t, err.Error(), fmt.Sprintf("bucket %d", uint16('m')<<8|'m'))
	assert.NoFileExists(t, out)
}

func TestSortInvalidConfig(t *testing.T) {
	in := writeInput(t, []byte("1.a\n"))
	out := filepath.Join(t.TempDir(), "out.txt")
	tests := []struct {
		name string
		opts []SortOption
	}{
		{"buffer too small", []SortOption{WithBufferSize(1024)}},
		{"no memory", []SortOption{WithMaxMemoryForLines(0)}},
		{"budget below one engine", []SortOption{WithBufferSize(MinBufferSize), WithMaxMemoryForLines(2 * MinBufferSize)}},
		{"unknown segment", []SortOption{WithSortingSegment(SortingSegment(9))}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Sort(context.Background(), in, out, tc.opts...)
			assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)
		})
	}
}

func TestSortMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := Sort(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSortCanceled(t *testing.T) {
	rng := newTestRNG(t)
	in := writeInput(t, generateRecords(rng, 1000, recordShape{alphabet: 52, maxLetters: 8, maxDigits: 4}))
	out := filepath.Join(t.TempDir(), "out.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Sort(ctx, in, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}

func TestSortMetricsAndLogging(t *testing.T) {
	rng := newTestRNG(t)
	in := generateRecords(rng, 1500, recordShape{alphabet: 52, maxLetters: 8, maxDigits: 4})

	reg := prometheus.NewRegistry()
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	_, stats := sortBytes(t, in, WithRegisterer(reg), WithLogger(logger))
	// A second run against the same registry reuses the collectors.
	sortBytes(t, in, WithRegisterer(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, float64(2*stats.Lines), values["groupsort_lines_total"])
	assert.Equal(t, float64(2*len(in)), values["groupsort_bytes_total"])
	assert.Equal(t, float64(2*stats.Buckets), values["groupsort_buckets_sorted_total"])
	assert.Equal(t, float64(6), values["groupsort_phase_duration_seconds"])

	assert.Contains(t, logs.String(), `"message":"grouping done"`)
	assert.Contains(t, logs.String(), `"message":"output finalized"`)
}

func TestParseSortingSegment(t *testing.T) {
	for _, seg := range allSegments {
		got, err := ParseSortingSegment(seg.String())
		require.NoError(t, err)
		assert.Equal(t, seg, got)
	}
	_, err := ParseSortingSegment("uint16")
	assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)
}
