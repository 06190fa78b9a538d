package groupsort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamirms/groupsort/internal/line"
)

func TestSummaryAddCoalescesAdjacentRanges(t *testing.T) {
	s := NewGroupsSummary()
	s.Add(7, ByteRange{Offset: 0, Length: 10}, 2)
	s.Add(7, ByteRange{Offset: 10, Length: 5}, 1)
	s.Add(7, ByteRange{Offset: 100, Length: 4}, 1)

	g := s.Groups[7]
	assert.Equal(t, []ByteRange{{0, 15}, {100, 4}}, g.Ranges)
	assert.Equal(t, uint64(4), g.LinesCount)
	assert.Equal(t, uint64(19), g.BytesCount)
	assert.Equal(t, uint64(19), s.MaxGroupSize)
	assert.Equal(t, uint64(4), s.MaxGroupLinesCount)
	assert.Equal(t, 1, s.NumGroups())
}

func TestSummaryMergeIsOrderIndependent(t *testing.T) {
	parts := func() []*GroupsSummary {
		a, b, c := NewGroupsSummary(), NewGroupsSummary(), NewGroupsSummary()
		a.Add(1, ByteRange{0, 8}, 2)
		a.Add(300, ByteRange{8, 4}, 1)
		b.Add(300, ByteRange{12, 30}, 5)
		b.Add(65535, ByteRange{42, 3}, 1)
		c.Add(1, ByteRange{45, 6}, 1)
		return []*GroupsSummary{a, b, c}
	}

	p := parts()
	left := p[0]
	left.Merge(p[1])
	left.Merge(p[2])

	q := parts()
	right := q[2]
	right.Merge(q[1])
	right.Merge(q[0])

	for _, s := range []*GroupsSummary{left, right} {
		assert.Equal(t, 3, s.NumGroups())
		assert.Equal(t, uint64(10), s.TotalLines())
		assert.Equal(t, uint64(51), s.TotalBytes())
		assert.Equal(t, uint64(34), s.MaxGroupSize)
		assert.Equal(t, uint64(6), s.MaxGroupLinesCount)
	}
	for _, b := range []uint16{1, 300, 65535} {
		assert.Equal(t, left.Groups[b].LinesCount, right.Groups[b].LinesCount)
		assert.Equal(t, left.Groups[b].BytesCount, right.Groups[b].BytesCount)
		assert.ElementsMatch(t, left.Groups[b].Ranges, right.Groups[b].Ranges)
	}
	assert.True(t, left.Used.Equals(right.Used))
}

func TestSummaryOutputOffsets(t *testing.T) {
	s := NewGroupsSummary()
	s.Add(5, ByteRange{0, 10}, 1)
	s.Add(2, ByteRange{10, 3}, 1)
	s.Add(65535, ByteRange{13, 7}, 1)

	off := s.OutputOffsets()
	require.Len(t, off, line.NumBuckets+1)
	assert.Equal(t, uint64(0), off[2])
	assert.Equal(t, uint64(3), off[3])
	assert.Equal(t, uint64(3), off[5])
	assert.Equal(t, uint64(13), off[6])
	assert.Equal(t, uint64(13), off[65535])
	assert.Equal(t, uint64(20), off[line.NumBuckets])
}

func TestSummaryLargest(t *testing.T) {
	s := NewGroupsSummary()
	s.Add(9, ByteRange{0, 10}, 1)
	s.Add(4, ByteRange{10, 10}, 3)
	s.Add(2, ByteRange{20, 5}, 1)

	b, info := s.Largest()
	assert.Equal(t, uint16(4), b, "ties go to the lowest id")
	assert.Equal(t, uint64(10), info.BytesCount)
}
