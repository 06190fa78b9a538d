package groupsort

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/tamirms/groupsort/internal/line"
)

// ByteRange is a run of whole records in the group file.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// GroupInfo summarizes one bucket's data in the group file. A bucket may be
// written by several engines and flushes, so its data is a list of ranges in
// no particular order.
type GroupInfo struct {
	Ranges     []ByteRange
	LinesCount uint64
	BytesCount uint64
}

// GroupsSummary maps every bucket id to its GroupInfo. It is built by the
// grouping engines, merged once, and read-only afterwards.
type GroupsSummary struct {
	Groups []GroupInfo     // indexed by bucket id, len line.NumBuckets
	Used   *roaring.Bitmap // bucket ids with at least one line

	MaxGroupLinesCount uint64
	MaxGroupSize       uint64
}

// NewGroupsSummary returns an empty summary.
func NewGroupsSummary() *GroupsSummary {
	return &GroupsSummary{
		Groups: make([]GroupInfo, line.NumBuckets),
		Used:   roaring.New(),
	}
}

// Add records lines stored for bucket at r. Adjacent ranges are coalesced.
func (s *GroupsSummary) Add(bucket uint16, r ByteRange, lines uint64) {
	g := &s.Groups[bucket]
	if n := len(g.Ranges); n > 0 && g.Ranges[n-1].Offset+g.Ranges[n-1].Length == r.Offset {
		g.Ranges[n-1].Length += r.Length
	} else {
		g.Ranges = append(g.Ranges, r)
	}
	g.LinesCount += lines
	g.BytesCount += r.Length
	s.Used.Add(uint32(bucket))
	s.observe(g)
}

func (s *GroupsSummary) observe(g *GroupInfo) {
	s.MaxGroupLinesCount = max(s.MaxGroupLinesCount, g.LinesCount)
	s.MaxGroupSize = max(s.MaxGroupSize, g.BytesCount)
}

// Merge folds other into s: range lists are concatenated and counts summed
// per bucket. The combine is associative and commutative, so partial
// summaries can be merged in any order.
func (s *GroupsSummary) Merge(other *GroupsSummary) {
	it := other.Used.Iterator()
	for it.HasNext() {
		bucket := it.Next()
		src := &other.Groups[bucket]
		dst := &s.Groups[bucket]
		dst.Ranges = append(dst.Ranges, src.Ranges...)
		dst.LinesCount += src.LinesCount
		dst.BytesCount += src.BytesCount
		s.observe(dst)
	}
	s.Used.Or(other.Used)
}

// NumGroups returns the number of non-empty buckets.
func (s *GroupsSummary) NumGroups() int {
	return int(s.Used.GetCardinality())
}

// TotalLines returns the number of lines across all buckets.
func (s *GroupsSummary) TotalLines() uint64 {
	var n uint64
	it := s.Used.Iterator()
	for it.HasNext() {
		n += s.Groups[it.Next()].LinesCount
	}
	return n
}

// TotalBytes returns the number of bytes across all buckets.
func (s *GroupsSummary) TotalBytes() uint64 {
	var n uint64
	it := s.Used.Iterator()
	for it.HasNext() {
		n += s.Groups[it.Next()].BytesCount
	}
	return n
}

// OutputOffsets returns, for every bucket id, the byte offset at which the
// bucket starts in the output file. Bucket id doubles as output rank.
// The final element is the total size.
func (s *GroupsSummary) OutputOffsets() []uint64 {
	offsets := make([]uint64, line.NumBuckets+1)
	var pos uint64
	for b := range line.NumBuckets {
		offsets[b] = pos
		pos += s.Groups[b].BytesCount
	}
	offsets[line.NumBuckets] = pos
	return offsets
}

// Largest returns the bucket with the most bytes. Ties go to the lowest id.
func (s *GroupsSummary) Largest() (uint16, GroupInfo) {
	var best uint16
	it := s.Used.Iterator()
	for it.HasNext() {
		b := uint16(it.Next())
		if s.Groups[b].BytesCount > s.Groups[best].BytesCount {
			best = b
		}
	}
	return best, s.Groups[best]
}
