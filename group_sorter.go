package groupsort

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	sorterrors "github.com/tamirms/groupsort/errors"
	"github.com/tamirms/groupsort/internal/bits"
	"github.com/tamirms/groupsort/internal/bufpool"
	"github.com/tamirms/groupsort/internal/line"
	"github.com/tamirms/groupsort/internal/scheduler"
)

// smallRunLen is the largest run of equal segments that is finished with a
// direct byte-wise comparison instead of another segment pass.
const smallRunLen = 16

// entry pairs a line's current segment with its position in the index.
type entry[S bits.Segment] struct {
	seg S
	idx uint32
}

// groupScratch holds per-task slices sized for the largest group, reused
// across buckets through a sync.Pool.
type groupScratch[S bits.Segment] struct {
	index   []line.Index
	entries []entry[S]
}

// groupSorter sorts one bucket at a time: load its ranges into pooled rows,
// index the lines, order them by packed key segments and write them at the
// bucket's fixed output offset.
type groupSorter[S bits.Segment] struct {
	pool    *bufpool.Pool
	groups  *groupFile
	out     *outputWriter
	metrics *runMetrics
	logger  zerolog.Logger
	width   int
	scratch sync.Pool
}

func newGroupSorter[S bits.Segment](pool *bufpool.Pool, groups *groupFile, out *outputWriter,
	metrics *runMetrics, logger zerolog.Logger, maxLines uint64) *groupSorter[S] {
	gs := &groupSorter[S]{
		pool:    pool,
		groups:  groups,
		out:     out,
		metrics: metrics,
		logger:  logger,
		width:   bits.Width[S](),
	}
	gs.scratch.New = func() any {
		return &groupScratch[S]{
			index:   make([]line.Index, 0, maxLines),
			entries: make([]entry[S], 0, maxLines),
		}
	}
	return gs
}

// rowsFor returns how many pool rows a group of n bytes occupies. Lines
// never span rows, so every row but the last holds more than
// bufferSize-MaxLineLen bytes.
func rowsFor(n uint64, bufferSize int) int {
	if n <= uint64(bufferSize) {
		return 1
	}
	return int(n/uint64(bufferSize-line.MaxLineLen)) + 1
}

// checkGroupBudget fails with ErrGroupTooLarge when the largest bucket
// cannot be loaded within the pool. Runs before any sorting starts.
func checkGroupBudget(summary *GroupsSummary, pool *bufpool.Pool) error {
	if summary.NumGroups() == 0 {
		return nil
	}
	bucket, info := summary.Largest()
	need := rowsFor(info.BytesCount, pool.BufferSize())
	if need > pool.Capacity() {
		return fmt.Errorf("%w: bucket %d holds %d bytes in %d lines, needs %d buffers of %d bytes, budget allows %d",
			sorterrors.ErrGroupTooLarge, bucket, info.BytesCount, info.LinesCount,
			need, pool.BufferSize(), pool.Capacity())
	}
	return nil
}

// sortBuckets submits one task per non-empty bucket in ascending id order
// and waits for all of them.
func sortBuckets[S bits.Segment](sched *scheduler.Scheduler, gs *groupSorter[S], summary *GroupsSummary) error {
	it := summary.Used.Iterator()
	for it.HasNext() {
		bucket := uint16(it.Next())
		info := &summary.Groups[bucket]
		err := sched.Submit(func(ctx context.Context) error {
			return gs.sortBucket(ctx, bucket, info)
		})
		if err != nil {
			break
		}
	}
	return sched.Barrier()
}

func (gs *groupSorter[S]) sortBucket(ctx context.Context, bucket uint16, info *GroupInfo) error {
	rows, err := gs.pool.AcquireExactly(ctx, rowsFor(info.BytesCount, gs.pool.BufferSize()))
	if err != nil {
		return fmt.Errorf("bucket %d (%d bytes): %w", bucket, info.BytesCount, err)
	}
	defer rows.Release()

	sc := gs.scratch.Get().(*groupScratch[S])
	defer gs.scratch.Put(sc)

	sc.index, err = gs.load(rows.Rows(), info, sc.index[:0])
	if err != nil {
		return fmt.Errorf("bucket %d: %w", bucket, err)
	}
	if uint64(len(sc.index)) != info.LinesCount {
		return fmt.Errorf("%w: bucket %d loaded %d lines, summary has %d",
			sorterrors.ErrOutputMismatch, bucket, len(sc.index), info.LinesCount)
	}

	sc.entries = slices.Grow(sc.entries[:0], len(sc.index))[:len(sc.index)]
	m := matrix{rows: rows.Rows(), rowSize: uint64(gs.pool.BufferSize())}
	for i, li := range sc.index {
		sc.entries[i] = entry[S]{seg: gs.segment(m.line(li), li, 0), idx: uint32(i)}
	}
	gs.sortEntries(m, sc.index, sc.entries, 0)

	dst := gs.out.bucketRegion(bucket)
	pos := 0
	for _, e := range sc.entries {
		pos += copy(dst[pos:], m.line(sc.index[e.idx]))
	}
	if pos != len(dst) {
		return fmt.Errorf("%w: bucket %d wrote %d bytes into a %d byte region",
			sorterrors.ErrOutputMismatch, bucket, pos, len(dst))
	}
	gs.out.commitBucket(bucket)

	gs.metrics.bucketSorted()
	gs.metrics.setBuffersInUse(gs.pool.InUse())
	gs.logger.Debug().
		Uint16("bucket", bucket).
		Uint64("lines", info.LinesCount).
		Uint64("bytes", info.BytesCount).
		Int("rows", rows.Len()).
		Msg("bucket sorted")
	return nil
}

// load copies the bucket's ranges line by line into rows and indexes each
// line. A line that does not fit the rest of a row starts the next row.
func (gs *groupSorter[S]) load(rows [][]byte, info *GroupInfo, index []line.Index) ([]line.Index, error) {
	rowSize := len(rows[0])
	row, off := 0, 0
	for _, r := range info.Ranges {
		src := gs.groups.region(r.Offset, r.Length)
		for len(src) > 0 {
			li, n, err := line.Parse(src)
			if err != nil {
				return nil, fmt.Errorf("group file offset %d: %w", r.Offset+r.Length-uint64(len(src)), err)
			}
			if off+n > rowSize {
				row++
				off = 0
				if row == len(rows) {
					return nil, fmt.Errorf("%w: lines overflow %d rows", sorterrors.ErrGroupTooLarge, len(rows))
				}
			}
			copy(rows[row][off:], src[:n])
			li.Start = uint64(row)*uint64(rowSize) + uint64(off)
			index = append(index, li)
			off += n
			src = src[n:]
		}
	}
	return index, nil
}

// segment packs the key bytes [depth*w, (depth+1)*w) of a line.
func (gs *groupSorter[S]) segment(raw []byte, li line.Index, depth int) S {
	var window [8]byte
	line.FillKey(raw, li, depth*gs.width, window[:gs.width])
	return bits.Pack[S](window[:gs.width])
}

// sortEntries orders entries whose keys are already known to agree on the
// first depth segments. It sorts by the current segment, then refines each
// run of equal segments: small runs by comparing the rest of the key
// directly, large runs by packing the next segment and recursing.
//
// Lines load in input order, so breaking full-key ties by index keeps equal
// records in input order.
func (gs *groupSorter[S]) sortEntries(m matrix, index []line.Index, entries []entry[S], depth int) {
	slices.SortFunc(entries, func(a, b entry[S]) int {
		return cmp.Compare(a.seg, b.seg)
	})

	covered := (depth + 1) * gs.width
	for lo := 0; lo < len(entries); {
		hi := lo + 1
		for hi < len(entries) && entries[hi].seg == entries[lo].seg {
			hi++
		}
		run := entries[lo:hi]
		switch {
		case len(run) == 1:
		case keysCovered(index, run, covered):
			slices.SortFunc(run, byIndex[S])
		case len(run) <= smallRunLen:
			slices.SortFunc(run, func(a, b entry[S]) int {
				ia, ib := index[a.idx], index[b.idx]
				if c := line.CompareFrom(m.line(ia), m.line(ib), ia, ib, covered); c != 0 {
					return c
				}
				return byIndex(a, b)
			})
		default:
			for i := range run {
				li := index[run[i].idx]
				run[i].seg = gs.segment(m.line(li), li, depth+1)
			}
			gs.sortEntries(m, index, run, depth+1)
		}
		lo = hi
	}
}

func byIndex[S bits.Segment](a, b entry[S]) int {
	return cmp.Compare(a.idx, b.idx)
}

// keysCovered reports whether every key in run ends within the first
// covered bytes. Keys that agree on those bytes are then identical, since
// no key is a proper prefix of another.
func keysCovered[S bits.Segment](index []line.Index, run []entry[S], covered int) bool {
	for _, e := range run {
		if index[e.idx].KeyLen() > covered {
			return false
		}
	}
	return true
}

// matrix addresses a group's rows by the flat offsets stored in Index.Start.
type matrix struct {
	rows    [][]byte
	rowSize uint64
}

func (m matrix) line(li line.Index) []byte {
	row := m.rows[li.Start/m.rowSize]
	off := li.Start % m.rowSize
	return row[off : off+uint64(li.Len())]
}
