package groupsort

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	sorterrors "github.com/tamirms/groupsort/errors"
	"github.com/tamirms/groupsort/internal/bufpool"
	"github.com/tamirms/groupsort/internal/line"
	"github.com/tamirms/groupsort/internal/scheduler"
)

const (
	// windowBuffers is the number of read windows an engine holds: the
	// current one and the previous one, so a line crossing the boundary can
	// be reassembled without re-reading the input.
	windowBuffers = 2

	// buffersPerEngineMin is what one engine needs to make progress: its
	// windows plus one staging row.
	buffersPerEngineMin = windowBuffers + 1

	// maxStagingBytes caps the staging rows of one engine. Larger batches
	// only mean fewer, bigger group file ranges.
	maxStagingBytes = 64 << 20
)

// Sentinels written at window[n], one past the last byte read. Neither is a
// grammar byte, so the FSM only looks at them on its error path, where the
// position i == n tells a sentinel apart from bad input.
const (
	sentinelEndOfBuffer byte = 0x00 // more input follows in the next window
	sentinelEndOfStream byte = 0x01 // the shard is exhausted
)

type grouperState uint8

const (
	stateLineStart    grouperState = iota // expecting the first digit of a record
	stateDigits                           // expecting a digit or '.'
	stateFirstLetter                      // after '.'; a letter here is prefix byte 0
	stateSecondLetter                     // a letter here is prefix byte 1
	stateLetters                          // remaining letters up to the terminator
	stateCR                               // after '\r', only '\n' may follow
)

// stagedLine locates one completed line in the engine's staging rows.
type stagedLine struct {
	row    uint32
	off    uint32
	size   uint16
	bucket uint16
}

// grouperEngine scans one input shard with an explicit state machine,
// stages completed lines in pooled rows and flushes them to the group file
// in bucket order. Every engine owns its windows, rows and partial summary;
// the only shared state is the pool and the group file's reservation cursor.
type grouperEngine struct {
	pool    *bufpool.Pool
	groups  *groupFile
	metrics *runMetrics
	input   *os.File
	shard   shard

	stagingRows int
	summary     *GroupsSummary

	// Windows. prev is only meaningful while straddling.
	src         io.Reader
	cur, prev   []byte
	curN, prevN int
	base        int64 // input offset of cur[0]

	// FSM
	state      grouperState
	lineStart  int  // index of the current line's first byte in cur, or in prev when straddling
	straddling bool // the current line began in prev
	digits     int
	letters    int
	b0, b1     byte

	// Staging
	rows       [][]byte
	row        int
	rowOff     int
	staged     []stagedLine
	lineCounts []uint32 // per bucket, since the last flush
	byteCounts []uint64
	cursors    []uint64
	touched    []uint16 // buckets with lineCounts > 0
}

func newGrouperEngine(pool *bufpool.Pool, groups *groupFile, metrics *runMetrics,
	input *os.File, sh shard, stagingRows int) *grouperEngine {
	return &grouperEngine{
		pool:        pool,
		groups:      groups,
		metrics:     metrics,
		input:       input,
		shard:       sh,
		stagingRows: max(stagingRows, 1),
	}
}

// run groups the whole shard. On success e.summary holds the engine's
// partial summary.
func (e *grouperEngine) run(ctx context.Context) error {
	windows, err := e.pool.AcquireExactly(ctx, windowBuffers)
	if err != nil {
		return err
	}
	defer windows.Release()
	e.cur, e.prev = windows.Rows()[0], windows.Rows()[1]

	staging, err := e.pool.AcquireMany(ctx, e.stagingRows)
	if err != nil {
		return err
	}
	defer staging.Release()
	e.rows = staging.Rows()

	e.summary = NewGroupsSummary()
	e.lineCounts = make([]uint32, line.NumBuckets)
	e.byteCounts = make([]uint64, line.NumBuckets)
	e.cursors = make([]uint64, line.NumBuckets)
	e.staged = make([]stagedLine, 0, len(e.rows)*e.pool.BufferSize()/256)
	e.state = stateLineStart
	e.base = e.shard.start

	fadviseSequential(int(e.input.Fd()), e.shard.start, e.shard.len())
	e.src = io.NewSectionReader(e.input, e.shard.start, e.shard.len())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.fill(); err != nil {
			return err
		}
		done, err := e.scan()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	if err := e.flush(); err != nil {
		return err
	}
	e.metrics.setBuffersInUse(e.pool.InUse())
	return nil
}

// fill swaps the windows and reads the next window's worth of input into
// cur, then writes the sentinel that tells scan whether more input follows.
func (e *grouperEngine) fill() error {
	if e.state != stateLineStart {
		if e.straddling {
			return fmt.Errorf("%w: record at offset %d spans more than two windows",
				sorterrors.ErrRecordTooLong, e.lineOffset())
		}
		e.straddling = true
	}
	e.base += int64(e.curN)
	e.prev, e.cur = e.cur, e.prev
	e.prevN = e.curN

	window := e.cur[:len(e.cur)-1]
	n, err := io.ReadFull(e.src, window)
	e.curN = n
	switch err {
	case nil:
		e.cur[n] = sentinelEndOfBuffer
	case io.EOF, io.ErrUnexpectedEOF:
		e.cur[n] = sentinelEndOfStream
	default:
		return fmt.Errorf("read input at offset %d: %w", e.base, err)
	}
	return nil
}

// scan runs the state machine over cur until the sentinel. It returns true
// once the end of the shard is reached at a record boundary.
func (e *grouperEngine) scan() (bool, error) {
	w := e.cur
	for i := 0; ; i++ {
		c := w[i]
		switch e.state {
		case stateLineStart:
			if !line.IsDigit(c) {
				return e.offGrammar(i, "record must start with a digit")
			}
			e.lineStart, e.straddling = i, false
			e.digits = 1
			e.state = stateDigits

		case stateDigits:
			switch {
			case line.IsDigit(c):
				e.digits++
				if e.digits > line.MaxFieldLen {
					return false, fmt.Errorf("%w: more than %d digits in record at offset %d",
						sorterrors.ErrRecordTooLong, line.MaxFieldLen, e.lineOffset())
				}
			case c == '.':
				e.letters = 0
				e.b0, e.b1 = line.MinSentinel, line.MinSentinel
				e.state = stateFirstLetter
			default:
				return e.offGrammar(i, "expected digit or '.'")
			}

		case stateFirstLetter, stateSecondLetter, stateLetters:
			switch {
			case line.IsLetter(c):
				e.letters++
				if e.letters > line.MaxFieldLen {
					return false, fmt.Errorf("%w: more than %d letters in record at offset %d",
						sorterrors.ErrRecordTooLong, line.MaxFieldLen, e.lineOffset())
				}
				switch e.state {
				case stateFirstLetter:
					e.b0 = c
					e.state = stateSecondLetter
				case stateSecondLetter:
					e.b1 = c
					e.state = stateLetters
				}
			case c == '\n':
				if err := e.emit(i); err != nil {
					return false, err
				}
				e.state = stateLineStart
			case c == '\r':
				e.state = stateCR
			default:
				return e.offGrammar(i, "expected letter or line terminator")
			}

		case stateCR:
			if c != '\n' {
				return e.offGrammar(i, "bare '\\r'")
			}
			if err := e.emit(i); err != nil {
				return false, err
			}
			e.state = stateLineStart
		}
	}
}

// offGrammar handles a byte the current state does not accept. At i == n it
// is the sentinel: end of buffer asks for the next window, end of stream
// ends the shard. Anywhere else it is malformed input.
func (e *grouperEngine) offGrammar(i int, what string) (bool, error) {
	if i == e.curN {
		if e.cur[i] == sentinelEndOfBuffer {
			return false, nil
		}
		if e.state == stateLineStart {
			return true, nil
		}
		return false, fmt.Errorf("%w: record at offset %d", sorterrors.ErrUnterminatedRecord, e.lineOffset())
	}
	return false, fmt.Errorf("%w: %s, got %q at offset %d",
		sorterrors.ErrMalformedRecord, what, e.cur[i], e.base+int64(i))
}

// lineOffset returns the input offset of the current line's first byte.
func (e *grouperEngine) lineOffset() int64 {
	if e.straddling {
		return e.base - int64(e.prevN) + int64(e.lineStart)
	}
	return e.base + int64(e.lineStart)
}

// emit stages the line ending at cur[i]. A straddling line is reassembled
// from the tail of prev and the head of cur.
func (e *grouperEngine) emit(i int) error {
	var head, tail []byte
	if e.straddling {
		head, tail = e.prev[e.lineStart:e.prevN], e.cur[:i+1]
	} else {
		head = e.cur[e.lineStart : i+1]
	}
	return e.stage(head, tail, line.Bucket(e.b0, e.b1))
}

func (e *grouperEngine) stage(head, tail []byte, bucket uint16) error {
	size := len(head) + len(tail)
	if e.rowOff+size > len(e.rows[e.row]) {
		e.row++
		e.rowOff = 0
		if e.row == len(e.rows) {
			if err := e.flush(); err != nil {
				return err
			}
		}
	}

	dst := e.rows[e.row][e.rowOff:]
	copy(dst[copy(dst, head):], tail)
	e.staged = append(e.staged, stagedLine{
		row:    uint32(e.row),
		off:    uint32(e.rowOff),
		size:   uint16(size),
		bucket: bucket,
	})
	e.rowOff += size

	if e.lineCounts[bucket] == 0 {
		e.touched = append(e.touched, bucket)
	}
	e.lineCounts[bucket]++
	e.byteCounts[bucket] += uint64(size)
	return nil
}

// flush writes the staged lines to one freshly reserved region of the group
// file, ordered by bucket with arrival order kept inside each bucket (a
// stable counting sort), and records one range per touched bucket.
func (e *grouperEngine) flush() error {
	if len(e.staged) == 0 {
		return nil
	}

	slices.Sort(e.touched)
	var total uint64
	for _, b := range e.touched {
		e.cursors[b] = total
		total += e.byteCounts[b]
	}

	off, err := e.groups.reserve(int(total))
	if err != nil {
		return err
	}
	region := e.groups.region(uint64(off), total)
	for _, s := range e.staged {
		pos := e.cursors[s.bucket]
		copy(region[pos:], e.rows[s.row][s.off:s.off+uint32(s.size)])
		e.cursors[s.bucket] = pos + uint64(s.size)
	}

	start := uint64(off)
	for _, b := range e.touched {
		e.summary.Add(b, ByteRange{Offset: start, Length: e.byteCounts[b]}, uint64(e.lineCounts[b]))
		start += e.byteCounts[b]
		e.lineCounts[b] = 0
		e.byteCounts[b] = 0
	}

	e.metrics.addGrouped(len(e.staged), total)
	e.metrics.setBuffersInUse(e.pool.InUse())

	e.touched = e.touched[:0]
	e.staged = e.staged[:0]
	e.row, e.rowOff = 0, 0
	return nil
}

// groupInput runs the grouping phase: one engine per shard on sched, a
// drain barrier, then the merge of the partial summaries.
func groupInput(sched *scheduler.Scheduler, pool *bufpool.Pool, groups *groupFile,
	metrics *runMetrics, input *os.File, size int64, engines int) (*GroupsSummary, error) {
	shards, err := splitShards(input, size, engines)
	if err != nil {
		return nil, err
	}
	fairShare := pool.Capacity()/len(shards) - windowBuffers
	stagingCap := max(maxStagingBytes/pool.BufferSize(), 1)

	partials := make([]*GroupsSummary, len(shards))
	for i, sh := range shards {
		rows := min(fairShare, stagingCap, rowsFor(uint64(sh.len()), pool.BufferSize()))
		e := newGrouperEngine(pool, groups, metrics, input, sh, rows)
		err := sched.Submit(func(ctx context.Context) error {
			if err := e.run(ctx); err != nil {
				return err
			}
			partials[i] = e.summary
			return nil
		})
		if err != nil {
			break
		}
	}
	if err := sched.Barrier(); err != nil {
		return nil, err
	}

	summary := partials[0]
	for _, p := range partials[1:] {
		summary.Merge(p)
	}
	if got := uint64(groups.reserved()); got != summary.TotalBytes() || got != uint64(size) {
		return nil, fmt.Errorf("%w: grouped %d of %d input bytes", sorterrors.ErrOutputMismatch, got, size)
	}
	return summary, nil
}
