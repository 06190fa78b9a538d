package groupsort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamirms/groupsort/internal/bufpool"
	"github.com/tamirms/groupsort/internal/scheduler"
)

// Stats describes a completed sort.
type Stats struct {
	Lines   uint64 // records sorted
	Bytes   uint64 // input and output size
	Buckets int    // non-empty buckets

	LargestBucket      uint16
	LargestBucketBytes uint64
	LargestBucketLines uint64

	// OutputHash folds the xxhash of every bucket's sorted bytes in
	// ascending bucket order. Equal inputs sorted with any options give
	// equal hashes.
	OutputHash uint64

	// PeakBuffers is the number of pooled buffers ever allocated, which
	// bounds line memory at PeakBuffers * BufferSize.
	PeakBuffers int

	GroupingDuration time.Duration
	SortingDuration  time.Duration
	FinalizeDuration time.Duration
}

// sortRun owns the resources of one Sort call.
type sortRun struct {
	cfg     *sortConfig
	logger  zerolog.Logger
	metrics *runMetrics

	input  *os.File
	size   int64
	pool   *bufpool.Pool
	groups *groupFile
	out    *outputWriter
}

// Sort reads inputPath, sorts its records and writes them to outputPath.
//
// Records are `<digits>.<letters>` lines terminated by "\n" or "\r\n". The
// output holds the same lines ordered by letters, then by digit count, then
// by digits. Any malformed record, I/O failure or bucket too large for the
// memory budget aborts the run and removes outputPath.
func Sort(ctx context.Context, inputPath, outputPath string, opts ...SortOption) (*Stats, error) {
	cfg := defaultSortConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	metrics, err := newRunMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	r := &sortRun{
		cfg:     cfg,
		logger:  cfg.logger.With().Str("input", inputPath).Str("output", outputPath).Logger(),
		metrics: metrics,
	}
	stats, err := r.run(ctx, inputPath, outputPath)
	if cleanupErr := r.close(); cleanupErr != nil {
		if err == nil {
			return nil, cleanupErr
		}
		err = errors.Join(err, cleanupErr)
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *sortRun) run(ctx context.Context, inputPath, outputPath string) (*Stats, error) {
	input, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	r.input = input
	info, err := input.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	r.size = info.Size()

	stats := &Stats{Bytes: uint64(r.size)}
	if r.size == 0 {
		return stats, r.writeEmpty(outputPath, stats)
	}

	r.pool, err = bufpool.New(r.cfg.bufferSize, r.cfg.poolCapacity())
	if err != nil {
		return nil, err
	}
	r.groups, err = newGroupFile(r.cfg.tempDir, r.size)
	if err != nil {
		return nil, err
	}

	// Grouping
	start := time.Now()
	summary, err := r.group(ctx)
	if err != nil {
		return nil, err
	}
	stats.GroupingDuration = time.Since(start)
	r.metrics.observePhase(phaseGrouping, stats.GroupingDuration)

	stats.Lines = summary.TotalLines()
	stats.Buckets = summary.NumGroups()
	stats.LargestBucket, _ = summary.Largest()
	stats.LargestBucketBytes = summary.Groups[stats.LargestBucket].BytesCount
	stats.LargestBucketLines = summary.Groups[stats.LargestBucket].LinesCount
	r.logger.Info().
		Uint64("lines", stats.Lines).
		Uint64("bytes", stats.Bytes).
		Int("buckets", stats.Buckets).
		Uint64("max_group_size", summary.MaxGroupSize).
		Uint64("max_group_lines", summary.MaxGroupLinesCount).
		Dur("elapsed", stats.GroupingDuration).
		Msg("grouping done")

	if err := checkGroupBudget(summary, r.pool); err != nil {
		return nil, err
	}

	// Sorting
	start = time.Now()
	r.groups.prepareForRead()
	r.out, err = newOutputWriter(outputPath, summary)
	if err != nil {
		return nil, err
	}
	if err := r.sort(ctx, summary); err != nil {
		return nil, err
	}
	stats.SortingDuration = time.Since(start)
	r.metrics.observePhase(phaseSorting, stats.SortingDuration)
	r.logger.Info().
		Int("buckets", stats.Buckets).
		Int("peak_buffers", r.pool.Allocated()).
		Dur("elapsed", stats.SortingDuration).
		Msg("sorting done")

	// Finalize
	start = time.Now()
	stats.OutputHash = r.out.outputHash()
	stats.PeakBuffers = r.pool.Allocated()
	if err := r.out.finalize(); err != nil {
		return nil, err
	}
	stats.FinalizeDuration = time.Since(start)
	r.metrics.observePhase(phaseFinalize, stats.FinalizeDuration)
	r.logger.Info().
		Str("output_hash", fmt.Sprintf("%016x", stats.OutputHash)).
		Dur("elapsed", stats.FinalizeDuration).
		Msg("output finalized")

	return stats, nil
}

// group runs the grouping phase with one scheduler worker per engine.
func (r *sortRun) group(ctx context.Context) (*GroupsSummary, error) {
	sched := scheduler.New(ctx, r.cfg.grouperEngines)
	summary, err := groupInput(sched, r.pool, r.groups, r.metrics, r.input, r.size, r.cfg.grouperEngines)
	if closeErr := sched.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return summary, err
}

// sort runs the sorting phase with the segment width chosen for the run.
func (r *sortRun) sort(ctx context.Context, summary *GroupsSummary) error {
	sched := scheduler.New(ctx, r.cfg.maxRunningTasks)
	var err error
	switch r.cfg.segment {
	case SegmentByte:
		err = sortBuckets(sched, newGroupSorter[uint8](r.pool, r.groups, r.out, r.metrics, r.logger, summary.MaxGroupLinesCount), summary)
	case SegmentUint32:
		err = sortBuckets(sched, newGroupSorter[uint32](r.pool, r.groups, r.out, r.metrics, r.logger, summary.MaxGroupLinesCount), summary)
	default:
		err = sortBuckets(sched, newGroupSorter[uint64](r.pool, r.groups, r.out, r.metrics, r.logger, summary.MaxGroupLinesCount), summary)
	}
	if closeErr := sched.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return err
}

// writeEmpty creates an empty output file for an empty input.
func (r *sortRun) writeEmpty(outputPath string, stats *Stats) error {
	out, err := newOutputWriter(outputPath, NewGroupsSummary())
	if err != nil {
		return err
	}
	r.out = out
	stats.OutputHash = out.outputHash()
	return out.finalize()
}

// close releases everything the run opened. On a failed run the output
// writer still holds its file and removes it. Idempotent.
func (r *sortRun) close() error {
	var errs []error
	if r.out != nil {
		if err := r.out.abort(); err != nil {
			errs = append(errs, fmt.Errorf("remove output: %w", err))
		}
		r.out = nil
	}
	if r.groups != nil {
		if err := r.groups.cleanup(); err != nil {
			errs = append(errs, err)
		}
		r.groups = nil
	}
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	if r.input != nil {
		if err := r.input.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input: %w", err))
		}
		r.input = nil
	}
	return errors.Join(errs...)
}
