package groupsort

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	sorterrors "github.com/tamirms/groupsort/errors"
	"github.com/tamirms/groupsort/internal/line"
)

const (
	// DefaultBufferSize is the size of every pooled buffer.
	DefaultBufferSize = 1 << 20

	// MinBufferSize keeps room for the longest record plus the sentinel byte
	// in one grouping window.
	MinBufferSize = 4 << 10

	// DefaultMaxMemoryForLines is the default budget for line data.
	DefaultMaxMemoryForLines = 1 << 30
)

// SortingSegment selects the width of the packed comparison keys used inside
// a group. One width is used for the whole run.
type SortingSegment uint8

const (
	SegmentUint64 SortingSegment = iota // 8 key bytes per comparison
	SegmentUint32                       // 4 key bytes per comparison
	SegmentByte                         // 1 key byte per comparison
)

// String returns the configuration name of the segment width.
func (s SortingSegment) String() string {
	switch s {
	case SegmentByte:
		return "byte"
	case SegmentUint32:
		return "uint32"
	case SegmentUint64:
		return "uint64"
	default:
		return fmt.Sprintf("SortingSegment(%d)", uint8(s))
	}
}

// ParseSortingSegment parses "byte", "uint32" or "uint64".
func ParseSortingSegment(name string) (SortingSegment, error) {
	switch name {
	case "byte", "uint8":
		return SegmentByte, nil
	case "uint32":
		return SegmentUint32, nil
	case "uint64", "":
		return SegmentUint64, nil
	}
	return 0, fmt.Errorf("%w: unknown sorting segment %q", sorterrors.ErrInvalidConfig, name)
}

// SortOption is a functional option for configuring a sort.
type SortOption func(*sortConfig)

type sortConfig struct {
	bufferSize        int
	maxMemoryForLines int64
	maxRunningTasks   int
	grouperEngines    int
	segment           SortingSegment
	tempDir           string // directory for the group file; os.TempDir() if empty
	logger            zerolog.Logger
	registerer        prometheus.Registerer
}

func defaultSortConfig() *sortConfig {
	return &sortConfig{
		bufferSize:        DefaultBufferSize,
		maxMemoryForLines: DefaultMaxMemoryForLines,
		maxRunningTasks:   runtime.NumCPU(),
		grouperEngines:    runtime.NumCPU(),
		segment:           SegmentUint64,
		logger:            zerolog.Nop(),
	}
}

// WithBufferSize sets the size in bytes of every pooled buffer.
func WithBufferSize(n int) SortOption {
	return func(c *sortConfig) {
		c.bufferSize = n
	}
}

// WithMaxMemoryForLines sets the ceiling on bytes held in memory for line
// data. Pool capacity is MaxMemoryForLines / BufferSize buffers, and the
// largest group must fit into it.
func WithMaxMemoryForLines(n int64) SortOption {
	return func(c *sortConfig) {
		c.maxMemoryForLines = n
	}
}

// WithMaxRunningTasks sets how many groups are sorted in parallel.
func WithMaxRunningTasks(n int) SortOption {
	return func(c *sortConfig) {
		c.maxRunningTasks = n
	}
}

// WithGrouperEngines sets how many input shards are grouped in parallel.
func WithGrouperEngines(n int) SortOption {
	return func(c *sortConfig) {
		c.grouperEngines = n
	}
}

// WithSortingSegment sets the packed comparison key width.
func WithSortingSegment(s SortingSegment) SortOption {
	return func(c *sortConfig) {
		c.segment = s
	}
}

// TempDir sets the directory for the intermediate group file.
// The directory must be on a local filesystem with room for a copy of the
// input.
func TempDir(dir string) SortOption {
	return func(c *sortConfig) {
		c.tempDir = dir
	}
}

// WithLogger sets the logger for phase and group events.
func WithLogger(l zerolog.Logger) SortOption {
	return func(c *sortConfig) {
		c.logger = l
	}
}

// WithRegisterer registers run metrics with r.
func WithRegisterer(r prometheus.Registerer) SortOption {
	return func(c *sortConfig) {
		c.registerer = r
	}
}

// poolCapacity returns how many buffers the memory budget allows.
func (c *sortConfig) poolCapacity() int {
	return int(c.maxMemoryForLines / int64(c.bufferSize))
}

// validate checks option combinations and clamps the grouper engine count so
// every engine can hold its windows plus at least one staging row.
func (c *sortConfig) validate() error {
	if c.bufferSize < MinBufferSize {
		return fmt.Errorf("%w: buffer size %d is below minimum %d",
			sorterrors.ErrInvalidConfig, c.bufferSize, MinBufferSize)
	}
	if c.bufferSize < 2*line.MaxLineLen {
		return fmt.Errorf("%w: buffer size %d cannot hold a record", sorterrors.ErrInvalidConfig, c.bufferSize)
	}
	if c.maxMemoryForLines <= 0 {
		return fmt.Errorf("%w: max memory for lines %d", sorterrors.ErrInvalidConfig, c.maxMemoryForLines)
	}
	if c.poolCapacity() < buffersPerEngineMin {
		return fmt.Errorf("%w: max memory for lines %d holds %d buffers of %d bytes, need at least %d",
			sorterrors.ErrInvalidConfig, c.maxMemoryForLines, c.poolCapacity(), c.bufferSize, buffersPerEngineMin)
	}
	switch c.segment {
	case SegmentByte, SegmentUint32, SegmentUint64:
	default:
		return fmt.Errorf("%w: %s", sorterrors.ErrInvalidConfig, c.segment)
	}
	if c.maxRunningTasks <= 0 {
		c.maxRunningTasks = 1
	}
	if c.grouperEngines <= 0 {
		c.grouperEngines = 1
	}
	if limit := c.poolCapacity() / buffersPerEngineMin; c.grouperEngines > limit {
		c.grouperEngines = limit
	}
	return nil
}
