package groupsort

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// groupFile is the intermediate storage for grouped lines: a temp file the
// size of the input, pre-allocated and mmap'd. Grouper engines reserve
// regions with an atomic cursor and copy bucket-ordered batches into them;
// the group sorters later read those regions back by range.
//
// The layout is process-private: raw record bytes, with ranges tracked only
// in the GroupsSummary.
type groupFile struct {
	tempFile *os.File
	tempData []byte
	tempPath string
	size     int64
	next     atomic.Int64
}

// newGroupFile creates a group file of exactly size bytes in tempDir.
func newGroupFile(tempDir string, size int64) (*groupFile, error) {
	if size <= 0 || size > math.MaxInt {
		return nil, fmt.Errorf("group file size %d out of range", size)
	}
	g := &groupFile{size: size}

	if err := g.createTempFile(tempDir); err != nil {
		return nil, fmt.Errorf("create group file: %w", err)
	}

	// Pre-allocate disk blocks (prevents SIGBUS on disk full)
	if err := fallocateFile(g.tempFile, size); err != nil {
		primaryErr := fmt.Errorf("pre-allocate group file: %w", err)
		return nil, errors.Join(primaryErr, g.cleanup())
	}

	data, err := unix.Mmap(int(g.tempFile.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		primaryErr := fmt.Errorf("mmap group file: %w", err)
		return nil, errors.Join(primaryErr, g.cleanup())
	}
	g.tempData = data

	// Engines append whole batches at scattered offsets while grouping.
	_ = unix.Madvise(g.tempData, unix.MADV_RANDOM)

	return g, nil
}

// createTempFile tries O_TMPFILE on Linux for auto-cleanup, falls back to a
// regular temp file.
func (g *groupFile) createTempFile(tempDir string) error {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	f, err := openTmpFile(tempDir)
	if err == nil {
		g.tempFile = f
		g.tempPath = "" // Anonymous file - no path to remove
		return nil
	}

	f, err = os.CreateTemp(tempDir, "groupsort-*.groups")
	if err != nil {
		return err
	}
	g.tempFile = f
	g.tempPath = f.Name()
	return nil
}

// openTmpFile attempts to create an O_TMPFILE anonymous temp file.
// Returns an error if O_TMPFILE is not supported.
func openTmpFile(dir string) (*os.File, error) {
	const oTmpFile = 0o20000000 //nolint:revive // Linux O_TMPFILE flag

	fd, err := unix.Open(dir, unix.O_RDWR|oTmpFile, 0600)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), ""), nil
}

// reserve claims n bytes and returns their offset. Safe for concurrent use.
func (g *groupFile) reserve(n int) (int64, error) {
	end := g.next.Add(int64(n))
	if end > g.size {
		return 0, fmt.Errorf("group file overflow: %d bytes reserved, capacity %d", end, g.size)
	}
	return end - int64(n), nil
}

// region returns the mapped bytes of a reserved range.
func (g *groupFile) region(offset, length uint64) []byte {
	return g.tempData[offset : offset+length]
}

// reserved returns how many bytes have been claimed so far.
func (g *groupFile) reserved() int64 {
	return g.next.Load()
}

// prepareForRead switches page hints for the sorting phase, which reads
// each bucket's ranges front to back.
func (g *groupFile) prepareForRead() {
	// NOTE: No msync needed - both phases access same mmap, data visible in page cache
	_ = unix.Madvise(g.tempData, unix.MADV_NORMAL)
}

// cleanup releases all temp file resources. Idempotent: nil-checks all
// fields before operating and nils them after cleanup.
func (g *groupFile) cleanup() error {
	var errs []error

	// Unmap first (required before close on some platforms)
	if g.tempData != nil {
		if err := unix.Munmap(g.tempData); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		g.tempData = nil
	}

	// Close file (O_TMPFILE auto-deletes here)
	if g.tempFile != nil {
		if err := g.tempFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close group file: %w", err))
		}
		g.tempFile = nil
	}

	// Remove only if using fallback (O_TMPFILE auto-deleted on close)
	if g.tempPath != "" {
		if err := os.Remove(g.tempPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove group file: %w", err))
		}
		g.tempPath = ""
	}

	return errors.Join(errs...)
}
