package groupsort

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	"github.com/tamirms/groupsort/internal/line"
)

// outputWriter writes sorted buckets into a pre-sized, memory-mapped output
// file. Every bucket owns the byte range [offsets[id], offsets[id+1]), so
// buckets can be written by any worker in any completion order while the
// file still comes out in ascending bucket id order.
type outputWriter struct {
	path string
	file *os.File
	mmap mmap.MMap // nil for an empty output
	data []byte

	offsets []uint64 // len line.NumBuckets+1, last element is the total size
	used    *roaring.Bitmap

	// digests[id] is xxhash of bucket id's sorted bytes. Each slot is
	// written by exactly one worker and read after the sorting barrier.
	digests []uint64
}

// newOutputWriter creates the output file at path, sized for every line in
// summary, and maps it for direct writes.
func newOutputWriter(path string, summary *GroupsSummary) (*outputWriter, error) {
	offsets := summary.OutputOffsets()
	size := offsets[line.NumBuckets]

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	ow := &outputWriter{
		path:    path,
		file:    file,
		offsets: offsets,
		used:    summary.Used,
		digests: make([]uint64, line.NumBuckets),
	}
	if size == 0 {
		return ow, nil
	}

	// Pre-allocate disk blocks to prevent SIGBUS on disk full
	if err := fallocateFile(file, int64(size)); err != nil {
		primaryErr := fmt.Errorf("allocate output file: %w", err)
		return nil, errors.Join(primaryErr, ow.abort())
	}

	mm, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		primaryErr := fmt.Errorf("mmap output file: %w", err)
		return nil, errors.Join(primaryErr, ow.abort())
	}
	ow.mmap = mm
	ow.data = []byte(mm)

	// On Linux 5.14+, uses MADV_POPULATE_WRITE. No-op on other platforms.
	prefaultRegion(ow.data)

	return ow, nil
}

// bucketRegion returns the slice of the output that belongs to bucket.
// Distinct buckets never overlap, so concurrent writers need no locking.
func (ow *outputWriter) bucketRegion(bucket uint16) []byte {
	return ow.data[ow.offsets[bucket]:ow.offsets[int(bucket)+1]]
}

// commitBucket records the digest of a fully written bucket region.
func (ow *outputWriter) commitBucket(bucket uint16) {
	ow.digests[bucket] = xxhash.Sum64(ow.bucketRegion(bucket))
}

// outputHash folds per-bucket digests in ascending bucket order, so the
// result is independent of the order in which buckets completed.
func (ow *outputWriter) outputHash() uint64 {
	h := xxhash.New()
	var buf [8]byte
	it := ow.used.Iterator()
	for it.HasNext() {
		binary.LittleEndian.PutUint64(buf[:], ow.digests[it.Next()])
		if _, err := h.Write(buf[:]); err != nil {
			panic("hash.Hash.Write returned unexpected error: " + err.Error())
		}
	}
	return h.Sum64()
}

// finalize flushes the mapping and closes the file. On error the partial
// output is removed.
func (ow *outputWriter) finalize() error {
	if ow.mmap != nil {
		if err := ow.mmap.Flush(); err != nil {
			primaryErr := fmt.Errorf("mmap flush failed: %w", err)
			return errors.Join(primaryErr, ow.abort())
		}

		// Nil mmap regardless of outcome to prevent abort() from retrying.
		unmapErr := ow.mmap.Unmap()
		ow.mmap = nil
		ow.data = nil
		if unmapErr != nil {
			primaryErr := fmt.Errorf("mmap unmap failed: %w", unmapErr)
			return errors.Join(primaryErr, ow.abort())
		}
	}

	closeErr := ow.file.Close()
	ow.file = nil
	if closeErr != nil {
		return errors.Join(fmt.Errorf("close output file: %w", closeErr), ow.abort())
	}
	ow.path = "" // committed; abort() must not remove it
	return nil
}

// abort releases the writer without finalizing and removes the output file.
// Idempotent: safe to call multiple times.
func (ow *outputWriter) abort() error {
	var unmapErr error
	if ow.mmap != nil {
		unmapErr = ow.mmap.Unmap()
		ow.mmap = nil
		ow.data = nil
	}
	var closeErr error
	if ow.file != nil {
		closeErr = ow.file.Close()
		ow.file = nil
	}
	var removeErr error
	if ow.path != "" {
		if err := os.Remove(ow.path); err != nil && !os.IsNotExist(err) {
			removeErr = err
		}
		ow.path = ""
	}
	return errors.Join(unmapErr, closeErr, removeErr)
}
