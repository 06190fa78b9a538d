package groupsort

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tamirms/groupsort/internal/line"
)

// shard is a byte range of the input that starts at a line start and ends
// at a line start or EOF.
type shard struct {
	start int64
	end   int64
}

func (s shard) len() int64 { return s.end - s.start }

// splitShards cuts [0, size) into at most n shards of roughly equal size.
// Each cut is moved forward to the byte after the next '\n', so no record
// spans two shards. Empty shards are dropped; a malformed input may yield
// fewer shards than requested, the engines report the bad record itself.
func splitShards(r io.ReaderAt, size int64, n int) ([]shard, error) {
	if size <= 0 {
		return nil, nil
	}
	if n <= 0 {
		n = 1
	}

	shards := make([]shard, 0, n)
	var buf [line.MaxLineLen]byte
	start := int64(0)
	for i := 1; i < n && start < size; i++ {
		target := size * int64(i) / int64(n)
		if target <= start {
			continue
		}
		cut, err := nextLineStart(r, buf[:], target, size)
		if err != nil {
			return nil, err
		}
		if cut <= start || cut >= size {
			continue
		}
		shards = append(shards, shard{start: start, end: cut})
		start = cut
	}
	if start < size {
		shards = append(shards, shard{start: start, end: size})
	}
	return shards, nil
}

// nextLineStart returns the smallest line start >= target, or size if the
// rest of the input holds no '\n'.
func nextLineStart(r io.ReaderAt, buf []byte, target, size int64) (int64, error) {
	pos := target - 1
	for pos < size {
		n, err := r.ReadAt(buf[:min(int64(len(buf)), size-pos)], pos)
		if n > 0 {
			if j := bytes.IndexByte(buf[:n], '\n'); j >= 0 {
				return pos + int64(j) + 1, nil
			}
			pos += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("read input at offset %d: %w", pos, err)
		}
	}
	return size, nil
}
