// Package verify checks sorted output independently of the sorter: adjacent
// line order, and that output and input hold the same multiset of lines.
package verify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"

	sorterrors "github.com/tamirms/groupsort/errors"
	"github.com/tamirms/groupsort/internal/line"
)

const readBufferSize = 64 << 10

// Digest is an order-independent fingerprint of a set of lines: the
// wrapping sum of every line's 128-bit xxh3 hash plus the line count. Two
// files with the same lines in any order have equal digests.
type Digest struct {
	Hi    uint64
	Lo    uint64
	Lines uint64
}

func (d *Digest) add(raw []byte) {
	h := xxh3.Hash128(raw)
	lo := d.Lo + h.Lo
	carry := uint64(0)
	if lo < d.Lo {
		carry = 1
	}
	d.Lo = lo
	d.Hi += h.Hi + carry
	d.Lines++
}

// String returns the digest as hex.
func (d Digest) String() string {
	return fmt.Sprintf("%016x%016x/%d", d.Hi, d.Lo, d.Lines)
}

// Report is the result of an order check.
type Report struct {
	Sorted bool
	Lines  uint64
	Bytes  uint64

	// FirstViolation is the 1-based number of the first line that sorts
	// before its predecessor, or 0 when the input is sorted.
	FirstViolation int64

	Digest Digest
}

// CheckOrder reads records from r and reports whether every adjacent pair
// is in order. Malformed records are returned as errors wrapping the
// groupsort error sentinels.
func CheckOrder(r io.Reader) (Report, error) {
	rep := Report{Sorted: true}
	br := bufio.NewReaderSize(r, readBufferSize)

	var prev [line.MaxLineLen]byte
	var prevIdx line.Index
	havePrev := false
	for {
		raw, err := readLine(br)
		if len(raw) > 0 {
			li, n, perr := line.Parse(raw)
			if perr == nil && n != len(raw) {
				perr = fmt.Errorf("%w: trailing bytes", sorterrors.ErrMalformedRecord)
			}
			if perr != nil {
				return rep, fmt.Errorf("line %d (offset %d): %w", rep.Lines+1, rep.Bytes, perr)
			}
			if havePrev && rep.Sorted && line.Compare(prev[:prevIdx.Len()], raw, prevIdx, li) > 0 {
				rep.Sorted = false
				rep.FirstViolation = int64(rep.Lines) + 1
			}
			copy(prev[:], raw)
			prevIdx, havePrev = li, true
			rep.Lines++
			rep.Bytes += uint64(len(raw))
			rep.Digest.add(raw)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rep, nil
			}
			return rep, err
		}
	}
}

// File runs CheckOrder on the file at path.
func File(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	return CheckOrder(f)
}

// Fingerprint returns the multiset digest of the lines in r. Lines are split
// on '\n' and hashed with their terminator; no grammar check is applied.
func Fingerprint(r io.Reader) (Digest, error) {
	var d Digest
	br := bufio.NewReaderSize(r, readBufferSize)
	for {
		raw, err := readLine(br)
		if len(raw) > 0 {
			d.add(raw)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return d, nil
			}
			return d, err
		}
	}
}

// SamePermutation reports whether the files at inputPath and outputPath
// hold the same lines, ignoring order.
func SamePermutation(inputPath, outputPath string) (bool, error) {
	in, err := fileDigest(inputPath)
	if err != nil {
		return false, err
	}
	out, err := fileDigest(outputPath)
	if err != nil {
		return false, err
	}
	return in == out, nil
}

func fileDigest(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return Fingerprint(f)
}

// readLine returns the next line including its '\n'. The slice is only
// valid until the next read.
func readLine(br *bufio.Reader) ([]byte, error) {
	raw, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("%w: line longer than %d bytes", sorterrors.ErrRecordTooLong, readBufferSize)
	}
	return raw, err
}
