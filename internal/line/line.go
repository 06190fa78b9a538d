// Package line defines the record grammar shared by the grouper, the group
// sorter and the verifier.
//
// A record is `<digits>.<letters><terminator>` where digits is 1..255 bytes of
// 0-9, letters is 0..255 bytes of A-Z/a-z and the terminator is "\n" or
// "\r\n". Records order by letters (byte-wise, shorter prefix first), then by
// the number of digits, then by the digit bytes.
package line

import (
	"bytes"
	"cmp"
	"fmt"

	sorterrors "github.com/tamirms/groupsort/errors"
)

const (
	// MaxFieldLen is the largest digits or letters field a record may carry.
	MaxFieldLen = 255

	// MaxLineLen is the longest possible record including "\r\n".
	MaxLineLen = MaxFieldLen + 1 + MaxFieldLen + 2

	// NumBuckets is the number of distinct bucket ids (2-byte letters prefix).
	NumBuckets = 1 << 16

	// MinSentinel stands in for a letters byte that does not exist.
	// It is below every letter, so short fields sort first.
	MinSentinel = 0

	// DefaultSortingOffset is where packed comparison starts within the
	// letters field. The first two bytes are implied by the bucket id.
	DefaultSortingOffset = 2

	// keyTerminator separates letters from digits inside a sort key.
	keyTerminator = 0
)

const (
	flagSortByDigits uint8 = 1 << iota
	flagCRLF
)

// Index is the per-line metadata used while a group is sorted. It points into
// the group's row matrix and never owns line bytes.
//
// The sort key of a line is letters[SortingOffset:] 0x00 DigitsCount digits.
// For lines of one bucket, byte-wise order on keys equals record order, and
// no key is a proper prefix of another.
type Index struct {
	Start         uint64 // offset of the digits field in the row matrix
	DigitsCount   uint8
	LettersCount  uint8
	SortingOffset uint8
	flags         uint8
}

// SortByDigits reports whether the line has an empty letters field, leaving
// only the numeric comparison.
func (li Index) SortByDigits() bool { return li.flags&flagSortByDigits != 0 }

// CRLF reports whether the line ends with "\r\n".
func (li Index) CRLF() bool { return li.flags&flagCRLF != 0 }

// Len returns the raw length of the line including its terminator.
func (li Index) Len() int {
	n := int(li.DigitsCount) + 1 + int(li.LettersCount) + 1
	if li.CRLF() {
		n++
	}
	return n
}

// KeyLen returns the length of the line's sort key.
func (li Index) KeyLen() int {
	return int(li.LettersCount) - int(li.SortingOffset) + 2 + int(li.DigitsCount)
}

// Digits returns the digits field of raw, which must start at the line start.
func (li Index) Digits(raw []byte) []byte {
	return raw[:li.DigitsCount]
}

// Letters returns the letters field of raw, which must start at the line start.
func (li Index) Letters(raw []byte) []byte {
	start := int(li.DigitsCount) + 1
	return raw[start : start+int(li.LettersCount)]
}

// BucketID maps the first two letters bytes to a 16-bit bucket id. A missing
// byte contributes MinSentinel, so BucketID is monotone with respect to the
// byte-wise order of letters fields.
func BucketID(letters []byte) uint16 {
	var b0, b1 byte = MinSentinel, MinSentinel
	if len(letters) > 0 {
		b0 = letters[0]
	}
	if len(letters) > 1 {
		b1 = letters[1]
	}
	return Bucket(b0, b1)
}

// Bucket combines two prefix bytes into a bucket id.
func Bucket(b0, b1 byte) uint16 {
	return uint16(b0)<<8 | uint16(b1)
}

// IsDigit reports whether c may appear in a digits field.
func IsDigit(c byte) bool { return c >= '0' && c <= '9' }

// IsLetter reports whether c may appear in a letters field.
func IsLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }

// Parse reads one record from the start of data and returns its index
// (with Start = 0) and raw length.
func Parse(data []byte) (Index, int, error) {
	var li Index
	i := 0
	for i < len(data) && IsDigit(data[i]) {
		i++
	}
	if i == 0 {
		return li, 0, fmt.Errorf("%w: record must start with a digit", sorterrors.ErrMalformedRecord)
	}
	if i > MaxFieldLen {
		return li, 0, fmt.Errorf("%w: %d digits", sorterrors.ErrRecordTooLong, i)
	}
	if i == len(data) {
		return li, 0, sorterrors.ErrUnterminatedRecord
	}
	if data[i] != '.' {
		return li, 0, fmt.Errorf("%w: expected '.' after digits, got %q", sorterrors.ErrMalformedRecord, data[i])
	}
	li.DigitsCount = uint8(i)
	i++

	lettersStart := i
	for i < len(data) && IsLetter(data[i]) {
		i++
	}
	letters := i - lettersStart
	if letters > MaxFieldLen {
		return li, 0, fmt.Errorf("%w: %d letters", sorterrors.ErrRecordTooLong, letters)
	}
	if i == len(data) {
		return li, 0, sorterrors.ErrUnterminatedRecord
	}
	li.LettersCount = uint8(letters)

	switch data[i] {
	case '\n':
		i++
	case '\r':
		if i+1 == len(data) {
			return li, 0, sorterrors.ErrUnterminatedRecord
		}
		if data[i+1] != '\n' {
			return li, 0, fmt.Errorf("%w: bare '\\r' in record", sorterrors.ErrMalformedRecord)
		}
		li.flags |= flagCRLF
		i += 2
	default:
		return li, 0, fmt.Errorf("%w: unexpected byte %q in letters", sorterrors.ErrMalformedRecord, data[i])
	}

	li.SortingOffset = uint8(min(DefaultSortingOffset, letters))
	if letters == 0 {
		li.flags |= flagSortByDigits
	}
	return li, i, nil
}

// New builds an Index from counts discovered by a streaming tokenizer.
func New(start uint64, digits, letters int, crlf bool) Index {
	li := Index{
		Start:         start,
		DigitsCount:   uint8(digits),
		LettersCount:  uint8(letters),
		SortingOffset: uint8(min(DefaultSortingOffset, letters)),
	}
	if letters == 0 {
		li.flags |= flagSortByDigits
	}
	if crlf {
		li.flags |= flagCRLF
	}
	return li
}

// FillKey copies the sort key bytes [from, from+len(dst)) of the line into
// dst, zero padding past the end of the key. raw must start at the line start.
func FillKey(raw []byte, li Index, from int, dst []byte) {
	clear(dst)
	letters := li.Letters(raw)[li.SortingOffset:]
	n := 0
	if from < len(letters) {
		n = copy(dst, letters[from:])
		from = len(letters)
	}
	pos := from - len(letters) // position within the "0x00 count digits" tail
	for n < len(dst) {
		switch {
		case pos == 0:
			dst[n] = keyTerminator
		case pos == 1:
			dst[n] = li.DigitsCount
		default:
			d := pos - 2
			if d >= int(li.DigitsCount) {
				return
			}
			c := copy(dst[n:], li.Digits(raw)[d:])
			n += c
			pos += c
			continue
		}
		n++
		pos++
	}
}

// CompareDigits orders two digits fields numerically: shorter first, then
// byte-wise.
func CompareDigits(a, b []byte) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}

// CompareFrom compares two lines of the same bucket whose sort keys are known
// to be equal on their first `from` bytes. It compares the remaining letters
// byte by byte, then falls back to the digits.
func CompareFrom(a, b []byte, ia, ib Index, from int) int {
	if !ia.SortByDigits() || !ib.SortByDigits() {
		la := ia.Letters(a)[ia.SortingOffset:]
		lb := ib.Letters(b)[ib.SortingOffset:]
		if from <= len(la) && from <= len(lb) {
			la, lb = la[from:], lb[from:]
		} else {
			la, lb = nil, nil
		}
		if c := bytes.Compare(la, lb); c != 0 {
			return c
		}
	}
	return CompareDigits(ia.Digits(a), ib.Digits(b))
}

// Compare orders two raw lines by the full record order.
func Compare(a, b []byte, ia, ib Index) int {
	if c := bytes.Compare(ia.Letters(a), ib.Letters(b)); c != 0 {
		return c
	}
	return CompareDigits(ia.Digits(a), ib.Digits(b))
}
