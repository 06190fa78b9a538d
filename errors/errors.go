// Package errors defines all exported error sentinels for the groupsort library.
//
// This is the single source of truth for error values. Both the top-level
// groupsort package and the internal packages import from here, ensuring
// errors.Is checks work across package boundaries.
package errors

import "errors"

// Input errors
var (
	ErrMalformedRecord    = errors.New("groupsort: malformed record")
	ErrRecordTooLong      = errors.New("groupsort: record field exceeds 255 bytes")
	ErrUnterminatedRecord = errors.New("groupsort: record is missing its line terminator")
)

// Resource errors
var (
	ErrGroupTooLarge = errors.New("groupsort: group does not fit the memory budget")
	ErrPoolClosed    = errors.New("groupsort: buffer pool is closed")
)

// Configuration errors
var (
	ErrInvalidConfig = errors.New("groupsort: invalid configuration")
)

// Run errors
var (
	ErrOutputMismatch  = errors.New("groupsort: output size does not match input size")
	ErrSchedulerClosed = errors.New("groupsort: scheduler is closed")
)
