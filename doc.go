// Package groupsort sorts files of `<digits>.<letters>` records that are far
// larger than memory, using a bounded line budget and every available core.
//
// Records order by letters (byte-wise, shorter prefix first), then by the
// number of digits, then by the digits themselves. The output holds exactly
// the input lines, each with its original terminator.
//
// # Basic Usage
//
//	stats, err := groupsort.Sort(ctx, "input.txt", "sorted.txt",
//	    groupsort.WithMaxMemoryForLines(4<<30),
//	    groupsort.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("sorted %d lines in %d buckets\n", stats.Lines, stats.Buckets)
//
// # How it works
//
// A run has two phases separated by a drain barrier.
//
// Grouping: the input is split into shards at line starts. One engine per
// shard scans its bytes with a state machine, assigns every line a bucket id
// from the first two letters, and copies lines into a temporary group file
// in bucket order. Bucket ids preserve letter order, so sorting each bucket
// independently and concatenating buckets by id yields a sorted file.
//
// Sorting: each non-empty bucket is loaded into pooled buffers, indexed, and
// ordered by packed fixed-width key segments with a byte-wise fallback for
// ties. It is written straight to its precomputed offset in the output, so
// buckets finish in any order.
//
// All line data lives in buffers from one pool capped at MaxMemoryForLines.
// A bucket larger than the budget fails the run with ErrGroupTooLarge.
//
// # Package Structure
//
//   - Public API: sort.go (Sort, Stats), options.go (SortOption, With* functions)
//   - Grouping: grouper.go (state machine engine), shard.go, groupfile.go, summary.go
//   - Sorting: group_sorter.go (segments, multi-pass refinement), output_writer.go
//   - Record grammar: internal/line/; segment packing: internal/bits/
//   - Resources: internal/bufpool/ (line budget), internal/scheduler/ (workers, barrier)
//   - Verification: verify/ (order and permutation checks)
//   - Platform: fallocate_*.go, fadvise_*.go, prefault_*.go (OS-specific optimizations)
//   - Tools: cmd/linesort/ (CLI, configured by internal/config/), cmd/bench/
package groupsort
