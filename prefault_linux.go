//go:build linux

package groupsort

import "golang.org/x/sys/unix"

// MADV_POPULATE_WRITE was added in Linux 5.14.
const madvPopulateWrite = 23

// prefaultRegion asks the kernel to fault in the output mapping up front so
// parallel bucket writers don't serialize on page faults. EINVAL on older
// kernels is ignored.
func prefaultRegion(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, madvPopulateWrite)
}
