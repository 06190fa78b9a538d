//go:build linux

package groupsort

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves disk blocks for the group and output files so a
// full disk fails here instead of as SIGBUS on a mapped write.
func fallocateFile(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, 0, size)
	if err != nil {
		// Fallback to ftruncate if fallocate fails (e.g., NFS, tmpfs without support)
		return unix.Ftruncate(int(file.Fd()), size)
	}
	// Fallocate allocates blocks but doesn't set file size - must also truncate
	return unix.Ftruncate(int(file.Fd()), size)
}
