//go:build darwin

package groupsort

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves disk blocks for the group and output files.
// On macOS, uses fcntl F_PREALLOCATE.
func fallocateFile(file *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}

	if err := unix.FcntlFstore(file.Fd(), unix.F_PREALLOCATE, &fst); err != nil {
		return unix.Ftruncate(int(file.Fd()), size)
	}

	// F_PREALLOCATE only reserves space, doesn't set size
	return unix.Ftruncate(int(file.Fd()), size)
}
