//go:build !linux

package groupsort

// fadviseSequential is a no-op on non-Linux platforms.
func fadviseSequential(fd int, offset, length int64) {}
