//go:build !linux

package groupsort

// prefaultRegion is a no-op on non-Linux platforms.
func prefaultRegion(data []byte) {}
