//go:build linux

package sched

import "golang.org/x/sys/unix"

// FreeMemory returns the free plus buffer memory of the host in bytes, or 0
// if it cannot be determined.
func FreeMemory() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return int64((uint64(info.Freeram) + uint64(info.Bufferram)) * unit)
}
