//go:build !linux

package sched

// FreeMemory returns 0: free memory is only detected on Linux.
func FreeMemory() int64 { return 0 }
