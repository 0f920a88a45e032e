package main

import (
	"unsafe"

	"go.sazak.io/mprof/stamp"
)

const (
	ok = iota
	errNull
	errRange
)

// stampRegion views the first length bytes at p as a Go slice and stamps
// it. Only the declared length is trusted.
func stampRegion(p unsafe.Pointer, length, index int) int {
	if length < 0 {
		return errRange
	}
	if p == nil {
		if length == 0 {
			return errRange
		}
		return errNull
	}

	buf := unsafe.Slice((*byte)(p), length)
	// Bounds violations are the only error stamp reports.
	if err := stamp.WriteMonotonicTimestamp(buf, length, index); err != nil {
		return errRange
	}
	return ok
}
