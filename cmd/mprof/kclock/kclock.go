// Package kclock compares the userspace monotonic clock with the clock the
// kernel uses for eBPF timestamps, so traces mixing both sources can be
// checked for alignment. It only reports; nothing is corrected.
package kclock

import "errors"

// ErrUnsupported is returned on platforms without eBPF.
var ErrUnsupported = errors.New("kclock: kernel clock probe not supported on this platform")

// Reading is one bracketed sample of both clocks.
type Reading struct {
	// Before and After bracket the kernel read, taken with monotime.Now.
	Before uint64
	After  uint64
	// Kernel is bpf_ktime_get_ns() as seen by the probe program.
	Kernel uint64
}

// Skew returns the kernel clock minus the midpoint of the bracket.
func (r Reading) Skew() int64 {
	mid := r.Before + (r.After-r.Before)/2
	return int64(r.Kernel - mid)
}

// Uncertainty returns the width of the bracket in nanoseconds.
func (r Reading) Uncertainty() uint64 {
	return r.After - r.Before
}
