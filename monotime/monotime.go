// Package monotime reads the platform's monotonic clock as a nanosecond
// counter with an unspecified epoch.
//
// Exactly one clock source is compiled into a binary, chosen by build
// constraints:
//
//   - posix: clock_gettime(CLOCK_MONOTONIC) on Linux, the BSDs and Solaris,
//     and on Darwin when cgo is disabled
//   - mach: the Mach SYSTEM_CLOCK service on Darwin with cgo
//   - xen: the Mini-OS monotonic_clock() call, selected with the xen tag
//   - runtime: the Go runtime clock everywhere else
//
// The value has no meaning outside the running process (or boot, for the
// kernel clocks) and cannot be converted back into a time.Time.
package monotime

// Now returns the current monotonic time in nanoseconds. Two successive
// calls on the same goroutine never go backwards.
func Now() uint64 {
	return nanotime()
}
