//go:build xen

package monotime

/*
#include <stdint.h>

// Exported by Mini-OS; already in nanoseconds.
uint64_t monotonic_clock(void);
*/
import "C"

// Variant names the clock source compiled into this binary.
const Variant = "xen"

func nanotime() uint64 {
	return uint64(C.monotonic_clock())
}
