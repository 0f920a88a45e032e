//go:build !unix && !xen

package monotime

import _ "unsafe"

// Variant names the clock source compiled into this binary.
const Variant = "runtime"

//go:noescape
//go:linkname runtimeNano runtime.nanotime
func runtimeNano() int64

func nanotime() uint64 {
	return uint64(runtimeNano())
}
