// Command libmprof builds the timestamp primitive as a C shared library:
//
//	go build -buildmode=c-shared -o libmprof.so ./cmd/libmprof
//
// Callers pass a buffer they own, its length and a byte offset.
package main

/*
#include <errno.h>
*/
import "C"

import (
	"unsafe"
)

// mprof_get_monotonic_time writes the current monotonic time at
// buf[index:index+8] as a little-endian uint64. It returns 0 on success,
// -ERANGE when the 8 bytes do not fit in length and -EINVAL for a NULL
// buffer. The buffer is left untouched on failure.
//
//export mprof_get_monotonic_time
func mprof_get_monotonic_time(buf *C.uchar, length C.long, index C.long) C.int {
	switch stampRegion(unsafe.Pointer(buf), int(length), int(index)) {
	case errNull:
		return -C.EINVAL
	case errRange:
		return -C.ERANGE
	}
	return 0
}

func main() {}
