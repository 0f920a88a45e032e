//go:build darwin && cgo && !xen

package monotime

/*
#include <mach/clock.h>
#include <mach/mach.h>

// The service port is acquired and released on every call so that no
// handle is ever shared between threads.
static void system_clock_time(mach_timespec_t *ts)
{
	clock_serv_t cclock;

	host_get_clock_service(mach_host_self(), SYSTEM_CLOCK, &cclock);
	clock_get_time(cclock, ts);
	mach_port_deallocate(mach_task_self(), cclock);
}
*/
import "C"

// Variant names the clock source compiled into this binary.
const Variant = "mach"

func nanotime() uint64 {
	var ts C.mach_timespec_t
	C.system_clock_time(&ts)
	return uint64(ts.tv_sec)*1e9 + uint64(ts.tv_nsec)
}
