//go:build linux

package sched

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// CurrentCPU returns the id of the CPU the calling goroutine's OS thread
// is currently running on, read directly with the SYS_GETCPU syscall
// since x/sys/unix has no friendly wrapper for it. The answer can be
// stale by the time it is used: bracketing the call with Disable/Enable
// keeps the goroutine on one OS thread, but the kernel may still move
// that thread to another CPU.
func CurrentCPU() int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)),
		uintptr(unsafe.Pointer(&node)),
		0)
	if errno != 0 {
		return 0
	}
	return int(cpu)
}
