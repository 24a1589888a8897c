//go:build !linux

package sched

import (
	"runtime"
	"sync/atomic"
)

var rrCounter atomic.Uint64

// CurrentCPU is a portable fallback for platforms without SYS_GETCPU
// (see cpu_linux.go for the real implementation): it round-robins across
// GOMAXPROCS shards rather than reporting a true affinity. Good enough
// to exercise the per-CPU staging fan-out shape in tests on non-Linux
// hosts; production deployments target Linux.
func CurrentCPU() int {
	n := runtime.GOMAXPROCS(0)
	if n <= 0 {
		n = 1
	}
	return int(rrCounter.Add(1) % uint64(n))
}
