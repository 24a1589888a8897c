// Package sched provides the thread wake/sleep, preemption-disable, and
// current-CPU-id primitives the rest of this driver builds on. None of
// these have a faithful userspace equivalent in Go, so this package
// picks the closest available primitive for each.
package sched

import (
	"runtime"
	"sync"
)

// PreemptGuard brackets a short critical section during which the
// calling goroutine must not be rescheduled onto a different OS thread,
// e.g. while picking a per-CPU ring by current CPU id. Go has no true
// preemption-disable primitive; locking the goroutine to its OS thread
// is the closest available approximation. It keeps the goroutine on one
// OS thread, but the kernel may still move that thread to another CPU,
// so CurrentCPU() can change while the guard is held.
type PreemptGuard struct{}

// Disable locks the calling goroutine to its current OS thread and
// returns a guard whose Enable method must be called to release it.
func Disable() PreemptGuard {
	runtime.LockOSThread()
	return PreemptGuard{}
}

// Enable releases the OS thread lock taken by Disable.
func (PreemptGuard) Enable() {
	runtime.UnlockOSThread()
}

// Gate is a condition-variable-based wait/wake primitive standing in for
// the scheduler's wait_until/wake. Multiple goroutines may WaitUntil on
// the same Gate; Wake and WakeAll are safe to call from any goroutine,
// including one that holds no reference to a specific waiter.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewGate returns a ready-to-use Gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// WaitUntil blocks until predicate returns true, re-checking every time
// the gate is woken. predicate is evaluated with the gate's internal
// lock held, so it must not block or call back into the Gate.
func (g *Gate) WaitUntil(predicate func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !predicate() {
		g.cond.Wait()
	}
}

// Wake wakes one waiter blocked in WaitUntil, if any.
func (g *Gate) Wake() {
	g.mu.Lock()
	g.cond.Signal()
	g.mu.Unlock()
}

// WakeAll wakes every waiter blocked in WaitUntil.
func (g *Gate) WakeAll() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}
