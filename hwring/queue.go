// Package hwring abstracts the host-facing descriptor ring transport: a
// fixed-size ring of scatter-gather descriptor chains, an available-index
// and used-index pair, a notification doorbell, and interrupt masking.
// The rest of this driver treats it as a black box implementing Queue;
// this package supplies one concrete backing implementation.
package hwring

import "context"

// Fragment is one scatter-gather element: a byte slice and its transfer
// direction.
type Fragment struct {
	Buf []byte
	// Out is true for a guest-to-host (device-readable) fragment, false
	// for a host-to-guest (device-writable) fragment.
	Out bool
}

// Cookie identifies one published descriptor chain across the round trip
// from TryAddBuf to GetBufElem. The core keeps a registry (cookie.go in
// package vnet) mapping each Cookie it issues to its *TxReq, so the ring
// never has to know about driver-owned types.
type Cookie uint64

// Queue is the operation set the core consumes from the host-facing ring
// transport. Implementations need not be safe for concurrent use by more
// than one goroutine at a time per queue instance; callers serialize
// access to a given Queue (the TX engine does so via its RUNNING flag).
type Queue interface {
	// InitSG begins a new scatter-gather vector, discarding any fragments
	// staged since the last TryAddBuf.
	InitSG()
	// AddOut appends a guest-to-host (device-readable) fragment to the
	// current scatter-gather vector.
	AddOut(buf []byte)
	// AddIn appends a host-to-guest (device-writable) fragment to the
	// current scatter-gather vector.
	AddIn(buf []byte)
	// TryAddBuf publishes the current scatter-gather vector as one
	// descriptor chain tagged with cookie. It never blocks: it fails if
	// the available ring has no room for the chain's head descriptor.
	TryAddBuf(cookie Cookie) bool

	// GetBufElem dequeues one completed descriptor chain from the used
	// ring, if any, returning the cookie it was published with and the
	// number of bytes the host wrote into any device-writable fragments.
	GetBufElem() (cookie Cookie, outLen uint32, ok bool)
	// GetBufFinalize marks the last n descriptors returned by GetBufElem
	// as fully reclaimed, releasing their slots back to the available
	// ring. Called in batches so completions can be reclaimed
	// concurrently with the host producing more of them.
	GetBufFinalize(n int)

	// UsedRingNotEmpty reports whether at least one completed chain is
	// waiting to be dequeued.
	UsedRingNotEmpty() bool
	// AvailRingHasRoom reports whether n more descriptor chains could be
	// published without blocking.
	AvailRingHasRoom(n int) bool
	// RefillNeeded reports whether the device-writable side of the ring
	// (receive buffers) has dropped low enough to warrant posting more.
	RefillNeeded() bool

	// Kick rings the doorbell, notifying the host of newly available
	// descriptors. Returns true iff the host's own notification-suppression
	// flag indicates it actually needed the doorbell, for statistics.
	Kick() bool
	// DisableInterrupts masks the used-ring interrupt, used while a
	// dispatcher is actively polling and does not want to be re-entered.
	DisableInterrupts()
	// WaitForUsed blocks until the used ring becomes non-empty or ctx is
	// done, whichever comes first.
	WaitForUsed(ctx context.Context) error

	// Size returns the ring's fixed descriptor capacity.
	Size() int
	// SetIndirect opts into indirect descriptors, letting one published
	// chain reference an out-of-line descriptor table instead of consuming
	// one ring slot per fragment. A no-op for implementations that always
	// use indirect descriptors or never do.
	SetIndirect(bool)
}
