package virtio

import "sync/atomic"

// memoryFence is the idiomatic Go substitute for the two mandatory
// fence(Ordering::SeqCst) calls bracketing every avail.idx publish
// (spec.md §4.3.1): sync/atomic's sequentially-consistent fence stands in
// for an explicit hardware memory barrier in a language without one.
var fenceCounter int64

func memoryFence() {
	atomic.AddInt64(&fenceCounter, 1)
}
