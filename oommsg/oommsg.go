// Package oommsg provides a low-traffic notification channel fired when a
// physical-frame allocation fails, adapted from the teacher's OomCh/
// Oommsg_t. This core has no reclaim daemon (swap is a non-goal), so there
// is no consumer that resumes allocation; the channel exists purely as a
// diagnostic hook cmd/kstat and tests can drain to observe exhaustion
// without polling Phys.Nfree().
package oommsg

/// Oommsg_t is sent on OomCh when a frame allocation fails.
type Oommsg_t struct {
	Need int
}

/// OomCh receives one Oommsg_t per failed allocation. It is buffered so
/// that Notify never blocks the allocator on an absent listener.
var OomCh = make(chan Oommsg_t, 64)

/// Notify reports a failed allocation of need frames, dropping the
/// message if the channel is full rather than blocking the allocator.
func Notify(need int) {
	select {
	case OomCh <- Oommsg_t{Need: need}:
	default:
	}
}
