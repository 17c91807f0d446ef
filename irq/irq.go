// Package irq allocates PLIC interrupt-source identifiers for devices
// wired into the platform's interrupt controller, adapted from a
// fixed-pool MSI-vector allocator to the small fixed set of PLIC sources
// a virtio-mmio transport and console UART occupy on this platform.
package irq

import "sync"

// Vec_t identifies one PLIC interrupt source.
type Vec_t uint

// vecs tracks the platform's fixed PLIC source assignments: 1 is
// conventionally the first virtio-mmio slot on a standard RISC-V virt
// machine layout, 10 the UART.
type vecpool_t struct {
	sync.Mutex
	avail map[Vec_t]bool
}

var vecs = vecpool_t{
	avail: map[Vec_t]bool{1: true, 2: true, 3: true, 4: true, 5: true,
		6: true, 7: true, 8: true, 10: true},
}

/// Alloc reserves and returns an available PLIC source id.
func Alloc() Vec_t {
	vecs.Lock()
	defer vecs.Unlock()

	for i := range vecs.avail {
		delete(vecs.avail, i)
		return i
	}
	panic("no more irq vecs")
}

/// Free releases a previously allocated PLIC source id.
func Free(vector Vec_t) {
	vecs.Lock()
	defer vecs.Unlock()

	if vecs.avail[vector] {
		panic("double free")
	}
	vecs.avail[vector] = true
}
