package vm

import (
	"runtime"
	"unsafe"

	"sv39kernel/addr"
	"sv39kernel/mem"
)

// unsafePtr gives a rawTable a typed view over its backing page's bytes.
func unsafePtr(b *mem.Bytepg) unsafe.Pointer {
	return unsafe.Pointer(b)
}

// armFinalizer installs the panic-on-drop tombstone described in the
// spec's design notes on affine resources: a PageTable that is garbage
// collected while still live indicates a caller forgot to call Free.
func armFinalizer[A addr.Kind](pt *PageTable[A]) {
	runtime.SetFinalizer(pt, func(pt *PageTable[A]) {
		if pt.live {
			panic("PageTable dropped without Free")
		}
	})
}

func disarmFinalizer[A addr.Kind](pt *PageTable[A]) {
	runtime.SetFinalizer(pt, nil)
}
