package kernel

import (
	"fmt"
	"sync"

	"sv39kernel/defs"
	"sv39kernel/fd"
	"sv39kernel/fdops"
)

// ConsoleMajor is the devsw major number the console is registered under.
const ConsoleMajor = 1

// console_t is an unbuffered stdout sink: writes pass straight through,
// reads report EOF since nothing feeds stdin into this core. A real console
// driver would also service an input queue off the UART interrupt; that
// belongs to the board-specific layer above this one.
type console_t struct {
	mu sync.Mutex
}

func (c *console_t) Read(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	return 0, 0
}

func (c *console_t) Write(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return n, err
	}
	fmt.Print(string(buf[:n]))
	return n, 0
}

func (c *console_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & fdops.R_WRITE, 0
}

// registerConsole installs the console device at ConsoleMajor. Called once
// from New; a second Kernel in the same process re-registers the same
// major, which is harmless since both point at the same stdout.
func registerConsole() {
	fd.RegisterDevice(ConsoleMajor, &console_t{})
}
