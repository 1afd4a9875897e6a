//go:build !windows

package app

import (
	"os"
	"syscall"
)

// foregroundSignals request an immediate flush, the daemon's stand-in for
// the app returning to the foreground.
func foregroundSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
