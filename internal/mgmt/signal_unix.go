//go:build linux

package mgmt

import (
	"os"
	"os/signal"
	"syscall"
)

var signalAlarm os.Signal = syscall.SIGALRM

func init() {
	// A no-op SIGALRM handler, so that a SIGALRM delivered to the process
	// does not terminate it. Nothing in this package raises the signal: the
	// reader's read is bounded by a read deadline, and Close unblocks it by
	// closing the control socket.
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGALRM)
	go func() {
		for range c {
		}
	}()
}
