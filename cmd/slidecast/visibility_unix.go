//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/slidecast/internal/platform"
)

// forwardVisibility maps SIGUSR1 to hidden and SIGUSR2 or SIGCONT to
// visible. The returned func stops forwarding.
func forwardVisibility(signals *platform.Signals) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				if sig == syscall.SIGUSR1 {
					signals.SetVisibility(platform.Hidden)
				} else {
					signals.SetVisibility(platform.Visible)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
