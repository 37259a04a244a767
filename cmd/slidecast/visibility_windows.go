//go:build windows

package main

import "github.com/haasonsaas/slidecast/internal/platform"

// forwardVisibility is a no-op: Windows has no user signals to map.
func forwardVisibility(*platform.Signals) func() {
	return func() {}
}
