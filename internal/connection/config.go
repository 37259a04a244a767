// Package connection keeps one presentation's live position in sync,
// preferring the realtime push channel and falling back to polling.
package connection

import (
	"time"

	"github.com/haasonsaas/slidecast/internal/backoff"
)

// Config holds the state machine timings.
type Config struct {
	// Watchdog bounds the wait for the first push confirmation before
	// falling back to polling.
	Watchdog time.Duration
	// PollInterval is the polling period.
	PollInterval time.Duration
	// Backoff computes reconnect delays.
	Backoff backoff.Policy
	// MaxReconnectAttempts is the number of failed reconnects tolerated
	// before push is abandoned.
	MaxReconnectAttempts int

	Schema string
	Table  string
}

// DefaultConfig returns a 5s watchdog, 1s polling, 500ms..2s backoff and
// three reconnect attempts.
func DefaultConfig() Config {
	return Config{
		Watchdog:             5 * time.Second,
		PollInterval:         time.Second,
		Backoff:              backoff.ReconnectPolicy(),
		MaxReconnectAttempts: 3,
		Schema:               "public",
		Table:                "presentations",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Watchdog <= 0 {
		c.Watchdog = def.Watchdog
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.Schema == "" {
		c.Schema = def.Schema
	}
	if c.Table == "" {
		c.Table = def.Table
	}
	return c
}
