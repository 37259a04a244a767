// Package presence counts the viewers connected to a presentation.
//
// Each session joins the presentation's membership channel under a random
// key and announces its role. The count is a live gauge: it is never
// persisted and a channel that fails to confirm leaves it at its last value.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/slidecast/internal/backoff"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/realtime"
)

// Role is the membership type announced on join.
type Role string

const (
	RoleViewer    Role = "viewer"
	RolePresenter Role = "presenter"
)

// ParseRole maps a config string to a Role, defaulting to viewer.
func ParseRole(s string) Role {
	if Role(s) == RolePresenter {
		return RolePresenter
	}
	return RoleViewer
}

// CountViewers returns the number of distinct keys with at least one
// non-presenter entry.
func CountViewers(state realtime.PresenceState) int {
	n := 0
	for _, metas := range state {
		for _, meta := range metas {
			if role, _ := meta["type"].(string); role != string(RolePresenter) {
				n++
				break
			}
		}
	}
	return n
}

// Tracker maintains the viewer count of one presentation.
type Tracker struct {
	presentationID string
	client         realtime.Client
	role           Role
	key            string
	rejoin         backoff.Policy
	logger         *slog.Logger
	metrics        *observability.Metrics

	changes *platform.Broadcaster[int]

	mu      sync.Mutex
	count   int
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = metrics }
}

// WithRejoinPolicy sets the delay between rejoins after the channel fails.
func WithRejoinPolicy(policy backoff.Policy) Option {
	return func(t *Tracker) { t.rejoin = policy }
}

// NewTracker creates a tracker announcing role under a fresh random key.
func NewTracker(presentationID string, client realtime.Client, role Role, opts ...Option) *Tracker {
	t := &Tracker{
		presentationID: presentationID,
		client:         client,
		role:           role,
		key:            uuid.NewString(),
		rejoin:         backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2},
		logger:         slog.Default(),
		changes:        platform.NewBroadcaster[int](),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "presence", "presentation_id", presentationID)
	return t
}

// Key is this session's membership key.
func (t *Tracker) Key() string { return t.key }

// Count returns the last observed viewer count.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Changes subscribes to viewer count changes.
func (t *Tracker) Changes() (<-chan int, func()) {
	return t.changes.Subscribe()
}

// Start joins the membership channel in the background. Join failures are
// logged and retried, never returned.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

// Close leaves the channel and waits for the tracker to stop.
func (t *Tracker) Close() error {
	t.mu.Lock()
	started := t.started
	t.started = true
	cancel := t.cancel
	t.mu.Unlock()

	if !started {
		t.changes.Close()
		close(t.done)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-t.done
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	defer t.changes.Close()

	meta := map[string]any{"type": string(t.role)}
	topic := realtime.PresenceTopic(t.presentationID)
	failures := 0
	for {
		if t.session(ctx, topic, meta) {
			failures = 0
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		delay := t.rejoin.Delay(failures)
		t.logger.Debug("presence channel lost, rejoining", "attempt", failures, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session joins once and folds syncs until the channel fails. It reports
// whether the join was confirmed.
func (t *Tracker) session(ctx context.Context, topic string, meta map[string]any) bool {
	sub, err := t.client.JoinPresence(ctx, topic, t.key, meta)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("presence join failed", "error", err)
		}
		return false
	}
	defer func() {
		if err := sub.Close(); err != nil {
			t.logger.Debug("leaving presence channel", "error", err)
		}
	}()

	confirmed := false
	for {
		select {
		case <-ctx.Done():
			return confirmed
		case status := <-sub.Statuses():
			switch {
			case status == realtime.StatusSubscribed:
				confirmed = true
			case status.IsFailure():
				t.logger.Warn("presence channel failed", "status", status)
				return confirmed
			}
		case state := <-sub.Syncs():
			t.setCount(CountViewers(state))
		}
	}
}

func (t *Tracker) setCount(n int) {
	t.mu.Lock()
	changed := t.count != n
	t.count = n
	t.mu.Unlock()
	if !changed {
		return
	}
	t.metrics.SetViewers(t.presentationID, n)
	t.changes.Publish(n)
}
