package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/slidecast/internal/platform"
)

const updateBufferSize = 16

// channel is one joined topic. It implements Subscription and
// PresenceSubscription.
type channel struct {
	socket  *Socket
	conn    *connection
	topic   string
	joinRef string
	track   map[string]any

	statuses chan Status
	updates  chan RowUpdate
	syncs    chan PresenceState

	mu        sync.Mutex
	joined    bool
	done      bool
	joinTimer *time.Timer
	presence  PresenceState
}

func newChannel(s *Socket, conn *connection, topic, joinRef string, track map[string]any) *channel {
	return &channel{
		socket:   s,
		conn:     conn,
		topic:    topic,
		joinRef:  joinRef,
		track:    track,
		statuses: make(chan Status, 2),
		updates:  make(chan RowUpdate, updateBufferSize),
		syncs:    make(chan PresenceState, 1),
		presence: make(PresenceState),
	}
}

func (c *channel) Statuses() <-chan Status { return c.statuses }

func (c *channel) Updates() <-chan RowUpdate { return c.updates }

func (c *channel) Syncs() <-chan PresenceState { return c.syncs }

// Close leaves the topic. No status is delivered afterwards.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	joined := c.joined
	c.stopTimerLocked()
	c.mu.Unlock()

	c.socket.remove(c)
	if joined {
		_ = c.socket.push(c.conn, message{Topic: c.topic, Event: eventLeave, Ref: c.socket.nextRef()}) //nolint:errcheck
	}
	return nil
}

func (c *channel) armJoinTimer(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.joinTimer = time.AfterFunc(timeout, func() {
		c.fail(StatusTimedOut)
	})
}

func (c *channel) subscribed() {
	c.mu.Lock()
	if c.done || c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.stopTimerLocked()
	c.statuses <- StatusSubscribed
	c.mu.Unlock()

	if c.track != nil {
		payload, err := json.Marshal(c.track)
		if err != nil {
			return
		}
		if err := c.socket.push(c.conn, message{Topic: c.topic, Event: eventPresence, Payload: payload, Ref: c.socket.nextRef()}); err != nil {
			c.socket.logger.Warn("presence track failed", "topic", c.topic, "error", err)
		}
	}
}

// fail delivers a terminal status once and detaches the channel.
func (c *channel) fail(status Status) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.stopTimerLocked()
	c.statuses <- status
	c.mu.Unlock()

	c.socket.remove(c)
}

func (c *channel) stopTimerLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

func (c *channel) deliverUpdate(update RowUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	select {
	case c.updates <- update:
		return
	default:
	}
	// Rows carry full state, so the oldest pending update is redundant.
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- update:
	default:
	}
}

func (c *channel) replacePresence(state PresenceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.presence = state
	c.publishPresenceLocked()
}

func (c *channel) applyPresenceDiff(diff presenceDiff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	applyDiff(c.presence, diff)
	c.publishPresenceLocked()
}

func (c *channel) publishPresenceLocked() {
	platform.Offer(c.syncs, c.presence.Clone())
}
