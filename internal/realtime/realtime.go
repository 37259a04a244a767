// Package realtime implements the client side of the Phoenix channel
// protocol used by Supabase Realtime: row change subscriptions and presence
// channels multiplexed over one WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is a channel lifecycle notification.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// IsFailure reports whether s ends the channel. Error, close and timeout
// are handled identically by callers.
func (s Status) IsFailure() bool {
	switch s {
	case StatusChannelError, StatusClosed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ErrSocketClosed is returned when subscribing on a closed socket.
var ErrSocketClosed = errors.New("realtime: socket closed")

// RowFilter selects the row changes a subscription receives.
type RowFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// UpdatesFor returns the UPDATE filter for one row of table keyed by id.
func UpdatesFor(schema, table, id string) RowFilter {
	if schema == "" {
		schema = "public"
	}
	return RowFilter{
		Event:  "UPDATE",
		Schema: schema,
		Table:  table,
		Filter: fmt.Sprintf("id=eq.%s", id),
	}
}

// RowUpdate is one row change delivered on a subscription. Record holds the
// full new row.
type RowUpdate struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

// Subscription is a joined row change channel.
//
// Statuses delivers SUBSCRIBED at most once and then at most one failure
// status; nothing is delivered after Close. The channels are never closed.
type Subscription interface {
	Statuses() <-chan Status
	Updates() <-chan RowUpdate
	Close() error
}

// PresenceSubscription is a joined presence channel. Syncs delivers the
// latest folded membership state.
type PresenceSubscription interface {
	Statuses() <-chan Status
	Syncs() <-chan PresenceState
	Close() error
}

// Client opens channels on a realtime backend.
type Client interface {
	SubscribeRows(ctx context.Context, topic string, filter RowFilter) (Subscription, error)
	JoinPresence(ctx context.Context, topic, key string, meta map[string]any) (PresenceSubscription, error)
}

// PresentationTopic is the row channel topic for a presentation.
func PresentationTopic(id string) string {
	return "presentation:" + id
}

// PresenceTopic is the membership channel topic for a presentation.
func PresenceTopic(id string) string {
	return "presence:" + id
}
