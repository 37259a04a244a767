package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/slidecast/internal/backoff"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/realtime"
)

type fakePresence struct {
	statuses chan realtime.Status
	syncs    chan realtime.PresenceState

	mu     sync.Mutex
	closed bool
}

func (p *fakePresence) Statuses() <-chan realtime.Status { return p.statuses }
func (p *fakePresence) Syncs() <-chan realtime.PresenceState { return p.syncs }

func (p *fakePresence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type join struct {
	topic string
	key   string
	meta  map[string]any
	sub   *fakePresence
}

type fakeClient struct {
	mu    sync.Mutex
	err   error
	joins chan join
}

func newFakeClient() *fakeClient {
	return &fakeClient{joins: make(chan join, 16)}
}

func (c *fakeClient) SubscribeRows(context.Context, string, realtime.RowFilter) (realtime.Subscription, error) {
	return nil, errors.New("not supported")
}

func (c *fakeClient) JoinPresence(ctx context.Context, topic, key string, meta map[string]any) (realtime.PresenceSubscription, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		c.joins <- join{topic: topic, key: key, meta: meta}
		return nil, err
	}
	sub := &fakePresence{
		statuses: make(chan realtime.Status, 2),
		syncs:    make(chan realtime.PresenceState, 4),
	}
	c.joins <- join{topic: topic, key: key, meta: meta, sub: sub}
	return sub, nil
}

func (c *fakeClient) next(t *testing.T) join {
	t.Helper()
	select {
	case j := <-c.joins:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no presence join")
		return join{}
	}
}

func waitCount(t *testing.T, tr *Tracker, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Count() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Count = %d, want %d", tr.Count(), want)
}

func fastRejoin() Option {
	return WithRejoinPolicy(backoff.Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 2})
}

func TestCountViewers(t *testing.T) {
	tests := []struct {
		name  string
		state realtime.PresenceState
		want  int
	}{
		{"empty", nil, 0},
		{"viewers", realtime.PresenceState{
			"a": {{"type": "viewer"}},
			"b": {{"type": "viewer"}},
		}, 2},
		{"presenter excluded", realtime.PresenceState{
			"a": {{"type": "viewer"}},
			"p": {{"type": "presenter"}},
		}, 1},
		{"key counted once", realtime.PresenceState{
			"a": {{"type": "viewer", "phx_ref": "1"}, {"type": "viewer", "phx_ref": "2"}},
		}, 1},
		{"untyped member is a viewer", realtime.PresenceState{
			"a": {{"phx_ref": "1"}},
		}, 1},
		{"key with no entries", realtime.PresenceState{
			"a": {},
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountViewers(tt.state); got != tt.want {
				t.Errorf("CountViewers = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	if ParseRole("presenter") != RolePresenter {
		t.Error("presenter not parsed")
	}
	for _, s := range []string{"", "viewer", "audience"} {
		if ParseRole(s) != RoleViewer {
			t.Errorf("ParseRole(%q) should default to viewer", s)
		}
	}
}

func TestTracker_CountsViewers(t *testing.T) {
	client := newFakeClient()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tr := NewTracker("p1", client, RoleViewer, WithMetrics(metrics))
	defer tr.Close()

	if _, err := uuid.Parse(tr.Key()); err != nil {
		t.Errorf("Key %q is not a uuid: %v", tr.Key(), err)
	}

	changes, cancel := tr.Changes()
	defer cancel()

	tr.Start(context.Background())
	j := client.next(t)
	if j.topic != "presence:p1" {
		t.Errorf("topic = %q", j.topic)
	}
	if j.key != tr.Key() {
		t.Errorf("joined as %q, want %q", j.key, tr.Key())
	}
	if j.meta["type"] != "viewer" {
		t.Errorf("meta = %v", j.meta)
	}

	j.sub.statuses <- realtime.StatusSubscribed
	j.sub.syncs <- realtime.PresenceState{
		tr.Key(): {{"type": "viewer"}},
		"other":  {{"type": "viewer"}},
		"host":   {{"type": "presenter"}},
	}
	waitCount(t, tr, 2)

	select {
	case n := <-changes:
		if n != 2 {
			t.Errorf("change = %d", n)
		}
	case <-time.After(time.Second):
		t.Error("no change published")
	}
	if got := testutil.ToFloat64(metrics.Viewers.WithLabelValues("p1")); got != 2 {
		t.Errorf("viewers gauge = %v", got)
	}

	j.sub.syncs <- realtime.PresenceState{tr.Key(): {{"type": "viewer"}}}
	waitCount(t, tr, 1)
}

func TestTracker_UnconfirmedKeepsLastCount(t *testing.T) {
	client := newFakeClient()
	tr := NewTracker("p1", client, RoleViewer, fastRejoin())
	defer tr.Close()
	tr.Start(context.Background())

	j := client.next(t)
	j.sub.statuses <- realtime.StatusSubscribed
	j.sub.syncs <- realtime.PresenceState{"a": {{"type": "viewer"}}, "b": {{"type": "viewer"}}}
	waitCount(t, tr, 2)

	j.sub.statuses <- realtime.StatusClosed
	next := client.next(t)
	next.sub.statuses <- realtime.StatusTimedOut
	client.next(t)

	if tr.Count() != 2 {
		t.Errorf("Count = %d, want last value 2", tr.Count())
	}
}

func TestTracker_JoinErrorsAreRetried(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("socket closed")
	tr := NewTracker("p1", client, RolePresenter, fastRejoin())
	defer tr.Close()
	tr.Start(context.Background())

	first := client.next(t)
	if first.meta["type"] != "presenter" {
		t.Errorf("meta = %v", first.meta)
	}
	client.next(t)

	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()

	j := client.next(t)
	for j.sub == nil {
		j = client.next(t)
	}
	j.sub.statuses <- realtime.StatusSubscribed
	j.sub.syncs <- realtime.PresenceState{"v": {{"type": "viewer"}}}
	waitCount(t, tr, 1)
}

func TestTracker_CloseLeavesChannel(t *testing.T) {
	client := newFakeClient()
	tr := NewTracker("p1", client, RoleViewer)
	changes, _ := tr.Changes()
	tr.Start(context.Background())
	j := client.next(t)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	j.sub.mu.Lock()
	closed := j.sub.closed
	j.sub.mu.Unlock()
	if !closed {
		t.Error("presence channel not left")
	}
	for range changes {
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestTracker_CloseBeforeStart(t *testing.T) {
	tr := NewTracker("p1", newFakeClient(), RoleViewer)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tr.Start(context.Background())
	if tr.Count() != 0 {
		t.Errorf("Count = %d", tr.Count())
	}
}
