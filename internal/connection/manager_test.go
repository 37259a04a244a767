package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/slidecast/internal/backoff"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/realtime"
	"github.com/haasonsaas/slidecast/internal/rowstore"
	"github.com/haasonsaas/slidecast/pkg/models"
)

type fakeSub struct {
	statuses chan realtime.Status
	updates  chan realtime.RowUpdate

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Statuses() <-chan realtime.Status { return s.statuses }
func (s *fakeSub) Updates() <-chan realtime.RowUpdate { return s.updates }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) push(t *testing.T, index int, live bool) {
	t.Helper()
	record, err := json.Marshal(map[string]any{"current_slide_index": index, "is_live": live, "title": "deck"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.updates <- realtime.RowUpdate{Type: "UPDATE", Table: "presentations", Record: record}
}

type fakeClient struct {
	mu      sync.Mutex
	topics  []string
	filters []realtime.RowFilter
	err     error
	created chan *fakeSub
}

func newFakeClient() *fakeClient {
	return &fakeClient{created: make(chan *fakeSub, 16)}
}

func (c *fakeClient) SubscribeRows(ctx context.Context, topic string, filter realtime.RowFilter) (realtime.Subscription, error) {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.filters = append(c.filters, filter)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sub := &fakeSub{
		statuses: make(chan realtime.Status, 4),
		updates:  make(chan realtime.RowUpdate, 16),
	}
	c.created <- sub
	return sub, nil
}

func (c *fakeClient) JoinPresence(ctx context.Context, topic, key string, meta map[string]any) (realtime.PresenceSubscription, error) {
	return nil, errors.New("not supported")
}

func (c *fakeClient) next(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case sub := <-c.created:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription attempt")
		return nil
	}
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

func fastConfig() Config {
	return Config{
		Watchdog:     100 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Backoff: backoff.Policy{
			Initial: 10 * time.Millisecond,
			Max:     40 * time.Millisecond,
			Factor:  2,
		},
		MaxReconnectAttempts: 3,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, client realtime.Client, store rowstore.Store, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithConfig(fastConfig()), WithLogger(quietLogger())}, opts...)
	m := NewManager("p1", client, store, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func liveStore(index int) *rowstore.MemoryStore {
	store := rowstore.NewMemoryStore()
	store.Put(models.Presentation{ID: "p1", Title: "deck", CurrentSlideIndex: index, IsLive: true, SlideCount: 20}, nil)
	return store
}

func waitState(t *testing.T, m *Manager, want models.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

// connect confirms sub and waits for the follow-up refetch to land, so later
// pushes are not overtaken by it.
func connect(t *testing.T, m *Manager, sub *fakeSub) {
	t.Helper()
	sub.statuses <- realtime.StatusSubscribed
	waitState(t, m, models.ConnectionConnected)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u, _ := m.Latest(); u.Source == SourceRefetch {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("refetch after subscribe never landed")
}

func waitIndex(t *testing.T, m *Manager, want int) Update {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u, ok := m.Latest(); ok && u.Snapshot.CurrentSlideIndex == want {
			return u
		}
		time.Sleep(2 * time.Millisecond)
	}
	u, _ := m.Latest()
	t.Fatalf("latest = %+v, want index %d", u, want)
	return Update{}
}

func TestManager_StartPublishesInitialSnapshot(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, client, liveStore(3))

	p, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.CurrentSlideIndex != 3 {
		t.Errorf("presentation = %+v", p)
	}
	u, ok := m.Latest()
	if !ok || u.Seq != 1 || u.Source != SourceInitial || u.Snapshot.CurrentSlideIndex != 3 {
		t.Errorf("initial update = %+v", u)
	}
	if m.State() != models.ConnectionConnecting {
		t.Errorf("state = %s", m.State())
	}

	client.next(t)
	client.mu.Lock()
	topic, filter := client.topics[0], client.filters[0]
	client.mu.Unlock()
	if topic != "presentation:p1" {
		t.Errorf("topic = %q", topic)
	}
	if filter != (realtime.RowFilter{Event: "UPDATE", Schema: "public", Table: "presentations", Filter: "id=eq.p1"}) {
		t.Errorf("filter = %+v", filter)
	}

	// Second Start is a no-op.
	again, err := m.Start(context.Background())
	if err != nil || again != p {
		t.Errorf("second Start = %v, %v", again, err)
	}
	time.Sleep(20 * time.Millisecond)
	if client.subscribeCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", client.subscribeCount())
	}
}

func TestManager_StartNotFound(t *testing.T) {
	m := newTestManager(t, newFakeClient(), rowstore.NewMemoryStore())

	if _, err := m.Start(context.Background()); !errors.Is(err, rowstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager not torn down after not found")
	}
	if !errors.Is(m.Err(), rowstore.ErrNotFound) {
		t.Errorf("Err = %v", m.Err())
	}
}

func TestManager_PushUpdates(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := client.next(t)
	connect(t, m, sub)

	sub.push(t, 4, true)
	u := waitIndex(t, m, 4)
	if u.Source != SourcePush {
		t.Errorf("source = %s", u.Source)
	}

	// Watchdog must not fire once connected.
	time.Sleep(150 * time.Millisecond)
	if m.State() != models.ConnectionConnected {
		t.Errorf("state = %s after watchdog period", m.State())
	}
}

func TestManager_WatchdogFallsBackToPolling(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := client.next(t)

	waitState(t, m, models.ConnectionPolling)
	if !sub.isClosed() {
		t.Error("push subscription not closed when polling started")
	}

	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 9, IsLive: true})
	changed := time.Now()
	u := waitIndex(t, m, 9)
	if u.Source != SourcePoll {
		t.Errorf("source = %s, want poll", u.Source)
	}
	if lag := u.ReceivedAt.Sub(changed); lag > 500*time.Millisecond {
		t.Errorf("poll observed change after %v", lag)
	}

	// A late confirmation on the abandoned channel changes nothing.
	sub.statuses <- realtime.StatusSubscribed
	time.Sleep(50 * time.Millisecond)
	if m.State() != models.ConnectionPolling {
		t.Errorf("state = %s, polling must be terminal", m.State())
	}
	if client.subscribeCount() != 1 {
		t.Errorf("subscriptions = %d, push must not be retried", client.subscribeCount())
	}
}

func TestManager_BackoffThenPolling(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := newTestManager(t, client, store, WithMetrics(metrics))

	var mu sync.Mutex
	var delays []time.Duration
	m.onReconnectScheduled = func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := client.next(t)
	sub.statuses <- realtime.StatusSubscribed
	waitState(t, m, models.ConnectionConnected)

	failures := []realtime.Status{realtime.StatusClosed, realtime.StatusClosed, realtime.StatusTimedOut}
	sub.statuses <- failures[0]
	for _, status := range failures[1:] {
		sub = client.next(t)
		if m.State() != models.ConnectionConnecting {
			t.Errorf("state = %s during reconnect", m.State())
		}
		sub.statuses <- status
	}
	sub = client.next(t)
	sub.statuses <- realtime.StatusChannelError

	waitState(t, m, models.ConnectionPolling)

	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if client.subscribeCount() != 4 {
		t.Errorf("subscriptions = %d, want initial + 3 reconnects", client.subscribeCount())
	}
	if got := testutil.ToFloat64(metrics.ReconnectAttempts); got != 3 {
		t.Errorf("reconnect metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.StateTransitions.WithLabelValues("connecting", "polling")); got != 1 {
		t.Errorf("connecting->polling transitions = %v", got)
	}
}

func TestManager_SuccessfulReconnectResetsAttempts(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, client, liveStore(1))

	var mu sync.Mutex
	var attempts []int
	m.onReconnectScheduled = func(attempt int, delay time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	}
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := client.next(t)
	for i := 0; i < 5; i++ {
		sub.statuses <- realtime.StatusSubscribed
		waitState(t, m, models.ConnectionConnected)
		sub.statuses <- realtime.StatusClosed
		sub = client.next(t)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, a := range attempts {
		if a != 1 {
			t.Errorf("attempts[%d] = %d, want 1 after each successful reconnect", i, a)
		}
	}
	if m.State() == models.ConnectionPolling {
		t.Error("recovered channel should never fall back to polling")
	}
}

func TestManager_SubscribeErrorCountsAsFailure(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("dial tcp: connection refused")
	store := liveStore(2)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitState(t, m, models.ConnectionPolling)
	if got := client.subscribeCount(); got != 4 {
		t.Errorf("subscribe attempts = %d, want 4", got)
	}
}

func TestManager_RefetchOnSubscribed(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The presenter advanced before the channel confirmed.
	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 6, IsLive: true})
	sub := client.next(t)
	sub.statuses <- realtime.StatusSubscribed

	u := waitIndex(t, m, 6)
	if u.Source != SourceRefetch {
		t.Errorf("source = %s, want refetch", u.Source)
	}
}

func TestManager_VisibilityRefetch(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	signals := platform.NewSignals(platform.QualityUnknown)
	defer signals.Close()
	m := newTestManager(t, client, store, WithVisibility(signals))
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	connect(t, m, client.next(t))

	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 12, IsLive: true})
	signals.SetVisibility(platform.Hidden)
	time.Sleep(20 * time.Millisecond)
	if u, _ := m.Latest(); u.Snapshot.CurrentSlideIndex == 12 {
		t.Error("hidden signal must not refetch")
	}

	signals.SetVisibility(platform.Visible)
	u := waitIndex(t, m, 12)
	if u.Source != SourceRefetch {
		t.Errorf("source = %s", u.Source)
	}
	if m.State() != models.ConnectionConnected {
		t.Errorf("visibility refetch changed state to %s", m.State())
	}
}

func TestManager_Convergence(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := client.next(t)
	connect(t, m, sub)
	base, _ := m.Latest()

	for i := 2; i <= 10; i++ {
		store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: i, IsLive: true})
		sub.push(t, i, true)
	}
	u := waitIndex(t, m, 10)
	if u.Seq != base.Seq+9 {
		t.Errorf("seq = %d, want %d", u.Seq, base.Seq+9)
	}
	if m.State() != models.ConnectionConnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestManager_SequenceIsMonotonic(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	updates, cancel := m.Updates()
	defer cancel()

	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 6, IsLive: true})
	sub := client.next(t)
	sub.statuses <- realtime.StatusSubscribed

	var prev uint64
	timeout := time.After(2 * time.Second)
	for i := 2; i <= 6; i++ {
		sub.push(t, i, true)
	}
	for {
		select {
		case u := <-updates:
			if u.Seq <= prev {
				t.Fatalf("seq went from %d to %d", prev, u.Seq)
			}
			prev = u.Seq
			if u.Snapshot.CurrentSlideIndex == 6 {
				return
			}
		case <-timeout:
			t.Fatal("never observed final update")
		}
	}
}

func TestManager_EndedTearsDown(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, client, liveStore(3))
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := client.next(t)
	connect(t, m, sub)

	sub.push(t, 3, false)
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not tear down after the presentation ended")
	}
	if !errors.Is(m.Err(), ErrPresentationEnded) {
		t.Errorf("Err = %v", m.Err())
	}
	if !sub.isClosed() {
		t.Error("subscription left open after end")
	}
	if u, _ := m.Latest(); u.Snapshot.IsLive {
		t.Error("final snapshot should be not live")
	}
}

func TestManager_NotLiveAtStartIsWaiting(t *testing.T) {
	client := newFakeClient()
	store := rowstore.NewMemoryStore()
	store.Put(models.Presentation{ID: "p1", CurrentSlideIndex: 1, IsLive: false}, nil)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := client.next(t)
	connect(t, m, sub)
	sub.push(t, 1, false)
	sub.push(t, 2, true)
	waitIndex(t, m, 2)

	time.Sleep(30 * time.Millisecond)
	select {
	case <-m.Done():
		t.Fatal("a presentation that was never live must not end")
	default:
	}
}

func TestManager_PollFailuresAreSoft(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("blocked")
	store := liveStore(1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := newTestManager(t, client, store, WithMetrics(metrics))
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, m, models.ConnectionPolling)

	store.SetError(errors.New("503"))
	time.Sleep(80 * time.Millisecond)
	store.SetError(nil)
	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 5, IsLive: true})
	waitIndex(t, m, 5)

	if testutil.ToFloat64(metrics.PollFailures) == 0 {
		t.Error("poll failures not recorded")
	}
	select {
	case <-m.Done():
		t.Fatal("poll failures must not stop the manager")
	default:
	}
}

func TestManager_NoPollingWhileConnected(t *testing.T) {
	client := newFakeClient()
	store := liveStore(1)
	m := newTestManager(t, client, store)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	connect(t, m, client.next(t))

	before := store.SnapshotCalls()
	time.Sleep(200 * time.Millisecond)
	if after := store.SnapshotCalls(); after != before {
		t.Errorf("snapshot fetched %d times while connected", after-before)
	}
}

func TestManager_Close(t *testing.T) {
	client := newFakeClient()
	m := NewManager("p1", client, liveStore(1), WithConfig(fastConfig()), WithLogger(quietLogger()))
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := client.next(t)
	updates, cancel := m.Updates()
	defer cancel()

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sub.isClosed() {
		t.Error("subscription not closed")
	}
	for range updates {
	}
	if _, err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v", err)
	}
}

func TestManager_CloseBeforeStart(t *testing.T) {
	m := NewManager("p1", newFakeClient(), liveStore(1))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestManager_ContextCancelTearsDown(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, client, liveStore(1))
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	client.next(t)
	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancel did not stop the manager")
	}
}
