package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/realtime"
	"github.com/haasonsaas/slidecast/internal/rowstore"
	"github.com/haasonsaas/slidecast/pkg/models"
)

var (
	// ErrPresentationEnded is reported when the presentation goes from
	// live to not live.
	ErrPresentationEnded = errors.New("presentation ended")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Source tells where a snapshot came from.
type Source string

const (
	SourceInitial Source = "initial"
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceRefetch Source = "refetch"
)

// Update is an accepted snapshot. Seq increases with every accepted
// snapshot; the highest Seq is the current truth.
type Update struct {
	Snapshot   models.Snapshot
	Seq        uint64
	Source     Source
	ReceivedAt time.Time
}

// Manager owns the push/poll state machine of one presentation. All state
// transitions happen on a single goroutine started by Start.
type Manager struct {
	presentationID string
	client         realtime.Client
	store          rowstore.Store
	config         Config
	logger         *slog.Logger
	metrics        *observability.Metrics
	visibility     platform.VisibilitySource
	now            func() time.Time

	updates *platform.Broadcaster[Update]
	states  *platform.Broadcaster[models.ConnectionState]
	done    chan struct{}

	mu           sync.RWMutex
	started      bool
	closed       bool
	cancel       context.CancelFunc
	presentation *models.Presentation
	startErr     error
	state        models.ConnectionState
	latest       Update
	hasLatest    bool
	err          error

	// onReconnectScheduled observes backoff decisions in tests.
	onReconnectScheduled func(attempt int, delay time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the state machine timings.
func WithConfig(config Config) Option {
	return func(m *Manager) { m.config = config.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithVisibility subscribes the manager to foreground signals. Every
// transition to visible triggers one out-of-band refetch.
func WithVisibility(source platform.VisibilitySource) Option {
	return func(m *Manager) { m.visibility = source }
}

// WithClock overrides time.Now for ReceivedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager. Nothing happens until Start.
func NewManager(presentationID string, client realtime.Client, store rowstore.Store, opts ...Option) *Manager {
	m := &Manager{
		presentationID: presentationID,
		client:         client,
		store:          store,
		config:         DefaultConfig(),
		logger:         slog.Default(),
		now:            time.Now,
		updates:        platform.NewBroadcaster[Update](),
		states:         platform.NewBroadcaster[models.ConnectionState](),
		done:           make(chan struct{}),
		state:          models.ConnectionConnecting,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection", "presentation_id", presentationID)
	return m
}

// Start fetches the presentation row, publishes it as the first update
// and starts the state machine. It returns rowstore.ErrNotFound when the
// presentation does not exist. Calls after the first return the first
// call's result.
func (m *Manager) Start(ctx context.Context) (*models.Presentation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.started {
		p, err := m.presentation, m.startErr
		m.mu.Unlock()
		return p, err
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	presentation, err := m.store.FetchPresentation(runCtx, m.presentationID)
	if err != nil {
		cancel()
		err = fmt.Errorf("fetch presentation %s: %w", m.presentationID, err)
		m.mu.Lock()
		m.startErr = err
		m.err = err
		m.mu.Unlock()
		m.finish()
		return nil, err
	}

	m.mu.Lock()
	m.presentation = presentation
	m.mu.Unlock()

	m.accept(presentation.Snapshot(), SourceInitial)
	m.states.Publish(models.ConnectionConnecting)

	go m.run(runCtx, cancel)
	return presentation, nil
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Latest returns the most recent accepted update.
func (m *Manager) Latest() (Update, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Updates subscribes to accepted snapshots. A slow reader sees only the
// newest one. The channel closes at teardown.
func (m *Manager) Updates() (<-chan Update, func()) {
	return m.updates.Subscribe()
}

// StateChanges subscribes to connection state changes.
func (m *Manager) StateChanges() (<-chan models.ConnectionState, func()) {
	return m.states.Subscribe()
}

// Done is closed once the manager has torn down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns ErrPresentationEnded or the start error after teardown.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close tears the manager down and waits for its goroutine to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if !started {
		m.finish()
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-m.done
	return nil
}

func (m *Manager) finish() {
	m.updates.Close()
	m.states.Close()
	close(m.done)
}

// accept stamps and publishes a snapshot. It reports whether the snapshot
// ended the presentation.
func (m *Manager) accept(snap models.Snapshot, source Source) bool {
	snap = snap.Normalize()

	m.mu.Lock()
	wasLive := m.hasLatest && m.latest.Snapshot.IsLive
	update := Update{
		Snapshot:   snap,
		Seq:        m.latest.Seq + 1,
		Source:     source,
		ReceivedAt: m.now(),
	}
	m.latest = update
	m.hasLatest = true
	ended := wasLive && !snap.IsLive
	if ended {
		m.err = ErrPresentationEnded
	}
	m.mu.Unlock()

	m.metrics.RecordSnapshot(string(source))
	m.updates.Publish(update)
	return ended
}

func (m *Manager) setState(next models.ConnectionState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.metrics.RecordTransition(prev.String(), next.String())
	m.logger.Info("connection state changed", "from", prev, "to", next)
	m.states.Publish(next)
}

type fetchResult struct {
	snapshot models.Snapshot
	source   Source
	err      error
}

// loop holds the state owned by the run goroutine.
type loop struct {
	m   *Manager
	ctx context.Context

	sub      realtime.Subscription
	statuses <-chan realtime.Status
	changes  <-chan realtime.RowUpdate

	watchdog    *time.Timer
	reconnect   *time.Timer
	ticker      *time.Ticker
	attempts    int
	pollPending bool
	results     chan fetchResult
	ended       bool
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc) {
	l := &loop{m: m, ctx: ctx, results: make(chan fetchResult, 8)}
	defer m.finish()
	defer l.teardown()
	defer cancel()

	var visibility <-chan platform.Visibility
	if m.visibility != nil {
		ch, cancel := m.visibility.SubscribeVisibility()
		defer cancel()
		visibility = ch
	}

	l.subscribe(true)

	for !l.ended {
		select {
		case <-ctx.Done():
			return
		case status := <-l.statuses:
			l.handleStatus(status)
		case change := <-l.changes:
			l.handleChange(change)
		case <-timerC(l.watchdog):
			l.watchdog = nil
			m.logger.Warn("push channel not confirmed in time, falling back to polling", "watchdog", m.config.Watchdog)
			l.startPolling()
		case <-timerC(l.reconnect):
			l.reconnect = nil
			l.subscribe(false)
		case <-tickerC(l.ticker):
			l.poll()
		case res := <-l.results:
			l.handleResult(res)
		case v, ok := <-visibility:
			if !ok {
				visibility = nil
				continue
			}
			if v == platform.Visible {
				l.fetch(SourceRefetch)
			}
		}
	}
}

func (l *loop) subscribe(initial bool) {
	m := l.m
	m.setState(models.ConnectionConnecting)

	filter := realtime.UpdatesFor(m.config.Schema, m.config.Table, m.presentationID)
	sub, err := m.client.SubscribeRows(l.ctx, realtime.PresentationTopic(m.presentationID), filter)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		m.logger.Warn("push subscribe failed", "error", err)
		l.fail(realtime.StatusChannelError)
		return
	}
	l.sub = sub
	l.statuses = sub.Statuses()
	l.changes = sub.Updates()
	if initial {
		l.watchdog = time.NewTimer(m.config.Watchdog)
	}
}

func (l *loop) handleStatus(status realtime.Status) {
	m := l.m
	switch {
	case status == realtime.StatusSubscribed:
		stopTimer(l.watchdog)
		l.watchdog = nil
		l.attempts = 0
		m.setState(models.ConnectionConnected)
		// Updates may have been missed while disconnected.
		l.fetch(SourceRefetch)
	case status.IsFailure():
		m.logger.Warn("push channel failed", "status", status)
		l.fail(status)
	}
}

// fail handles a failed connect or a dropped channel.
func (l *loop) fail(status realtime.Status) {
	m := l.m
	l.closeSubscription()
	stopTimer(l.watchdog)
	l.watchdog = nil

	l.attempts++
	if l.attempts > m.config.MaxReconnectAttempts {
		m.logger.Warn("reconnect attempts exhausted, falling back to polling",
			"attempts", l.attempts-1, "last_status", status)
		l.startPolling()
		return
	}

	m.setState(models.ConnectionDisconnected)
	delay := m.config.Backoff.Delay(l.attempts)
	stopTimer(l.reconnect)
	l.reconnect = time.NewTimer(delay)
	m.metrics.RecordReconnect()
	m.logger.Info("reconnect scheduled", "attempt", l.attempts, "delay", delay)
	if m.onReconnectScheduled != nil {
		m.onReconnectScheduled(l.attempts, delay)
	}
}

func (l *loop) handleChange(change realtime.RowUpdate) {
	var snap models.Snapshot
	if err := json.Unmarshal(change.Record, &snap); err != nil {
		l.m.logger.Debug("ignoring undecodable row update", "error", err)
		return
	}
	l.ended = l.m.accept(snap, SourcePush)
}

// startPolling abandons push for the rest of the session.
func (l *loop) startPolling() {
	l.closeSubscription()
	stopTimer(l.reconnect)
	l.reconnect = nil
	stopTimer(l.watchdog)
	l.watchdog = nil

	l.m.setState(models.ConnectionPolling)
	l.ticker = time.NewTicker(l.m.config.PollInterval)
	l.poll()
}

func (l *loop) poll() {
	if l.pollPending {
		return
	}
	l.pollPending = true
	l.fetch(SourcePoll)
}

// fetch reads the snapshot off the loop goroutine and posts the result back.
func (l *loop) fetch(source Source) {
	go func() {
		snap, err := l.m.store.FetchSnapshot(l.ctx, l.m.presentationID)
		select {
		case l.results <- fetchResult{snapshot: snap, source: source, err: err}:
		case <-l.ctx.Done():
		}
	}()
}

func (l *loop) handleResult(res fetchResult) {
	m := l.m
	if res.source == SourcePoll {
		l.pollPending = false
	}
	if res.err != nil {
		if l.ctx.Err() != nil {
			return
		}
		m.metrics.RecordPollFailure()
		m.logger.Warn("snapshot fetch failed", "source", res.source, "error", res.err)
		return
	}
	if res.source == SourcePoll && !m.State().IsPoll() {
		return
	}
	l.ended = m.accept(res.snapshot, res.source)
}

func (l *loop) closeSubscription() {
	if l.sub != nil {
		if err := l.sub.Close(); err != nil {
			l.m.logger.Debug("closing push subscription", "error", err)
		}
	}
	l.sub = nil
	l.statuses = nil
	l.changes = nil
}

func (l *loop) teardown() {
	l.closeSubscription()
	stopTimer(l.watchdog)
	stopTimer(l.reconnect)
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.ended {
		l.m.logger.Info("presentation ended")
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
