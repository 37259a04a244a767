package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects slide synchronization and cache metrics.
//
// The metrics track:
//   - Connection state transitions and reconnect attempts
//   - Snapshots accepted per delivery source (push, poll, refetch)
//   - Artifact cache lookups, writes and evictions
//   - Preload outcomes
//   - Connected viewers per presentation
//
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// StateTransitions counts connection state changes.
	// Labels: from, to
	StateTransitions *prometheus.CounterVec

	// Snapshots counts accepted snapshots.
	// Labels: source (initial|push|poll|refetch)
	Snapshots *prometheus.CounterVec

	// ReconnectAttempts counts scheduled push reconnects.
	ReconnectAttempts prometheus.Counter

	// PollFailures counts failed poll or refetch requests.
	PollFailures prometheus.Counter

	// CacheLookups counts artifact cache reads.
	// Labels: result (hit|miss)
	CacheLookups *prometheus.CounterVec

	// CacheWrites counts artifact cache writes.
	// Labels: status (success|error)
	CacheWrites *prometheus.CounterVec

	// CacheEvictions counts entries removed by sweeps and clears.
	CacheEvictions prometheus.Counter

	// ArtifactFetchDuration measures artifact download latency in seconds.
	ArtifactFetchDuration prometheus.Histogram

	// PreloadSlides counts preload outcomes.
	// Labels: outcome (cached|failed|present)
	PreloadSlides *prometheus.CounterVec

	// Viewers reports the presence count per presentation.
	// Labels: presentation
	Viewers *prometheus.GaugeVec
}

// NewMetrics registers the slidecast collectors on reg. A nil registerer
// gets a private registry so callers (and tests) never collide on the
// default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecast_connection_transitions_total",
			Help: "Connection state transitions",
		}, []string{"from", "to"}),
		Snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecast_snapshots_total",
			Help: "Presentation snapshots accepted by source",
		}, []string{"source"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecast_reconnect_attempts_total",
			Help: "Push channel reconnect attempts scheduled",
		}),
		PollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecast_poll_failures_total",
			Help: "Failed snapshot poll or refetch requests",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecast_cache_lookups_total",
			Help: "Artifact cache lookups by result",
		}, []string{"result"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecast_cache_writes_total",
			Help: "Artifact cache writes by status",
		}, []string{"status"}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecast_cache_evictions_total",
			Help: "Artifact cache entries removed",
		}),
		ArtifactFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slidecast_artifact_fetch_duration_seconds",
			Help:    "Artifact download latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		PreloadSlides: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecast_preload_slides_total",
			Help: "Preload outcomes per slide",
		}, []string{"outcome"}),
		Viewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slidecast_presence_viewers",
			Help: "Connected viewers per presentation",
		}, []string{"presentation"}),
	}
}

// RecordTransition counts a connection state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.StateTransitions == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSnapshot counts an accepted snapshot.
func (m *Metrics) RecordSnapshot(source string) {
	if m == nil || m.Snapshots == nil {
		return
	}
	m.Snapshots.WithLabelValues(source).Inc()
}

// RecordReconnect counts a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil || m.ReconnectAttempts == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordPollFailure counts a failed fetch.
func (m *Metrics) RecordPollFailure() {
	if m == nil || m.PollFailures == nil {
		return
	}
	m.PollFailures.Inc()
}

// RecordCacheLookup counts a cache read.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil || m.CacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWrite counts a cache write.
func (m *Metrics) RecordCacheWrite(err error) {
	if m == nil || m.CacheWrites == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CacheWrites.WithLabelValues(status).Inc()
}

// RecordEvictions counts removed cache entries.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || m.CacheEvictions == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// ObserveFetch records an artifact download duration in seconds.
func (m *Metrics) ObserveFetch(seconds float64) {
	if m == nil || m.ArtifactFetchDuration == nil {
		return
	}
	m.ArtifactFetchDuration.Observe(seconds)
}

// RecordPreload counts a preload outcome.
func (m *Metrics) RecordPreload(outcome string) {
	if m == nil || m.PreloadSlides == nil {
		return
	}
	m.PreloadSlides.WithLabelValues(outcome).Inc()
}

// SetViewers reports the viewer count of a presentation.
func (m *Metrics) SetViewers(presentationID string, count int) {
	if m == nil || m.Viewers == nil {
		return
	}
	m.Viewers.WithLabelValues(presentationID).Set(float64(count))
}
