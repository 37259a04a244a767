// Package platform provides the environment signals slide sync reacts to:
// visibility (foreground/background) and network quality.
package platform

import "sync"

// Visibility reports whether the viewer is in the foreground.
type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

// Quality is the coarse network quality class.
type Quality string

const (
	QualityFast    Quality = "fast"
	QualitySlow    Quality = "slow"
	QualityUnknown Quality = "unknown"
)

// ParseQuality maps a configured string to a Quality, defaulting to unknown.
func ParseQuality(s string) Quality {
	switch Quality(s) {
	case QualityFast, QualitySlow:
		return Quality(s)
	default:
		return QualityUnknown
	}
}

// VisibilitySource emits visibility changes.
type VisibilitySource interface {
	SubscribeVisibility() (<-chan Visibility, func())
}

// QualitySource emits network quality changes.
type QualitySource interface {
	SubscribeQuality() (<-chan Quality, func())
	CurrentQuality() Quality
}

// Signals is a settable VisibilitySource and QualitySource. The CLI feeds
// it from process signals; tests drive it directly.
type Signals struct {
	visibility *Broadcaster[Visibility]
	quality    *Broadcaster[Quality]

	mu      sync.Mutex
	current Quality
}

// NewSignals creates signals with the given starting quality.
func NewSignals(initial Quality) *Signals {
	if initial == "" {
		initial = QualityUnknown
	}
	return &Signals{
		visibility: NewBroadcaster[Visibility](),
		quality:    NewBroadcaster[Quality](),
		current:    initial,
	}
}

func (s *Signals) SubscribeVisibility() (<-chan Visibility, func()) {
	return s.visibility.Subscribe()
}

func (s *Signals) SubscribeQuality() (<-chan Quality, func()) {
	return s.quality.Subscribe()
}

func (s *Signals) CurrentQuality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetVisibility publishes a visibility change.
func (s *Signals) SetVisibility(v Visibility) {
	s.visibility.Publish(v)
}

// SetQuality publishes q if it differs from the current quality.
func (s *Signals) SetQuality(q Quality) {
	s.mu.Lock()
	if s.current == q {
		s.mu.Unlock()
		return
	}
	s.current = q
	s.mu.Unlock()
	s.quality.Publish(q)
}

// Close releases all subscribers.
func (s *Signals) Close() {
	s.visibility.Close()
	s.quality.Close()
}
