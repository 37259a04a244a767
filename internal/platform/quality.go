package platform

import (
	"sync"
	"time"
)

const (
	defaultFastThreshold = 300 * time.Millisecond
	defaultSlowThreshold = 1200 * time.Millisecond
	defaultSmoothing     = 0.3
	minSamples           = 3
)

// QualityEstimator classifies observed fetch latency into a Quality and
// pushes changes into Signals.
type QualityEstimator struct {
	signals *Signals

	Fast      time.Duration
	Slow      time.Duration
	Smoothing float64

	mu      sync.Mutex
	ewma    float64
	samples int
}

// NewQualityEstimator creates an estimator that reports into signals.
func NewQualityEstimator(signals *Signals) *QualityEstimator {
	return &QualityEstimator{
		signals:   signals,
		Fast:      defaultFastThreshold,
		Slow:      defaultSlowThreshold,
		Smoothing: defaultSmoothing,
	}
}

// Observe records one fetch latency. Failed fetches should not be observed.
// Nothing is published before the estimate has enough samples.
func (e *QualityEstimator) Observe(latency time.Duration) {
	if e == nil || latency <= 0 {
		return
	}
	e.mu.Lock()
	if e.samples == 0 {
		e.ewma = float64(latency)
	} else {
		e.ewma = e.Smoothing*float64(latency) + (1-e.Smoothing)*e.ewma
	}
	e.samples++
	q := e.classifyLocked()
	measured := e.samples >= minSamples
	e.mu.Unlock()

	// Until enough samples exist the configured quality stands.
	if measured && e.signals != nil {
		e.signals.SetQuality(q)
	}
}

// Estimate returns the current classification.
func (e *QualityEstimator) Estimate() Quality {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classifyLocked()
}

func (e *QualityEstimator) classifyLocked() Quality {
	if e.samples < minSamples {
		return QualityUnknown
	}
	avg := time.Duration(e.ewma)
	switch {
	case avg <= e.Fast:
		return QualityFast
	case avg >= e.Slow:
		return QualitySlow
	default:
		return QualityUnknown
	}
}
