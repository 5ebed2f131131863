// Package meter streams normalized signal levels to the UI at an adaptive
// rate: quickly while the level moves, lazily while it does not.
package meter

import (
	"context"
	"math"
	"time"
)

const (
	MinInterval = 80 * time.Millisecond
	MaxInterval = 150 * time.Millisecond
	// Heartbeat bounds how long an unchanged value may go unpublished.
	Heartbeat = 300 * time.Millisecond
	// MaxSuppressed is the number of suppressed polls after which the next
	// poll always emits.
	MaxSuppressed = 3

	intervalStep   = 10 * time.Millisecond
	thresholdFloor = 0.01
	thresholdRatio = 0.15
)

// Meter is a level reading normalized to [0,1].
type Meter struct {
	AveragePower float64 `json:"averagePower"`
	PeakPower    float64 `json:"peakPower"`
}

// Source supplies instantaneous power readings in dBFS.
type Source interface {
	Power() (avgDB, peakDB float64, ok bool)
}

// LevelMeter polls a Source and publishes Meter values worth showing.
type LevelMeter struct {
	src Source
	now func() time.Time
	out chan Meter

	last       Meter
	lastEmit   time.Time
	emitted    bool
	suppressed int
	unchanged  int
	interval   time.Duration
}

// Option configures a LevelMeter.
type Option func(*LevelMeter)

// WithClock overrides the clock used for the heartbeat.
func WithClock(now func() time.Time) Option {
	return func(m *LevelMeter) { m.now = now }
}

// New returns a meter reading from src.
func New(src Source, opts ...Option) *LevelMeter {
	m := &LevelMeter{
		src:      src,
		now:      time.Now,
		out:      make(chan Meter, 1),
		interval: MinInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// C returns the stream of published values. Only the latest unread value
// is kept.
func (m *LevelMeter) C() <-chan Meter { return m.out }

// Interval returns the delay before the next poll.
func (m *LevelMeter) Interval() time.Duration { return m.interval }

func exceeds(cur, last float64) bool {
	return math.Abs(cur-last) > max(thresholdFloor, last*thresholdRatio)
}

// Poll reads the source once and reports whether the value was published.
// Run calls Poll on its own schedule; tests may drive it directly.
func (m *LevelMeter) Poll() (Meter, bool) {
	avg, peak, _ := m.src.Power()
	cur := Meter{AveragePower: Linear(avg), PeakPower: Linear(peak)}
	now := m.now()

	changed := !m.emitted ||
		exceeds(cur.AveragePower, m.last.AveragePower) ||
		exceeds(cur.PeakPower, m.last.PeakPower)
	stale := now.Sub(m.lastEmit) > Heartbeat
	forced := m.suppressed >= MaxSuppressed

	if changed {
		m.unchanged = 0
		m.interval = MinInterval
	} else {
		m.unchanged++
		m.interval = min(MaxInterval, MinInterval+time.Duration(m.unchanged)*intervalStep)
	}

	if !changed && !stale && !forced {
		m.suppressed++
		return cur, false
	}
	m.last = cur
	m.lastEmit = now
	m.emitted = true
	m.suppressed = 0
	m.publish(cur)
	return cur, true
}

func (m *LevelMeter) publish(v Meter) {
	select {
	case m.out <- v:
		return
	default:
	}
	select {
	case <-m.out:
	default:
	}
	select {
	case m.out <- v:
	default:
	}
}

// Run polls until ctx is done. It returns nil on cancellation.
func (m *LevelMeter) Run(ctx context.Context) error {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		m.Poll()
		timer.Reset(m.interval)
	}
}
