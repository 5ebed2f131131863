package meter

import (
	"math"
	"sync/atomic"
)

// SilenceDB is the floor reported for digital silence.
const SilenceDB = -160.0

// Linear converts a decibel reading to a [0,1] linear value.
func Linear(db float64) float64 {
	if db <= SilenceDB {
		return 0
	}
	v := math.Pow(10, db/20)
	return min(max(v, 0), 1)
}

func toDB(v float64) float64 {
	if v <= 0 {
		return SilenceDB
	}
	return max(20*math.Log10(v), SilenceDB)
}

// Power returns the RMS and peak level of samples in dBFS.
func Power(samples []float32) (avgDB, peakDB float64) {
	if len(samples) == 0 {
		return SilenceDB, SilenceDB
	}
	var sum, peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		peak = max(peak, math.Abs(v))
	}
	return toDB(math.Sqrt(sum / float64(len(samples)))), toDB(peak)
}

// Gauge holds the most recent power reading of a signal. It is written by
// the processing goroutine and read by a LevelMeter.
type Gauge struct {
	avg  atomic.Uint64
	peak atomic.Uint64
	set  atomic.Bool
}

// Update measures samples and stores the result.
func (g *Gauge) Update(samples []float32) {
	avg, peak := Power(samples)
	g.Store(avg, peak)
}

// Store records a reading in dBFS.
func (g *Gauge) Store(avgDB, peakDB float64) {
	g.avg.Store(math.Float64bits(avgDB))
	g.peak.Store(math.Float64bits(peakDB))
	g.set.Store(true)
}

// Power returns the last reading; ok is false until the first Store.
func (g *Gauge) Power() (avgDB, peakDB float64, ok bool) {
	if !g.set.Load() {
		return SilenceDB, SilenceDB, false
	}
	return math.Float64frombits(g.avg.Load()), math.Float64frombits(g.peak.Load()), true
}
