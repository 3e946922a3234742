// Package baseline maintains per-parameter online statistics over a
// sliding window of the sample stream: rolling mean and standard
// deviation via incrementally maintained sums, and a short-horizon trend
// slope. Updates are O(1) amortized; the trend fit touches only the short
// trend window.
package baseline

import (
	"math"
	"sync"

	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/sample"
	"gonum.org/v1/gonum/stat"
)

// Stat is the read-only view of one parameter's rolling statistics.
type Stat struct {
	Mean  float64
	Std   float64
	Slope float64
	Last  float64
	Count int
}

// Snapshot is a point-in-time copy of all tracked parameters. Safe to
// hold across workflow steps; it never aliases tracker internals.
type Snapshot map[string]Stat

// Ready reports whether the named parameter has enough history for
// statistical decisions.
func (s Snapshot) Ready(name string, minSamples int) bool {
	st, ok := s[name]

	return ok && st.Count >= minSamples
}

type series struct {
	buf   []float64
	head  int
	count int
	sum   float64
	sumsq float64
}

func (s *series) push(v float64, maxLen int) {
	if s.buf == nil {
		s.buf = make([]float64, maxLen)
	}

	if s.count == maxLen {
		oldest := s.buf[s.head]
		s.sum -= oldest
		s.sumsq -= oldest * oldest
		s.buf[s.head] = v
		s.head = (s.head + 1) % maxLen
	} else {
		s.buf[(s.head+s.count)%maxLen] = v
		s.count++
	}

	s.sum += v
	s.sumsq += v * v
}

// tail copies up to n most recent values, oldest first.
func (s *series) tail(n int) []float64 {
	if n > s.count {
		n = s.count
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := (s.head + s.count - n + i) % len(s.buf)
		out[i] = s.buf[idx]
	}

	return out
}

func (s *series) last() float64 {
	return s.buf[(s.head+s.count-1)%len(s.buf)]
}

// Tracker is the rolling baseline tracker. It owns all baseline state;
// everything it hands out is a copy.
type Tracker struct {
	mu          sync.RWMutex
	maxLen      int
	minSamples  int
	trendWindow int
	series      map[string]*series
}

// NewTracker builds a tracker retaining maxLen samples per parameter.
func NewTracker(maxLen, minSamples, trendWindow int) *Tracker {
	if maxLen < 2 {
		maxLen = 2
	}
	if trendWindow < 2 {
		trendWindow = 2
	}
	if trendWindow > maxLen {
		trendWindow = maxLen
	}

	return &Tracker{
		maxLen:      maxLen,
		minSamples:  minSamples,
		trendWindow: trendWindow,
		series:      make(map[string]*series),
	}
}

// Update folds one sample into the baselines and returns a fresh
// snapshot. Malformed fields are dropped with a logged anomaly; they
// never halt tracking.
func (t *Tracker) Update(s sample.Sample) Snapshot {
	t.mu.Lock()

	for _, name := range sample.Parameters {
		v, ok := s.Get(name)
		if !ok {
			logger.Warn().
				Str("parameter", name).
				Time("ts", s.Timestamp).
				Msg("Dropping malformed sample field")
			continue
		}

		sr, ok := t.series[name]
		if !ok {
			sr = &series{}
			t.series[name] = sr
		}
		sr.push(v, t.maxLen)
	}

	t.mu.Unlock()

	return t.Snapshot()
}

// Snapshot returns a copy of the current per-parameter statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(Snapshot, len(t.series))
	for name, sr := range t.series {
		if sr.count == 0 {
			continue
		}

		n := float64(sr.count)
		mean := sr.sum / n
		variance := sr.sumsq/n - mean*mean
		if variance < 0 {
			variance = 0
		}

		out[name] = Stat{
			Mean:  mean,
			Std:   math.Sqrt(variance),
			Slope: t.slopeLocked(sr),
			Last:  sr.last(),
			Count: sr.count,
		}
	}

	return out
}

// MinSamples is the cold-start floor below which the detector stays silent.
func (t *Tracker) MinSamples() int {
	return t.minSamples
}

func (t *Tracker) slopeLocked(sr *series) float64 {
	ys := sr.tail(t.trendWindow)
	if len(ys) < 2 {
		return 0
	}

	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}

	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) {
		return 0
	}

	return slope
}
