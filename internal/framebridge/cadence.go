package framebridge

import (
	"math"
	"time"
)

const (
	// rateStabilityThreshold is the maximum allowed rate standard deviation
	// as a fraction of the mean rate.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a
	// fraction of the expected inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// CadenceStats describes how regularly frames went through a slot.
type CadenceStats struct {
	Frames       int
	Duration     time.Duration
	RateMean     float64 // frames per second over Duration
	RateStdDev   float64
	RateMin      float64
	RateMax      float64
	JitterMean   float64 // seconds
	JitterStdDev float64
	JitterMax    float64
	IsStable     bool
}

// CalculateCadence computes rate and jitter statistics from frame timestamps.
//
// Stable means: rate stddev < 15% of the mean rate AND mean jitter < 20% of
// the expected interval.
func CalculateCadence(times []time.Time, window time.Duration) CadenceStats {
	n := len(times)
	st := CadenceStats{Frames: n, Duration: window}
	if n == 0 || window <= 0 {
		return st
	}

	st.RateMean = float64(n) / window.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return st
	}

	rates := make([]float64, len(intervals))
	for i, d := range intervals {
		rates[i] = 1 / d
	}
	st.RateMin, st.RateMax = minMax(rates)
	st.RateStdDev = stdDevAround(rates, st.RateMean)

	expected := 1 / st.RateMean
	jitters := make([]float64, len(intervals))
	for i, d := range intervals {
		jitters[i] = math.Abs(d - expected)
	}
	st.JitterMean = mean(jitters)
	_, st.JitterMax = minMax(jitters)
	st.JitterStdDev = stdDevAround(jitters, st.JitterMean)

	st.IsStable = st.RateStdDev < st.RateMean*rateStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDevAround(xs []float64, m float64) float64 {
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
