// Package stats has helpers to accumulate running statistics for training metrics and image bands.
package stats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Calc exponentional moving average
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		if s.Count > 1 {
			s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
		}
	}
}

// String formats the mean with the standard deviation when there is more than one sample.
func (s *Average) String() string {
	prec := 4
	if s.Mean > 10 {
		prec = 1
	}
	if s.Count < 2 {
		return fmt.Sprintf("%.*f", prec, s.Mean)
	}
	return fmt.Sprintf("%.*f ± %.*f", prec, s.Mean, prec, s.StdDev)
}

// History keeps a bounded buffer of scalar values, used to smooth noisy per iteration losses.
type History struct {
	MaxLen int
	values []float64
	total  float64
	count  int
	ema    EMA
}

// NewHistory creates a buffer which keeps the most recent maxLen values.
func NewHistory(maxLen int) *History {
	return &History{MaxLen: maxLen}
}

// Add appends a new value.
func (h *History) Add(val float64) {
	h.values = append(h.values, val)
	if h.MaxLen > 0 && len(h.values) > h.MaxLen {
		h.values = h.values[len(h.values)-h.MaxLen:]
	}
	h.total += val
	h.count++
	h.ema = EMA(h.ema.Add(val, float64(max(h.MaxLen, 1))))
}

// Latest value added or zero if empty.
func (h *History) Latest() float64 {
	if len(h.values) == 0 {
		return 0
	}
	return h.values[len(h.values)-1]
}

// Median over the last window values.
func (h *History) Median(window int) float64 {
	vals := h.last(window)
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64{}, vals...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Avg is the mean over the last window values.
func (h *History) Avg(window int) float64 {
	vals := h.last(window)
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// GlobalAvg is the mean of every value ever added.
func (h *History) GlobalAvg() float64 {
	if h.count == 0 {
		return 0
	}
	return h.total / float64(h.count)
}

// Smoothed returns the exponential moving average.
func (h *History) Smoothed() float64 { return float64(h.ema) }

// Count is the number of values ever added.
func (h *History) Count() int { return h.count }

func (h *History) last(window int) []float64 {
	if window <= 0 || window > len(h.values) {
		return h.values
	}
	return h.values[len(h.values)-window:]
}
