package nnet

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Schedule gives the learning rate at each iteration.
type Schedule interface {
	Value(iter int) float64
}

// WarmupMultiStep multiplies the base rate by Gamma at each of the Steps, after an initial warmup.
type WarmupMultiStep struct {
	Base         float64
	Steps        []int
	Gamma        float64
	WarmupIters  int
	WarmupFactor float64
	WarmupMethod string
}

func (s *WarmupMultiStep) Value(iter int) float64 {
	n := sort.Search(len(s.Steps), func(i int) bool { return s.Steps[i] > iter })
	return s.Base * warmup(s.WarmupMethod, iter, s.WarmupIters, s.WarmupFactor) * math.Pow(s.Gamma, float64(n))
}

// WarmupCosine decays the rate from Base to Final along half a cosine over MaxIter iterations.
type WarmupCosine struct {
	Base         float64
	Final        float64
	MaxIter      int
	WarmupIters  int
	WarmupFactor float64
	WarmupMethod string
}

func (s *WarmupCosine) Value(iter int) float64 {
	f := 1.0
	if s.MaxIter > 0 {
		f = 0.5 * (1 + math.Cos(math.Pi*math.Min(float64(iter)/float64(s.MaxIter), 1)))
	}
	lr := s.Final + (s.Base-s.Final)*f
	return lr * warmup(s.WarmupMethod, iter, s.WarmupIters, s.WarmupFactor)
}

func warmup(method string, iter, iters int, factor float64) float64 {
	if iter >= iters {
		return 1
	}
	if method == "constant" {
		return factor
	}
	alpha := float64(iter) / float64(iters)
	return factor*(1-alpha) + alpha
}

// NewSchedule creates the schedule selected by the solver settings.
func NewSchedule(cfg Config) (Schedule, error) {
	s := cfg.Solver
	switch s.Scheduler {
	case WarmupMultiStepLR:
		return &WarmupMultiStep{Base: s.BaseLR, Steps: append([]int(nil), s.Steps...), Gamma: s.Gamma,
			WarmupIters: s.WarmupIters, WarmupFactor: s.WarmupFactor, WarmupMethod: s.WarmupMethod}, nil
	case WarmupCosineLR:
		return &WarmupCosine{Base: s.BaseLR, Final: s.FinalLR, MaxIter: cfg.Train.MaxIter,
			WarmupIters: s.WarmupIters, WarmupFactor: s.WarmupFactor, WarmupMethod: s.WarmupMethod}, nil
	}
	return nil, errors.Errorf("unknown scheduler %q", s.Scheduler)
}

// Milestones converts epoch counts to iteration numbers.
func Milestones(epochIters int, epochs ...int) []int {
	out := make([]int, len(epochs))
	for i, e := range epochs {
		out[i] = e * epochIters
	}
	return out
}
