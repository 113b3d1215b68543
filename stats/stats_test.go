package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	assert.Equal(t, 8.0, s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, 2.138089935, s.StdDev, 1e-8)
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	assert.Zero(t, h.Median(0))
	for _, x := range []float64{10, 1, 3, 2} {
		h.Add(x)
	}
	assert.Equal(t, 2.0, h.Latest())
	assert.Equal(t, 4, h.Count())
	assert.Equal(t, 2.0, h.Median(0))
	assert.Equal(t, 2.5, h.Avg(2))
	assert.Equal(t, 4.0, h.GlobalAvg())
	assert.Greater(t, h.Smoothed(), 0.0)
}

func TestEMA(t *testing.T) {
	var e EMA
	e = EMA(e.Add(4, 3))
	assert.Equal(t, EMA(4), e)
	e = EMA(e.Add(2, 3))
	assert.Equal(t, EMA(3), e)
}

func TestAverageString(t *testing.T) {
	var s Average
	s.Add(0.5)
	assert.Equal(t, "0.5000", s.String())
	s.Add(1.5)
	assert.Equal(t, "1.0000 ± 0.7071", s.String())
	big := Average{}
	big.Add(20)
	big.Add(40)
	assert.Equal(t, "30.0 ± 14.1", big.String())
}
