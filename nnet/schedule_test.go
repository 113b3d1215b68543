package nnet

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmupMultiStep(t *testing.T) {
	s := &WarmupMultiStep{Base: 0.1, Steps: []int{100, 200}, Gamma: 0.1, WarmupIters: 10, WarmupFactor: 0.001, WarmupMethod: "linear"}
	assert.InDelta(t, 0.1*0.001, s.Value(0), 1e-12)
	assert.InDelta(t, 0.1*(0.001*0.5+0.5), s.Value(5), 1e-12)
	assert.InDelta(t, 0.1, s.Value(10), 1e-12)
	assert.InDelta(t, 0.1, s.Value(99), 1e-12)
	assert.InDelta(t, 0.01, s.Value(100), 1e-12)
	assert.InDelta(t, 0.001, s.Value(250), 1e-12)

	s.WarmupMethod = "constant"
	assert.InDelta(t, 0.1*0.001, s.Value(9), 1e-12)
}

func TestWarmupCosine(t *testing.T) {
	s := &WarmupCosine{Base: 1, Final: 0, MaxIter: 100}
	assert.InDelta(t, 1, s.Value(0), 1e-12)
	assert.InDelta(t, 0.5, s.Value(50), 1e-12)
	assert.InDelta(t, 0, s.Value(100), 1e-12)
	assert.InDelta(t, 0, s.Value(150), 1e-12)
}

func TestNewSchedule(t *testing.T) {
	c := SwinConfig(false)
	c.Solver.Steps = []int{10}
	s, err := NewSchedule(c)
	require.NoError(t, err)
	assert.IsType(t, &WarmupMultiStep{}, s)
	assert.InDelta(t, 0.0001, s.Value(10), 1e-12)

	c.Solver.Scheduler = WarmupCosineLR
	c.Train.MaxIter = 10
	s, err = NewSchedule(c)
	require.NoError(t, err)
	assert.InDelta(t, c.Solver.FinalLR, s.Value(10), 1e-12)

	c.Solver.Scheduler = "Plateau"
	_, err = NewSchedule(c)
	assert.Error(t, err)
}

func TestMilestones(t *testing.T) {
	const epoch = 500
	assert.Equal(t, []int{5000, 10000, 17500}, Milestones(epoch, 10, 20, 35))
	assert.Empty(t, Milestones(epoch))
}

func TestFreeze(t *testing.T) {
	model := newFakeModel()
	n, err := Freeze(context.Background(), model, "roi_heads")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, model.trainable["backbone.stem"])
	assert.True(t, model.trainable["roi_heads.mask"])

	n, err = Freeze(context.Background(), model)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestModelBuilders(t *testing.T) {
	builders := ModelBuilders{
		Swin: func(ctx context.Context, cfg Config) (Model, Optimizer, error) {
			return newFakeModel(), &fakeOptimizer{}, nil
		},
	}
	model, opt, err := builders.Build(context.Background(), SwinConfig(false))
	require.NoError(t, err)
	assert.NotNil(t, model)
	assert.NotNil(t, opt)

	_, _, err = builders.Build(context.Background(), MViTv2Config(false))
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestLossesTotal(t *testing.T) {
	l := Losses{"loss_cls": 0.25, "loss_box_reg": 0.5, "loss_mask": 1}
	assert.Equal(t, 1.75, l.Total())
	assert.Zero(t, Losses{}.Total())
}
