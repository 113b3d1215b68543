package nnet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCadence(t *testing.T, period, end int) (tr *Trainer, model *fakeModel) {
	t.Helper()
	model = newFakeModel()
	dir := t.TempDir()
	ckpt := NewCheckpointer(model, dir, "run", 0)
	val := &fakeLoader{batches: 3}
	tr = NewTrainer(model, &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false),
		NewEvalLossHook(0, model, val), NewSaveHook(0, ckpt))
	require.NoError(t, tr.SetPeriod(period))
	require.NoError(t, tr.Train(context.Background(), 0, end))
	return tr, model
}

func TestCadence(t *testing.T) {
	const n = 5
	for _, test := range []struct {
		end   int
		count int
	}{
		{2 * n, 2},
		{2*n + 1, 3},
		{2*n - 1, 2},
		{n - 1, 1},
		{1, 1},
	} {
		tr, model := runCadence(t, n, test.end)
		assert.Len(t, tr.ValLossList, test.count, "evaluations for train(0, %d)", test.end)
		assert.Len(t, model.saves, test.count, "saves for train(0, %d)", test.end)
		assert.Len(t, tr.LossList, test.end)
		assert.Equal(t, Finished, tr.State())
	}
}

func TestCheckpointNames(t *testing.T) {
	tr, model := runCadence(t, 5, 10)
	dir := filepath.Dir(model.saves[0])
	assert.Equal(t, []string{filepath.Join(dir, "run_0000004.pth"), filepath.Join(dir, "run_0000009.pth")}, model.saves)
	info, err := LastCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, info.Iteration)
	assert.Equal(t, "run_0000009.pth", info.File)
	assert.NotEmpty(t, info.RunID)
	assert.Equal(t, 10, tr.Iter)
}

func TestSetPeriodState(t *testing.T) {
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	assert.Equal(t, Constructing, tr.State())
	require.NoError(t, tr.SetPeriod(3))
	assert.Error(t, tr.SetPeriod(-1))
	require.NoError(t, tr.Train(context.Background(), 0, 2))

	err := tr.SetPeriod(4)
	assert.True(t, errors.Is(err, ErrNotConstructing))
	assert.Equal(t, 3, tr.Period())
	assert.True(t, errors.Is(tr.Register(NewPeriodicWriter(1)), ErrNotConstructing))
	assert.Equal(t, ErrFinished, tr.Train(context.Background(), 2, 4))
}

func TestHookOrder(t *testing.T) {
	var calls []string
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false),
		recordHook{name: "a", calls: &calls}, recordHook{name: "b", calls: &calls})
	require.NoError(t, tr.Register(recordHook{name: "c", calls: &calls}))
	require.NoError(t, tr.Train(context.Background(), 3, 5))
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, calls)
	assert.Equal(t, 3, tr.StartIter)
}

func TestFailFast(t *testing.T) {
	var calls []string
	opt := &fakeOptimizer{}
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, opt, SwinConfig(false),
		recordHook{name: "a", calls: &calls, err: errHook}, recordHook{name: "b", calls: &calls})
	err := tr.Train(context.Background(), 0, 10)
	assert.True(t, errors.Is(err, errHook))
	assert.Equal(t, []string{"a"}, calls)
	assert.Equal(t, 1, opt.steps)
	assert.Equal(t, Finished, tr.State())

	model := newFakeModel()
	model.lossErr = errors.New("engine error")
	tr = NewTrainer(model, &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	assert.ErrorContains(t, tr.Train(context.Background(), 0, 10), "engine error")
	assert.Empty(t, tr.LossList)

	tr = NewTrainer(newFakeModel(), &fakeLoader{batches: 2}, &fakeOptimizer{}, SwinConfig(false))
	assert.Error(t, tr.Train(context.Background(), 0, 10))
	assert.Len(t, tr.LossList, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr = NewTrainer(newFakeModel(), &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	assert.True(t, errors.Is(tr.Train(ctx, 0, 10), context.Canceled))
}

func TestSchedulerHook(t *testing.T) {
	opt := &fakeOptimizer{}
	sched := &WarmupMultiStep{Base: 1, Steps: []int{2}, Gamma: 0.1}
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, opt, SwinConfig(false), NewSchedulerHook(opt, sched), NewPeriodicWriter(2))
	require.NoError(t, tr.Train(context.Background(), 0, 4))
	require.Len(t, opt.lrs, 4)
	assert.Equal(t, 1.0, opt.lrs[0])
	assert.Equal(t, 1.0, opt.lrs[1])
	assert.InDelta(t, 0.1, opt.lrs[2], 1e-12)
	assert.InDelta(t, 0.1, opt.lrs[3], 1e-12)
}

func TestEvalLoss(t *testing.T) {
	model := newFakeModel()
	val := &fakeLoader{batches: 2}
	h := NewEvalLossHook(1, model, val)
	loss, err := h.Eval(context.Background())
	require.NoError(t, err)
	// steps 1 and 2 give totals of 1.5 and 1.0
	assert.InDelta(t, 1.25, loss, 1e-12)
	assert.Equal(t, 1, val.resets)

	empty := &fakeLoader{batches: 1, pos: 1}
	h = NewEvalLossHook(1, model, emptyLoader{empty})
	_, err = h.Eval(context.Background())
	assert.Error(t, err)

	// a rank with no validation records skips the val loss
	tr := NewTrainer(model, &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	tr.Rank = 1
	require.NoError(t, h.AfterStep(context.Background(), tr))
	assert.Empty(t, tr.ValLossList)
}

type emptyLoader struct{ *fakeLoader }

func (l emptyLoader) Reset() {}

func TestSaveLosses(t *testing.T) {
	tr, _ := runCadence(t, 2, 6)
	dir := t.TempDir()
	require.NoError(t, tr.SaveLosses(dir, "test"))

	losses, err := LoadLossHistory(filepath.Join(dir, "test_losses.npy"))
	require.NoError(t, err)
	assert.Equal(t, tr.LossList, losses)
	vals, err := LoadLossHistory(filepath.Join(dir, "test_val_losses"))
	require.NoError(t, err)
	assert.Equal(t, tr.ValLossList, vals)
	assert.Len(t, vals, 3)
}

func TestLoadLosses(t *testing.T) {
	dir := t.TempDir()
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	require.NoError(t, tr.LoadLosses(dir, "test", 3))
	assert.Empty(t, tr.LossList)

	require.NoError(t, SaveLossHistory(filepath.Join(dir, "test_losses"), []float64{4, 3, 2, 1}))
	require.NoError(t, SaveLossHistory(filepath.Join(dir, "test_val_losses"), []float64{2.5}))
	require.NoError(t, tr.LoadLosses(dir, "test", 3))
	assert.Equal(t, []float64{4, 3, 2}, tr.LossList)
	assert.Equal(t, []float64{2.5}, tr.ValLossList)

	require.NoError(t, tr.Train(context.Background(), 3, 5))
	assert.Len(t, tr.LossList, 5)
	assert.Equal(t, []float64{4, 3, 2}, tr.LossList[:3])
}

func TestSaveLossesRank1(t *testing.T) {
	tr, _ := runCadence(t, 2, 4)
	tr.Rank = 1
	dir := t.TempDir()
	require.NoError(t, tr.SaveLosses(dir, "test"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	model := newFakeModel()
	ckpt := NewCheckpointer(model, dir, "test", 1)
	path, err := ckpt.Save(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, model.saves)
}

func TestSaveEmptyHistory(t *testing.T) {
	dir := t.TempDir()
	tr := NewTrainer(newFakeModel(), &fakeLoader{}, &fakeOptimizer{}, SwinConfig(false))
	require.NoError(t, tr.SaveLosses(dir, "empty"))
	vals, err := LoadLossHistory(filepath.Join(dir, "empty_val_losses.npy"))
	require.NoError(t, err)
	assert.Empty(t, vals)
}
