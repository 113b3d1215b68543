package nnet

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/grantmerz/astrodet/stats"
	"github.com/pkg/errors"
)

// SchedulerHook sets the optimizer learning rate from the schedule before each step.
type SchedulerHook struct {
	HookBase
	Optimizer Optimizer
	Schedule  Schedule
}

func NewSchedulerHook(opt Optimizer, sched Schedule) *SchedulerHook {
	return &SchedulerHook{Optimizer: opt, Schedule: sched}
}

func (h *SchedulerHook) BeforeTrain(ctx context.Context, t *Trainer) error {
	h.Optimizer.SetLR(h.Schedule.Value(t.StartIter))
	return nil
}

func (h *SchedulerHook) AfterStep(ctx context.Context, t *Trainer) error {
	h.Optimizer.SetLR(h.Schedule.Value(t.Iter + 1))
	return nil
}

// EvalSource is a finite loader which can be rewound.
type EvalSource interface {
	BatchSource
	Reset()
}

var errNoValBatches = errors.New("validation loader returned no batches")

// EvalLossHook computes the mean loss over the validation set and adds it to the trainer's history.
type EvalLossHook struct {
	PeriodicHook
	Model  Model
	Loader EvalSource
}

func NewEvalLossHook(period int, model Model, loader EvalSource) *EvalLossHook {
	return &EvalLossHook{PeriodicHook: PeriodicHook{Period: period}, Model: model, Loader: loader}
}

func (h *EvalLossHook) AfterStep(ctx context.Context, t *Trainer) error {
	if !h.Due(t) {
		return nil
	}
	avg, err := h.eval(ctx)
	if errors.Is(err, errNoValBatches) {
		log.Printf("rank %d: iter %d: no validation data on this rank", t.Rank, t.Iter)
		return nil
	}
	if err != nil {
		return err
	}
	t.AddValLoss(avg.Mean)
	if t.IsMain() {
		log.Printf("iter %d: validation loss = %s over %.0f batches", t.Iter, avg, avg.Count)
	}
	return nil
}

// Eval returns the mean total loss over one pass of the validation loader.
func (h *EvalLossHook) Eval(ctx context.Context) (float64, error) {
	avg, err := h.eval(ctx)
	return avg.Mean, err
}

func (h *EvalLossHook) eval(ctx context.Context) (*stats.Average, error) {
	h.Loader.Reset()
	avg := new(stats.Average)
	for {
		batch, err := h.Loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return avg, errors.Wrap(err, "error loading validation batch")
		}
		losses, err := h.Model.Losses(ctx, batch)
		if err != nil {
			return avg, errors.Wrap(err, "error computing validation loss")
		}
		avg.Add(losses.Total())
	}
	if avg.Count == 0 {
		return avg, errNoValBatches
	}
	return avg, nil
}

// SaveHook writes a checkpoint periodically.
type SaveHook struct {
	PeriodicHook
	Checkpointer *Checkpointer
}

func NewSaveHook(period int, c *Checkpointer) *SaveHook {
	return &SaveHook{PeriodicHook: PeriodicHook{Period: period}, Checkpointer: c}
}

func (h *SaveHook) AfterStep(ctx context.Context, t *Trainer) error {
	if !h.Due(t) {
		return nil
	}
	_, err := h.Checkpointer.Save(ctx, t.Iter)
	return err
}

// PeriodicWriter logs the smoothed training loss and learning rate. Only the rank 0 process logs.
type PeriodicWriter struct {
	PeriodicHook
	History *stats.History
	last    time.Time
}

func NewPeriodicWriter(period int) *PeriodicWriter {
	return &PeriodicWriter{PeriodicHook: PeriodicHook{Period: period}, History: stats.NewHistory(20)}
}

func (h *PeriodicWriter) BeforeTrain(ctx context.Context, t *Trainer) error {
	h.last = time.Now()
	return nil
}

func (h *PeriodicWriter) AfterStep(ctx context.Context, t *Trainer) error {
	if n := len(t.LossList); n > 0 {
		h.History.Add(t.LossList[n-1])
	}
	if !h.Due(t) || !t.IsMain() {
		return nil
	}
	lr := 0.0
	if t.Optimizer != nil {
		lr = t.Optimizer.LR()
	}
	log.Printf("iter %d/%d: loss = %.4f (median %.4f) lr = %.3g elapsed %s step %s", t.Iter+1, t.EndIter,
		h.History.Smoothed(), h.History.Median(0), lr, time.Since(t.Started).Round(time.Second),
		time.Since(h.last).Round(time.Millisecond))
	h.last = time.Now()
	return nil
}
