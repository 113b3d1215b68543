package nnet

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/grantmerz/astrodet/num"
	"github.com/pkg/errors"
)

// Trainer lifecycle
type State int

const (
	Constructing State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Constructing:
		return "constructing"
	case Running:
		return "running"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Hook is called by the trainer at iteration boundaries, in the order the hooks were given.
type Hook interface {
	BeforeTrain(ctx context.Context, t *Trainer) error
	AfterStep(ctx context.Context, t *Trainer) error
	AfterTrain(ctx context.Context, t *Trainer) error
}

// HookBase implements the Hook interface with no-op methods.
type HookBase struct{}

func (HookBase) BeforeTrain(ctx context.Context, t *Trainer) error { return nil }

func (HookBase) AfterStep(ctx context.Context, t *Trainer) error { return nil }

func (HookBase) AfterTrain(ctx context.Context, t *Trainer) error { return nil }

// PeriodicHook is embedded by hooks which run every Period iterations. A period of zero uses the trainer's period.
type PeriodicHook struct {
	HookBase
	Period int
}

// Due is true if the hook should fire after the current iteration: when the number of completed iterations
// is a multiple of the period, and always after the final iteration.
func (h *PeriodicHook) Due(t *Trainer) bool {
	period := h.Period
	if period <= 0 {
		period = t.Period()
	}
	i := t.Iter
	return (period > 0 && (i+1)%period == 0) || i == t.EndIter-1
}

// Trainer runs the training loop: for each iteration it fetches a batch, has the model compute the losses,
// steps the optimizer and then calls each hook.
type Trainer struct {
	Model     Model
	Loader    BatchSource
	Optimizer Optimizer
	Config    Config
	Hooks     []Hook
	// Rank of this process, only rank 0 writes shared files.
	Rank        int
	Iter        int
	StartIter   int
	EndIter     int
	LossList    []float64
	ValLossList []float64
	Latest      Losses
	Started     time.Time
	period      int
	state       State
}

// NewTrainer creates a trainer in the constructing state.
func NewTrainer(model Model, loader BatchSource, optimizer Optimizer, cfg Config, hooks ...Hook) *Trainer {
	return &Trainer{
		Model:     model,
		Loader:    loader,
		Optimizer: optimizer,
		Config:    cfg,
		Hooks:     hooks,
		period:    cfg.Train.EvalPeriod,
	}
}

func (t *Trainer) State() State { return t.state }

func (t *Trainer) Period() int { return t.period }

// SetPeriod sets the default evaluation and checkpoint cadence. It must be called before Train.
func (t *Trainer) SetPeriod(n int) error {
	if t.state != Constructing {
		return errors.Wrapf(ErrNotConstructing, "SetPeriod called while %s", t.state)
	}
	if n < 0 {
		return errors.Errorf("invalid period %d", n)
	}
	t.period = n
	return nil
}

// Register appends hooks. Like SetPeriod it is only valid before training starts.
func (t *Trainer) Register(hooks ...Hook) error {
	if t.state != Constructing {
		return errors.Wrapf(ErrNotConstructing, "Register called while %s", t.state)
	}
	t.Hooks = append(t.Hooks, hooks...)
	return nil
}

// IsMain is true for the rank 0 process.
func (t *Trainer) IsMain() bool { return t.Rank == 0 }

// Train runs iterations start to end-1. Any error from the loader, the model engine or a hook stops training.
// A trainer can only be run once.
func (t *Trainer) Train(ctx context.Context, start, end int) (err error) {
	switch t.state {
	case Running:
		return errors.Wrap(ErrNotConstructing, "trainer is already running")
	case Finished:
		return ErrFinished
	}
	if start < 0 || end < start {
		return errors.Errorf("invalid iteration range %d to %d", start, end)
	}
	t.state = Running
	t.StartIter, t.EndIter, t.Iter = start, end, start
	t.Started = time.Now()
	defer func() { t.state = Finished }()

	log.Printf("starting training from iteration %d to %d", start, end)
	for _, h := range t.Hooks {
		if err = h.BeforeTrain(ctx, t); err != nil {
			return errors.Wrap(err, "before train hook failed")
		}
	}
	for t.Iter = start; t.Iter < end; t.Iter++ {
		if err = ctx.Err(); err != nil {
			return errors.Wrapf(err, "training stopped at iteration %d", t.Iter)
		}
		if err = t.step(ctx); err != nil {
			return errors.Wrapf(err, "iteration %d", t.Iter)
		}
		for _, h := range t.Hooks {
			if err = h.AfterStep(ctx, t); err != nil {
				return errors.Wrapf(err, "iteration %d: hook failed", t.Iter)
			}
		}
	}
	t.Iter = end
	for _, h := range t.Hooks {
		if err = h.AfterTrain(ctx, t); err != nil {
			return errors.Wrap(err, "after train hook failed")
		}
	}
	log.Printf("training finished after %s", time.Since(t.Started).Round(time.Second))
	return nil
}

func (t *Trainer) step(ctx context.Context) error {
	batch, err := t.Loader.Next(ctx)
	if err != nil {
		return errors.Wrap(err, "error loading batch")
	}
	losses, err := t.Model.Losses(ctx, batch)
	if err != nil {
		return errors.Wrap(err, "error computing losses")
	}
	t.Latest = losses
	t.LossList = append(t.LossList, losses.Total())
	return t.Optimizer.Step(ctx)
}

// AddValLoss appends the mean validation loss from an evaluation.
func (t *Trainer) AddValLoss(loss float64) {
	t.ValLossList = append(t.ValLossList, loss)
}

// SaveLosses writes <run>_losses.npy and <run>_val_losses.npy to dir. It does nothing on ranks other than 0.
func (t *Trainer) SaveLosses(dir, run string) error {
	if !t.IsMain() {
		return nil
	}
	if err := SaveLossHistory(filepath.Join(dir, run+"_losses"), t.LossList); err != nil {
		return err
	}
	return SaveLossHistory(filepath.Join(dir, run+"_val_losses"), t.ValLossList)
}

// LoadLosses restores the loss histories saved by SaveLosses when resuming from iteration start.
// Missing files are ignored and training losses past start are dropped.
func (t *Trainer) LoadLosses(dir, run string, start int) error {
	losses, err := LoadLossHistory(filepath.Join(dir, run+"_losses"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	t.LossList = losses[:min(len(losses), start)]
	vals, err := LoadLossHistory(filepath.Join(dir, run+"_val_losses"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	t.ValLossList = vals
	return nil
}

// SaveLossHistory writes the values as a 1d float64 .npy file.
func SaveLossHistory(name string, values []float64) error {
	if values == nil {
		values = []float64{}
	}
	if err := num.SaveNpy(name, num.FromSlice(values)); err != nil {
		return errors.Wrap(err, "error saving loss history")
	}
	return nil
}

// LoadLossHistory reads a loss history file written by SaveLossHistory.
func LoadLossHistory(name string) ([]float64, error) {
	a, err := num.LoadNpy(num.NpyPath(name))
	if err != nil {
		return nil, errors.Wrap(err, "error loading loss history")
	}
	if len(a.Dims()) != 1 {
		return nil, errors.Errorf("loss history %s: expecting 1d array, got shape %v", name, a.Dims())
	}
	return a.Data, nil
}
