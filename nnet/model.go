package nnet

import (
	"context"
	"log"
	"sort"

	"github.com/grantmerz/astrodet/img"
	"github.com/pkg/errors"
)

// Losses maps loss names to their values for one step.
type Losses map[string]float64

// Total returns the sum of all loss terms.
func (l Losses) Total() float64 {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += l[k]
	}
	return sum
}

// Parameter describes one weight tensor held by the model engine.
type Parameter struct {
	Name      string
	Shape     []int
	Trainable bool
}

// Model is the interface to the external model engine which owns the network weights, computes losses and
// gradients and runs inference.
type Model interface {
	// Losses runs a forward and backward pass on the batch and returns the loss terms.
	Losses(ctx context.Context, batch Batch) (Losses, error)
	Predict(ctx context.Context, m *img.Image) (*Instances, error)
	Parameters(ctx context.Context) ([]Parameter, error)
	// SetTrainable enables or disables gradients for every parameter whose name starts with prefix.
	SetTrainable(ctx context.Context, prefix string, on bool) error
	To(ctx context.Context, device string) error
	Save(ctx context.Context, path string) error
	Load(ctx context.Context, path string) error
}

// Optimizer applies the accumulated gradients.
type Optimizer interface {
	Step(ctx context.Context) error
	SetLR(lr float64)
	LR() float64
}

// ModelBuilder constructs a model and its optimizer from the config.
type ModelBuilder func(ctx context.Context, cfg Config) (Model, Optimizer, error)

// ModelBuilders maps each supported model to its constructor.
type ModelBuilders map[ModelName]ModelBuilder

// Build constructs the model named in the config.
func (b ModelBuilders) Build(ctx context.Context, cfg Config) (Model, Optimizer, error) {
	fn, ok := b[cfg.Model.Name]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownModel, "no builder for %s", cfg.Model.Name)
	}
	return fn(ctx, cfg)
}

// Freeze disables training for all parameters except those under the trainable prefixes.
// Returns the number of trainable parameters.
func Freeze(ctx context.Context, model Model, trainable ...string) (int, error) {
	if err := model.SetTrainable(ctx, "", false); err != nil {
		return 0, errors.Wrap(err, "error freezing model")
	}
	for _, prefix := range trainable {
		if err := model.SetTrainable(ctx, prefix, true); err != nil {
			return 0, errors.Wrapf(err, "error unfreezing %s", prefix)
		}
	}
	params, err := model.Parameters(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range params {
		if p.Trainable {
			n++
		}
	}
	log.Printf("freeze: %d of %d parameters trainable %v", n, len(params), trainable)
	return n, nil
}
