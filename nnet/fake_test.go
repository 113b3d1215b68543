package nnet

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grantmerz/astrodet/img"
	"github.com/pkg/errors"
)

// fakeModel stands in for the model engine and records the calls made to it.
type fakeModel struct {
	mu        sync.Mutex
	steps     int
	saves     []string
	loaded    string
	device    string
	trainable map[string]bool
	lossErr   error
}

func newFakeModel() *fakeModel {
	return &fakeModel{trainable: map[string]bool{
		"backbone.stem":    true,
		"roi_heads.box":    true,
		"roi_heads.mask":   true,
		"proposal.anchors": true,
	}}
}

func (m *fakeModel) Losses(ctx context.Context, batch Batch) (Losses, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lossErr != nil {
		return nil, m.lossErr
	}
	m.steps++
	return Losses{"loss_cls": 0.5, "loss_box_reg": 1 / float64(m.steps)}, nil
}

func (m *fakeModel) Predict(ctx context.Context, im *img.Image) (*Instances, error) {
	return &Instances{Height: im.Height, Width: im.Width, Boxes: [][4]float64{{0, 0, 1, 1}}, Classes: []int{1},
		Scores: []float64{0.9}}, nil
}

func (m *fakeModel) Parameters(ctx context.Context) ([]Parameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var params []Parameter
	for name, on := range m.trainable {
		params = append(params, Parameter{Name: name, Shape: []int{1}, Trainable: on})
	}
	return params, nil
}

func (m *fakeModel) SetTrainable(ctx context.Context, prefix string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.trainable {
		if strings.HasPrefix(name, prefix) {
			m.trainable[name] = on
		}
	}
	return nil
}

func (m *fakeModel) To(ctx context.Context, device string) error {
	m.device = device
	return nil
}

func (m *fakeModel) Save(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, path)
	return os.WriteFile(path, []byte("weights"), 0644)
}

func (m *fakeModel) Load(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	m.loaded = path
	return nil
}

type fakeOptimizer struct {
	steps int
	lr    float64
	lrs   []float64
}

func (o *fakeOptimizer) Step(ctx context.Context) error {
	o.steps++
	o.lrs = append(o.lrs, o.lr)
	return nil
}

func (o *fakeOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *fakeOptimizer) LR() float64 { return o.lr }

// fakeLoader returns a fixed number of empty batches per pass.
type fakeLoader struct {
	batches int
	pos     int
	resets  int
}

func (l *fakeLoader) Next(ctx context.Context) (Batch, error) {
	if l.batches > 0 && l.pos >= l.batches {
		return nil, io.EOF
	}
	l.pos++
	return Batch{&Example{ImageID: l.pos}}, nil
}

func (l *fakeLoader) Reset() {
	l.pos = 0
	l.resets++
}

// recordHook appends its name on each step so the call order can be checked.
type recordHook struct {
	HookBase
	name  string
	calls *[]string
	err   error
}

func (h recordHook) AfterStep(ctx context.Context, t *Trainer) error {
	*h.calls = append(*h.calls, h.name)
	return h.err
}

var errHook = errors.New("hook failed")
