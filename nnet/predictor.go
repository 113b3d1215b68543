package nnet

import (
	"context"
	"log"
	"sync"

	"github.com/grantmerz/astrodet/img"
	"github.com/pkg/errors"
)

// Predictor runs single image inference with a trained model.
type Predictor struct {
	Model   Model
	Config  Config
	mu      sync.RWMutex
	weights string
}

// NewPredictor wraps the model, loading Train.InitCheckpoint from the config if it is set.
func NewPredictor(ctx context.Context, model Model, cfg Config) (*Predictor, error) {
	p := &Predictor{Model: model, Config: cfg}
	if cfg.Train.InitCheckpoint != "" {
		if err := p.Load(ctx, cfg.Train.InitCheckpoint); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Load reads the model weights from a checkpoint file.
func (p *Predictor) Load(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Model.Load(ctx, path); err != nil {
		return errors.Wrapf(err, "error loading weights from %s", path)
	}
	p.weights = path
	log.Printf("predictor: loaded weights from %s", path)
	return nil
}

// Weights returns the checkpoint which was loaded, or an empty string.
func (p *Predictor) Weights() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.weights
}

// Predict returns the detections for the image. ErrNoWeights is returned if no checkpoint has been loaded.
func (p *Predictor) Predict(ctx context.Context, m *img.Image) (*Instances, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.weights == "" {
		return nil, ErrNoWeights
	}
	if m == nil || len(m.Pix) == 0 {
		return nil, errors.New("predict: empty image")
	}
	out, err := p.Model.Predict(ctx, m)
	if err != nil {
		return nil, errors.Wrap(err, "predict failed")
	}
	return out, nil
}

// GetPredictions reads the image for a record and returns the detections.
func GetPredictions(ctx context.Context, r *Record, keyMapper KeyMapper, reader img.Reader, p *Predictor) (*Instances, error) {
	key, err := keyMapper(r)
	if err != nil {
		return nil, err
	}
	m, err := reader.Read(key)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", r.ImageID)
	}
	return p.Predict(ctx, m)
}
