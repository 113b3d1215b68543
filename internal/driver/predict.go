package driver

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"strconv"

	"github.com/grantmerz/astrodet/nnet"
	"github.com/grantmerz/astrodet/worker"
	"github.com/pkg/errors"
)

// PredictArgs holds the command line options for running inference over a manifest.
type PredictArgs struct {
	ModName  string
	Config   string
	Weights  string
	DataDir  string
	TestFile string
	Worker   string
	Output   string
	Norm     string
	DType    int
	Redshift bool
	Device   string
}

func (a *PredictArgs) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.ModName, "modname", "swin", "model backbone: swin or mvitv2")
	fs.StringVar(&a.Config, "config", "", "JSON file with config overrides")
	fs.StringVar(&a.Weights, "weights", "", "checkpoint file with the trained weights")
	fs.StringVar(&a.DataDir, "data-dir", "./", "directory with the data and manifests")
	fs.StringVar(&a.TestFile, "test-file", "", "manifest to predict, default <data-dir>/"+DefaultManifest)
	fs.StringVar(&a.Worker, "worker", "ws://localhost:8765/ws", "model worker websocket URL")
	fs.StringVar(&a.Output, "output", "", "write predictions to this file, default stdout")
	fs.StringVar(&a.Norm, "norm", "", "image normalisation, blank for the config default")
	fs.IntVar(&a.DType, "dtype", 0, "image depth after normalisation: 8 or 16, 0 for the config default")
	fs.BoolVar(&a.Redshift, "redshift", false, "DC2 layout with redshift head")
	fs.StringVar(&a.Device, "device", "cuda:0", "device to run the model on")
}

func (a *PredictArgs) builder() *nnet.Builder {
	name, err := nnet.ParseModelName(a.ModName)
	if err != nil {
		return nnet.NewBuilder(nnet.Swin, a.Redshift).SetString("Model.Name", a.ModName)
	}
	b := nnet.NewBuilder(name, a.Redshift).LoadOverlay(a.Config).Set(func(c *nnet.Config) {
		c.Datasets.DataDir = a.DataDir
		_, c.Datasets.TestFile = (&Args{DataDir: a.DataDir, TestFile: a.TestFile}).Manifests()
		if a.Weights != "" {
			c.Train.InitCheckpoint = a.Weights
		}
	})
	if a.DType != 0 {
		b.SetString("Input.DType", strconv.Itoa(a.DType))
	}
	if a.Norm != "" {
		b.SetString("Input.Norm", a.Norm)
	}
	return b
}

// Prediction is one line of output.
type Prediction struct {
	ImageID   int             `json:"image_id"`
	FileName  string          `json:"file_name"`
	Instances *nnet.Instances `json:"instances"`
}

// Predict runs the model over each record in the test manifest, writing one JSON object per line.
// Returns the number of records processed.
func Predict(ctx context.Context, a *PredictArgs, builders nnet.ModelBuilders, w io.Writer) (int, error) {
	cfg, err := a.builder().Build()
	if err != nil {
		return 0, err
	}
	records, err := nnet.LoadManifest(cfg.Datasets.TestFile)
	if err != nil {
		return 0, err
	}
	if builders == nil {
		builders = worker.Builders(a.Worker)
	}
	model, _, err := builders.Build(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer closeModel(model)
	if err := model.To(ctx, a.Device); err != nil {
		return 0, errors.Wrap(err, "error moving model to device")
	}
	p, err := nnet.NewPredictor(ctx, model, cfg)
	if err != nil {
		return 0, err
	}
	layout := HSC
	if a.Redshift {
		layout = DC2
	}
	reader, err := layout.Reader(cfg)
	if err != nil {
		return 0, err
	}
	keyMapper := layout.KeyMapper(cfg)
	enc := json.NewEncoder(w)
	for i, r := range records {
		out, err := nnet.GetPredictions(ctx, r, keyMapper, reader, p)
		if err != nil {
			return i, err
		}
		if err := enc.Encode(Prediction{ImageID: r.ImageID, FileName: r.FileName, Instances: out}); err != nil {
			return i, errors.Wrap(err, "error writing predictions")
		}
		if (i+1)%100 == 0 {
			log.Printf("predicted %d of %d images", i+1, len(records))
		}
	}
	return len(records), nil
}
