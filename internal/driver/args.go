// Package driver has the command line handling and run setup shared by the training programs.
package driver

import (
	"flag"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grantmerz/astrodet/dist"
	"github.com/grantmerz/astrodet/nnet"
	"github.com/pkg/errors"
)

// DefaultManifest is used for the train and test sets if no file is given.
const DefaultManifest = "single_test.json"

// Args holds the command line options for a training run.
type Args struct {
	NumGPUs     int
	NumMachines int
	MachineRank int
	DistURL     string
	OutputDir   string
	RunName     string
	DataDir     string
	ModName     string
	DType       int
	Scheme      int
	Alphas      string
	Norm        string
	TL          int
	Config      string
	Worker      string
	HTTP        string
	Auth        string
	TrainFile   string
	TestFile    string
	Seed        int64
	Resume      bool
	HeadOnly    bool
}

// Flags registers the options with the flag set.
func (a *Args) Flags(fs *flag.FlagSet) {
	fs.IntVar(&a.NumGPUs, "num-gpus", 1, "number of GPUs per machine")
	fs.IntVar(&a.NumMachines, "num-machines", 1, "total number of machines")
	fs.IntVar(&a.MachineRank, "machine-rank", 0, "rank of this machine")
	fs.StringVar(&a.DistURL, "dist-url", "auto", "initialization URL for distributed training")
	fs.StringVar(&a.OutputDir, "output-dir", "./", "output directory for checkpoints and losses")
	fs.StringVar(&a.RunName, "run-name", "Swin_test", "output name for the run")
	fs.StringVar(&a.DataDir, "data-dir", "/home/shared/hsc/HSC/HSC_DR3/data/", "directory with the data and manifests")
	fs.StringVar(&a.ModName, "modname", "swin", "model backbone: swin or mvitv2")
	fs.IntVar(&a.DType, "dtype", 0, "image depth after normalisation: 8 or 16, 0 for the config default")
	fs.IntVar(&a.Scheme, "scheme", 1, "classification scheme")
	fs.StringVar(&a.Alphas, "alphas", "1,1", "comma separated loss weights")
	fs.StringVar(&a.Norm, "norm", "", "image normalisation: raw, lupton, zscale or astrofix, blank for the config default")
	fs.IntVar(&a.TL, "tl", 1000, "number of images in the training set")
	fs.StringVar(&a.Config, "config", "", "JSON file with config overrides")
	fs.StringVar(&a.Worker, "worker", "ws://localhost:8765/ws", "model worker websocket URL")
	fs.StringVar(&a.HTTP, "http", "", "serve the training monitor on this address")
	fs.StringVar(&a.Auth, "auth", "", "user:password required by the training monitor")
	fs.StringVar(&a.TrainFile, "train-file", "", "training manifest, default <data-dir>/"+DefaultManifest)
	fs.StringVar(&a.TestFile, "test-file", "", "test manifest, default <data-dir>/"+DefaultManifest)
	fs.Int64Var(&a.Seed, "seed", 0, "random number seed, 0 to pick from the clock")
	fs.BoolVar(&a.Resume, "resume", false, "resume from the last checkpoint in the output directory")
	fs.BoolVar(&a.HeadOnly, "head-only", false, "freeze all but the trainable head layers")
}

// LaunchOptions returns the settings for dist.Launch.
func (a *Args) LaunchOptions() dist.Options {
	return dist.Options{NumGPUs: a.NumGPUs, NumMachines: a.NumMachines, MachineRank: a.MachineRank, DistURL: a.DistURL}
}

// Manifests returns the train and test manifest paths.
func (a *Args) Manifests() (train, test string) {
	train, test = a.TrainFile, a.TestFile
	if train == "" {
		train = filepath.Join(a.DataDir, DefaultManifest)
	}
	if test == "" {
		test = filepath.Join(a.DataDir, DefaultManifest)
	}
	return train, test
}

// ParseAlphas converts a comma separated list of loss weights.
func ParseAlphas(s string) ([]float64, error) {
	var alphas []float64
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid alphas %q", s)
		}
		alphas = append(alphas, x)
	}
	return alphas, nil
}

// Builder assembles the run config: model defaults, then head training solver settings, then the JSON
// overlay and finally the command line options.
func (a *Args) Builder(redshift bool) *nnet.Builder {
	name, err := nnet.ParseModelName(a.ModName)
	if err != nil {
		// records the parse error
		return nnet.NewBuilder(nnet.Swin, redshift).SetString("Model.Name", a.ModName)
	}
	alphas, alphaErr := ParseAlphas(a.Alphas)
	b := nnet.NewBuilder(name, redshift).Set(func(c *nnet.Config) {
		c.Solver.BaseLR = 0.001
		c.Solver.Steps = nil
		c.Solver.Scheduler = nnet.WarmupMultiStepLR
		c.Solver.WarmupIters = 0
	}).LoadOverlay(a.Config).Set(func(c *nnet.Config) {
		c.Train.OutputDir = a.OutputDir
		c.Train.RunName = a.RunName
		c.Datasets.DataDir = a.DataDir
		c.Datasets.TrainFile, c.Datasets.TestFile = a.Manifests()
		c.Loss.Scheme = a.Scheme
		c.DataLoader.TrainLen = a.TL
		if a.Seed != 0 {
			c.Train.Seed = a.Seed
		}
		if alphaErr == nil && len(alphas) > 0 {
			c.Loss.Alphas = alphas
		}
	})
	if alphaErr != nil {
		b.SetString("Loss.Alphas", a.Alphas)
	}
	if a.DType != 0 {
		b.SetString("Input.DType", strconv.Itoa(a.DType))
	}
	if a.Norm != "" {
		b.SetString("Input.Norm", a.Norm)
	}
	return b
}
