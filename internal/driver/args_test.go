package driver

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/grantmerz/astrodet/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, argv ...string) *Args {
	t.Helper()
	var a Args
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	a.Flags(fs)
	require.NoError(t, fs.Parse(argv))
	return &a
}

func TestFlags(t *testing.T) {
	a := parseArgs(t)
	assert.Equal(t, "auto", a.DistURL)
	assert.Equal(t, 1, a.NumGPUs)
	assert.Equal(t, "swin", a.ModName)
	assert.Equal(t, 1000, a.TL)

	a = parseArgs(t, "-num-gpus", "4", "-num-machines", "2", "-machine-rank", "1", "-dist-url", "tcp://host:1234",
		"-data-dir", "/data", "-train-file", "/data/train.json")
	opts := a.LaunchOptions()
	assert.Equal(t, 4, opts.NumGPUs)
	assert.Equal(t, 2, opts.NumMachines)
	assert.Equal(t, 1, opts.MachineRank)
	assert.Equal(t, "tcp://host:1234", opts.DistURL)
	assert.Equal(t, 8, opts.WorldSize())

	train, test := a.Manifests()
	assert.Equal(t, "/data/train.json", train)
	assert.Equal(t, filepath.Join("/data", DefaultManifest), test)
}

func TestParseAlphas(t *testing.T) {
	alphas, err := ParseAlphas("1, 0.5,2")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0.5, 2}, alphas)
	alphas, err = ParseAlphas("")
	require.NoError(t, err)
	assert.Empty(t, alphas)
	_, err = ParseAlphas("1,x")
	assert.Error(t, err)
}

func TestBuilder(t *testing.T) {
	a := parseArgs(t, "-modname", "mvitv2", "-dtype", "16", "-norm", "zscale", "-alphas", "2,3", "-scheme", "2",
		"-run-name", "mv", "-tl", "100", "-seed", "42")
	cfg, err := a.Builder(false).Build()
	require.NoError(t, err)
	assert.Equal(t, nnet.MViTv2, cfg.Model.Name)
	assert.Equal(t, 16, cfg.Input.DType)
	assert.Equal(t, "zscale", cfg.Input.Norm)
	assert.Equal(t, []float64{2, 3}, cfg.Loss.Alphas)
	assert.Equal(t, 2, cfg.Loss.Scheme)
	assert.Equal(t, "mv", cfg.Train.RunName)
	assert.Equal(t, int64(42), cfg.Train.Seed)
	assert.Equal(t, 25, cfg.EpochIters())

	// head training solver settings
	assert.Equal(t, 0.001, cfg.Solver.BaseLR)
	assert.Empty(t, cfg.Solver.Steps)
	assert.Equal(t, nnet.WarmupMultiStepLR, cfg.Solver.Scheduler)
	assert.Equal(t, 0, cfg.Solver.WarmupIters)

	// redshift defaults survive when no dtype or norm is given
	cfg, err = parseArgs(t).Builder(true).Build()
	require.NoError(t, err)
	assert.True(t, cfg.Model.Redshift)
	assert.Equal(t, "raw", cfg.Input.Norm)
	assert.Equal(t, 6, cfg.Input.NumBands)
}

func TestBuilderOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(overlay, []byte(`{"Solver": {"BaseLR": 0.02, "Steps": [10, 20]}}`), 0644))
	a := parseArgs(t, "-config", overlay, "-run-name", "flag_wins")
	cfg, err := a.Builder(false).Build()
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.Solver.BaseLR)
	assert.Equal(t, []int{10, 20}, cfg.Solver.Steps)
	assert.Equal(t, "flag_wins", cfg.Train.RunName)
}

func TestBuilderErrors(t *testing.T) {
	for _, argv := range [][]string{
		{"-modname", "resnet"},
		{"-alphas", "1,two"},
		{"-dtype", "12"},
		{"-norm", "sqrt"},
		{"-config", "/nonexistent/overlay.json"},
	} {
		_, err := parseArgs(t, argv...).Builder(false).Build()
		assert.Error(t, err, "%v", argv)
	}
}
