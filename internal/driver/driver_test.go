package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grantmerz/astrodet/dist"
	"github.com/grantmerz/astrodet/img"
	"github.com/grantmerz/astrodet/nnet"
	"github.com/grantmerz/astrodet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engine struct {
	mu      sync.Mutex
	batches int
	bands   []int
	device  string
	loaded  string
	frozen  bool
	closed  int
}

func (e *engine) Losses(ctx context.Context, batch nnet.Batch) (nnet.Losses, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches++
	for _, ex := range batch {
		e.bands = append(e.bands, ex.Image.Bands)
	}
	return nnet.Losses{"loss_cls": 1 / float64(e.batches), "loss_box_reg": 0.1}, nil
}

func (e *engine) Predict(ctx context.Context, m *img.Image) (*nnet.Instances, error) {
	return &nnet.Instances{Height: m.Height, Width: m.Width, Boxes: [][4]float64{{1, 1, 3, 4}}, Classes: []int{1},
		Scores: []float64{0.75}}, nil
}

func (e *engine) Parameters(ctx context.Context) ([]nnet.Parameter, error) { return nil, nil }

func (e *engine) SetTrainable(ctx context.Context, prefix string, on bool) error {
	if prefix == "" && !on {
		e.frozen = true
	}
	return nil
}

func (e *engine) To(ctx context.Context, device string) error {
	e.device = device
	return nil
}

func (e *engine) Save(ctx context.Context, path string) error {
	return os.WriteFile(path, []byte("weights"), 0644)
}

func (e *engine) Load(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	e.loaded = path
	return nil
}

func (e *engine) Close() error {
	e.closed++
	return nil
}

type sgd struct{ lr float64 }

func (o *sgd) Step(ctx context.Context) error { return nil }

func (o *sgd) SetLR(lr float64) { o.lr = lr }

func (o *sgd) LR() float64 { return o.lr }

func fakeBuilders(e *engine) nnet.ModelBuilders {
	build := func(ctx context.Context, cfg nnet.Config) (nnet.Model, nnet.Optimizer, error) {
		return e, &sgd{lr: cfg.Solver.BaseLR}, nil
	}
	return nnet.ModelBuilders{nnet.Swin: build, nnet.MViTv2: build}
}

func writeFITS(t *testing.T, path string, w, h, bands int) {
	t.Helper()
	m := img.NewImage(w, h, bands)
	for i := range m.Pix {
		m.Pix[i] = float32(i%11) + 1
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, img.EncodeFITS(f, m, nil))
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func hscData(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var records []map[string]interface{}
	for id := 1; id <= 3; id++ {
		rec := map[string]interface{}{"image_id": id, "height": 6, "width": 8, "file_name": "", "annotations": []interface{}{
			map[string]interface{}{"bbox": []float64{1, 1, 2, 3}, "bbox_mode": 1, "category_id": 1,
				"segmentation": [][]float64{{1, 1, 3, 1, 3, 4}}},
		}}
		for _, band := range []string{"G", "R", "I"} {
			name := band + strings.Repeat("x", id) + ".fits"
			writeFITS(t, filepath.Join(dir, name), 8, 6, 1)
			rec["filename_"+band] = name
		}
		rec["file_name"] = rec["filename_R"]
		records = append(records, rec)
	}
	writeJSON(t, filepath.Join(dir, DefaultManifest), records)
	return dir
}

func TestRunHSC(t *testing.T) {
	dir := hscData(t)
	out := t.TempDir()
	overlay := filepath.Join(out, "overlay.json")
	writeJSON(t, overlay, map[string]interface{}{"Train": map[string]interface{}{"MaxIter": 4}})

	e := &engine{}
	args := parseArgs(t, "-num-gpus", "0", "-data-dir", dir, "-output-dir", out, "-run-name", "hsc", "-tl", "3",
		"-config", overlay, "-head-only", "-seed", "1")
	r := &Runner{Args: args, Layout: HSC, Builders: fakeBuilders(e)}
	require.NoError(t, r.Run(context.Background(), dist.Info{WorldSize: 1}))

	assert.Equal(t, "cpu", e.device)
	assert.True(t, e.frozen)
	assert.Equal(t, 1, e.closed)
	for _, b := range e.bands {
		assert.Equal(t, 3, b)
	}
	losses, err := nnet.LoadLossHistory(filepath.Join(out, "hsc_losses"))
	require.NoError(t, err)
	assert.Len(t, losses, 4)
	val, err := nnet.LoadLossHistory(filepath.Join(out, "hsc_val_losses"))
	require.NoError(t, err)
	assert.Len(t, val, 1)
	assert.FileExists(t, filepath.Join(out, "hsc_0000003.pth"))
	info, err := nnet.LastCheckpoint(out)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Iteration)

	// resume picks up after the last checkpoint, training is already complete so nothing is rewritten
	e2 := &engine{}
	args.Resume = true
	r = &Runner{Args: args, Layout: HSC, Builders: fakeBuilders(e2)}
	require.NoError(t, r.Run(context.Background(), dist.Info{WorldSize: 1}))
	assert.Equal(t, filepath.Join(out, "hsc_0000003.pth"), e2.loaded)
	assert.Zero(t, e2.batches)
	assert.Equal(t, 1, e2.closed)
	after, err := nnet.LoadLossHistory(filepath.Join(out, "hsc_losses"))
	require.NoError(t, err)
	assert.Equal(t, losses, after)

	// extending the run appends to the saved histories
	writeJSON(t, overlay, map[string]interface{}{"Train": map[string]interface{}{"MaxIter": 6}})
	e3 := &engine{}
	r = &Runner{Args: args, Layout: HSC, Builders: fakeBuilders(e3)}
	require.NoError(t, r.Run(context.Background(), dist.Info{WorldSize: 1}))
	after, err = nnet.LoadLossHistory(filepath.Join(out, "hsc_losses"))
	require.NoError(t, err)
	require.Len(t, after, 6)
	assert.Equal(t, losses, after[:4])
	afterVal, err := nnet.LoadLossHistory(filepath.Join(out, "hsc_val_losses"))
	require.NoError(t, err)
	require.Len(t, afterVal, 3)
	assert.Equal(t, val[0], afterVal[0])
	assert.FileExists(t, filepath.Join(out, "hsc_0000005.pth"))
}

func TestRunDC2(t *testing.T) {
	dir := t.TempDir()
	m := img.NewImage(8, 6, 6)
	for i := range m.Pix {
		m.Pix[i] = float32(i % 5)
	}
	require.NoError(t, num.SaveNpy(filepath.Join(dir, "obj1.npy"), m.Array()))
	writeJSON(t, filepath.Join(dir, "train.json"), []interface{}{map[string]interface{}{
		"file_name": "/somewhere/else/obj1.npy", "image_id": 1, "height": 6, "width": 8,
		"annotations": []interface{}{map[string]interface{}{"bbox": []float64{0, 0, 4, 4}, "bbox_mode": 0,
			"category_id": 0, "redshift": 0.7}},
	}})

	out := t.TempDir()
	overlay := filepath.Join(out, "overlay.json")
	writeJSON(t, overlay, map[string]interface{}{"Train": map[string]interface{}{"MaxIter": 2}})
	e := &engine{}
	args := parseArgs(t, "-num-gpus", "0", "-data-dir", dir, "-output-dir", out, "-run-name", "dc2",
		"-train-file", filepath.Join(dir, "train.json"), "-test-file", filepath.Join(dir, "train.json"), "-config", overlay)
	r := &Runner{Args: args, Layout: DC2, Builders: fakeBuilders(e)}
	require.NoError(t, r.Run(context.Background(), dist.Info{WorldSize: 1}))

	require.NotEmpty(t, e.bands)
	assert.Equal(t, 6, e.bands[0])
	losses, err := nnet.LoadLossHistory(filepath.Join(out, "dc2_losses"))
	require.NoError(t, err)
	assert.Len(t, losses, 2)
	// no evaluation hook for this layout
	val, err := nnet.LoadLossHistory(filepath.Join(out, "dc2_val_losses"))
	require.NoError(t, err)
	assert.Empty(t, val)
	assert.FileExists(t, filepath.Join(out, "dc2_0000001.pth"))
}

func TestRunMissingData(t *testing.T) {
	dir := hscData(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "Gxx.fits")))
	args := parseArgs(t, "-num-gpus", "0", "-data-dir", dir, "-output-dir", t.TempDir(), "-seed", "3")
	e := &engine{}
	r := &Runner{Args: args, Layout: HSC, Builders: fakeBuilders(e)}
	err := r.Run(context.Background(), dist.Info{WorldSize: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Gxx.fits")
	assert.Equal(t, 1, e.closed)
}

func TestPredict(t *testing.T) {
	dir := hscData(t)
	weights := filepath.Join(t.TempDir(), "model.pth")
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0644))

	var a PredictArgs
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	a.Flags(fs)
	require.NoError(t, fs.Parse([]string{"-data-dir", dir, "-weights", weights, "-device", "cpu"}))
	e := &engine{}
	var buf bytes.Buffer
	n, err := Predict(context.Background(), &a, fakeBuilders(e), &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, weights, e.loaded)
	assert.Equal(t, "cpu", e.device)
	assert.Equal(t, 1, e.closed)

	var ids []int
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var p Prediction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		ids = append(ids, p.ImageID)
		require.NotNil(t, p.Instances)
		assert.Equal(t, 8, p.Instances.Width)
		assert.Equal(t, []float64{0.75}, p.Instances.Scores)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)

	// without weights the predictor refuses to run
	a.Weights = ""
	e = &engine{}
	_, err = Predict(context.Background(), &a, fakeBuilders(e), &buf)
	assert.ErrorIs(t, err, nnet.ErrNoWeights)
	assert.Equal(t, 1, e.closed)
}
