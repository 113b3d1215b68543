package nnet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idMapper returns an example with the record's image id.
type idMapper struct {
	failOn int
}

func (m idMapper) Map(r *Record) (*Example, error) {
	if m.failOn > 0 && r.ImageID == m.failOn {
		return nil, errors.Errorf("bad record %d", r.ImageID)
	}
	return &Example{ImageID: r.ImageID}, nil
}

func makeRecords(n int) []*Record {
	records := make([]*Record, n)
	for i := range records {
		records[i] = &Record{ImageID: i + 1, FileName: fmt.Sprintf("img%d.fits", i+1)}
	}
	return records
}

func ids(batch Batch) []int {
	out := make([]int, len(batch))
	for i, ex := range batch {
		out[i] = ex.ImageID
	}
	return out
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(hscManifest), 0644))
	records, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, 7, r.ImageID)
	assert.Equal(t, 6, r.Height)
	assert.Len(t, r.Annotations, 2)
	assert.Equal(t, XYWHAbs, r.Annotations[0].BBoxMode)
	assert.Equal(t, int64(12), *r.Annotations[0].ObjID)
	assert.Equal(t, [4]float64{1, 1, 3, 4}, r.Annotations[0].XYXY())
	name, err := r.Field("filename_I")
	require.NoError(t, err)
	assert.Equal(t, "a.fits", name)

	// unknown fields survive a round trip
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var r2 Record
	require.NoError(t, json.Unmarshal(data, &r2))
	name, err = r2.Field("filename_G")
	require.NoError(t, err)
	assert.Equal(t, "a.fits", name)
	assert.Equal(t, r.Annotations, r2.Annotations)

	for _, bad := range []string{`{"a": 1}`, `[null]`, `[{"image_id": "x"}]`, `[`} {
		require.NoError(t, os.WriteFile(path, []byte(bad), 0644))
		_, err = LoadManifest(path)
		assert.Error(t, err, bad)
	}
	_, err = LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRecordFileName(t *testing.T) {
	r := &Record{FileName: "x.fits", ImageID: 2}
	name, err := r.Field("file_name")
	require.NoError(t, err)
	assert.Equal(t, "x.fits", name)

	r = decodeRecords(t, `[{"file_name": null, "image_id": 4}]`)[0]
	_, err = r.Field("file_name")
	assert.True(t, errors.Is(err, ErrMissingField))
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(hscManifest), 0644))

	reg := NewRegistry()
	md, err := reg.Register("astro_train", path, []string{"star", "galaxy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"star", "galaxy"}, md.Classes)
	_, err = reg.Register("astro_val", filepath.Join(dir, "missing.json"), []string{"star", "galaxy"})
	require.NoError(t, err)
	_, err = reg.Register("astro_train", path, nil)
	assert.ErrorContains(t, err, "already registered")
	assert.Equal(t, []string{"astro_train", "astro_val"}, reg.Names())

	md, err = reg.Metadata("astro_train")
	require.NoError(t, err)
	assert.Equal(t, path, md.Manifest)

	r1, err := reg.Get("astro_train")
	require.NoError(t, err)
	// cached after the first load
	require.NoError(t, os.Remove(path))
	r2, err := reg.Get("astro_train")
	require.NoError(t, err)
	assert.Same(t, r1[0], r2[0])

	_, err = reg.Get("astro_val")
	assert.Error(t, err)
	_, err = reg.Get("astro_test")
	assert.True(t, errors.Is(err, ErrUnknownDataset))
	_, err = reg.Metadata("astro_test")
	assert.True(t, errors.Is(err, ErrUnknownDataset))
}

func TestShard(t *testing.T) {
	records := makeRecords(7)
	assert.Len(t, Shard(records, 0, 1), 7)
	var all []int
	for rank := 0; rank < 3; rank++ {
		for _, r := range Shard(records, rank, 3) {
			all = append(all, r.ImageID)
		}
	}
	sort.Ints(all)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, all)
	assert.Len(t, Shard(records, 2, 3), 2)
}

func TestTestLoader(t *testing.T) {
	ctx := context.Background()
	d, err := NewTestLoader(makeRecords(3), idMapper{}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Batches)
	assert.Equal(t, 1, d.BatchSize)
	for pass := 0; pass < 2; pass++ {
		var got []int
		for {
			batch, err := d.Next(ctx)
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			got = append(got, ids(batch)...)
		}
		assert.Equal(t, []int{1, 2, 3}, got)
		_, err = d.Next(ctx)
		assert.Equal(t, io.EOF, err)
		d.Reset()
	}

	_, err = NewTestLoader(nil, idMapper{}, 0, 1)
	assert.Error(t, err)
}

func TestTrainLoader(t *testing.T) {
	ctx := context.Background()
	d, err := NewTrainLoader(makeRecords(5), idMapper{}, 2, 0, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Batches)
	// three epochs' worth of batches, each epoch covers every record once
	for epoch := 0; epoch < 3; epoch++ {
		var got []int
		for i := 0; i < d.Batches; i++ {
			batch, err := d.Next(ctx)
			require.NoError(t, err)
			got = append(got, ids(batch)...)
		}
		sort.Ints(got)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	}
	assert.GreaterOrEqual(t, d.Epoch(), 3)

	d, err = NewTrainLoader(makeRecords(6), idMapper{}, 4, 1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Samples)
	assert.Equal(t, 3, d.BatchSize)
	batch, err := d.Next(ctx)
	require.NoError(t, err)
	for _, id := range ids(batch) {
		assert.Zero(t, id%2, "rank 1 of 2 should get the even ids")
	}
}

func TestLoaderFewerRecordsThanRanks(t *testing.T) {
	ctx := context.Background()
	records := makeRecords(1)
	for rank := 0; rank < 2; rank++ {
		d, err := NewTrainLoader(records, idMapper{}, 4, rank, 2, 1)
		require.NoError(t, err, "rank %d", rank)
		assert.Equal(t, 1, d.Samples)
		batch, err := d.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, ids(batch))
	}

	d, err := NewTestLoader(records, idMapper{}, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, d.Samples)
	assert.Zero(t, d.Batches)
	_, err = d.Next(ctx)
	assert.Equal(t, io.EOF, err)
	d.Reset()
	_, err = d.Next(ctx)
	assert.Equal(t, io.EOF, err)

	_, err = NewTrainLoader(nil, idMapper{}, 4, 0, 2, 1)
	assert.Error(t, err)
}

func TestLoaderErrors(t *testing.T) {
	d, err := NewTestLoader(makeRecords(3), idMapper{failOn: 2}, 0, 1)
	require.NoError(t, err)
	_, err = d.Next(context.Background())
	require.NoError(t, err)
	_, err = d.Next(context.Background())
	assert.ErrorContains(t, err, "bad record 2")
	_, err = d.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	d, err = NewTrainLoader(makeRecords(3), blockingMapper{}, 1, 0, 1, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

type blockingMapper struct{}

func (blockingMapper) Map(r *Record) (*Example, error) {
	select {}
}
