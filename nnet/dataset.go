package nnet

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Box coordinate conventions
type BoxMode int

const (
	XYXYAbs BoxMode = 0
	XYWHAbs BoxMode = 1
)

// Annotation is one labelled object in a record.
type Annotation struct {
	BBox         [4]float64  `json:"bbox"`
	BBoxMode     BoxMode     `json:"bbox_mode"`
	CategoryID   int         `json:"category_id"`
	Segmentation [][]float64 `json:"segmentation,omitempty"`
	IsCrowd      int         `json:"iscrowd"`
	Redshift     *float64    `json:"redshift,omitempty"`
	ObjID        *int64      `json:"obj_id,omitempty"`
}

// XYXY returns the box in absolute x0, y0, x1, y1 coordinates.
func (a Annotation) XYXY() [4]float64 {
	if a.BBoxMode == XYWHAbs {
		b := a.BBox
		return [4]float64{b[0], b[1], b[0] + b[2], b[1] + b[3]}
	}
	return a.BBox
}

// Clone returns a deep copy.
func (a Annotation) Clone() Annotation {
	c := a
	if a.Segmentation != nil {
		c.Segmentation = make([][]float64, len(a.Segmentation))
		for i, poly := range a.Segmentation {
			c.Segmentation[i] = append([]float64(nil), poly...)
		}
	}
	if a.Redshift != nil {
		z := *a.Redshift
		c.Redshift = &z
	}
	if a.ObjID != nil {
		id := *a.ObjID
		c.ObjID = &id
	}
	return c
}

// Record is one decoded manifest entry. All fields are also held in raw form so that key mappers can look
// up band filenames by name. Records are not modified after loading.
type Record struct {
	FileName    string                     `json:"file_name"`
	ImageID     int                        `json:"image_id"`
	Height      int                        `json:"height"`
	Width       int                        `json:"width"`
	Annotations []Annotation               `json:"annotations"`
	Redshift    *float64                   `json:"redshift,omitempty"`
	Fields      map[string]json.RawMessage `json:"-"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &p.Fields); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := map[string]interface{}{}
	for k, v := range r.Fields {
		out[k] = v
	}
	data, err := json.Marshal((*plain)(r))
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

// Field returns a string valued field. A missing, null or empty field gives a *MissingFieldError.
func (r *Record) Field(name string) (string, error) {
	raw, ok := r.Fields[name]
	if !ok {
		if name == "file_name" && r.FileName != "" {
			return r.FileName, nil
		}
		return "", &MissingFieldError{Field: name, ImageID: r.ImageID}
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Wrapf(err, "record %d: field %q is not a string", r.ImageID, name)
	}
	if s == nil || *s == "" {
		return "", &MissingFieldError{Field: name, ImageID: r.ImageID}
	}
	return *s, nil
}

// LoadManifest reads a JSON array of records.
func LoadManifest(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening manifest")
	}
	defer f.Close()
	var records []*Record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, errors.Wrapf(err, "malformed manifest %s", path)
	}
	for i, r := range records {
		if r == nil {
			return nil, errors.Errorf("malformed manifest %s: record %d is null", path, i)
		}
	}
	return records, nil
}

// Metadata describes a registered dataset.
type Metadata struct {
	Name     string
	Manifest string
	Classes  []string
}

type dataset struct {
	Metadata
	once    sync.Once
	records []*Record
	err     error
}

// Registry maps dataset names to manifests. The manifest is loaded on first use and cached.
type Registry struct {
	mu       sync.Mutex
	datasets map[string]*dataset
}

func NewRegistry() *Registry {
	return &Registry{datasets: map[string]*dataset{}}
}

// Register adds a dataset. Each name can only be registered once.
func (r *Registry) Register(name, manifest string, classes []string) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.datasets[name]; ok {
		return Metadata{}, errors.Errorf("dataset %q is already registered", name)
	}
	md := Metadata{Name: name, Manifest: manifest, Classes: append([]string(nil), classes...)}
	r.datasets[name] = &dataset{Metadata: md}
	log.Printf("registered dataset %s: %s classes=%v", name, manifest, classes)
	return md, nil
}

func (r *Registry) lookup(name string) (*dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDataset, "%q", name)
	}
	return d, nil
}

// Metadata returns the registration entry for a dataset.
func (r *Registry) Metadata(name string) (Metadata, error) {
	d, err := r.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	return d.Metadata, nil
}

// Get returns the records for a dataset, loading the manifest if needed.
func (r *Registry) Get(name string) ([]*Record, error) {
	d, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	d.once.Do(func() {
		d.records, d.err = LoadManifest(d.Manifest)
	})
	return d.records, d.err
}

// Names lists the registered datasets in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shard returns the records handled by the given rank.
func Shard(records []*Record, rank, world int) []*Record {
	if world <= 1 {
		return records
	}
	var out []*Record
	for i, r := range records {
		if i%world == rank {
			out = append(out, r)
		}
	}
	return out
}

// Mapper converts a record into a model ready example.
type Mapper interface {
	Map(r *Record) (*Example, error)
}

// Batch is a set of examples passed to the model in one step.
type Batch []*Example

// BatchSource supplies batches to the trainer.
type BatchSource interface {
	Next(ctx context.Context) (Batch, error)
}

type loadResult struct {
	batch Batch
	err   error
}

// Loader maps records into batches. The next batch is prepared in a background goroutine while the
// current one is in use. Train loaders repeat indefinitely and reshuffle each epoch; test loaders make a
// single pass in order and then return io.EOF until Reset is called.
type Loader struct {
	Samples   int
	BatchSize int
	Batches   int
	records   []*Record
	mapper    Mapper
	infinite  bool
	shuffle   bool
	rng       *rand.Rand
	indexes   []int
	batch     int
	epoch     int
	pending   chan loadResult
}

// NewTrainLoader creates an infinite shuffled loader over this rank's shard of the records.
// If there are fewer records than ranks, the records are repeated so that every rank has one.
func NewTrainLoader(records []*Record, mapper Mapper, batchSize, rank, world int, seed int64) (*Loader, error) {
	if len(records) == 0 {
		return nil, errors.New("loader: no records")
	}
	shard := Shard(records, rank, world)
	if len(shard) == 0 {
		shard = []*Record{records[rank%len(records)]}
	}
	return newLoader(shard, mapper, batchSize, true, true, seed)
}

// NewTestLoader creates a single pass loader with batch size 1 over this rank's shard of the records.
// The shard may be empty when there are fewer records than ranks, in which case Next returns io.EOF.
func NewTestLoader(records []*Record, mapper Mapper, rank, world int) (*Loader, error) {
	if len(records) == 0 {
		return nil, errors.New("loader: no records")
	}
	return newLoader(Shard(records, rank, world), mapper, 1, false, false, 0)
}

func newLoader(records []*Record, mapper Mapper, batchSize int, infinite, shuffle bool, seed int64) (*Loader, error) {
	d := &Loader{records: records, mapper: mapper, Samples: len(records), infinite: infinite, shuffle: shuffle,
		rng: rand.New(rand.NewSource(seed))}
	if d.Samples == 0 {
		d.BatchSize = max(batchSize, 1)
		return d, nil
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	if d.shuffle {
		d.Shuffle()
	}
	d.loadBatch()
	return d, nil
}

// Epoch is the number of completed passes over the data.
func (d *Loader) Epoch() int { return d.epoch }

// kick off load of next batch of data in background
func (d *Loader) loadBatch() {
	if d.batch >= d.Batches {
		d.pending = nil
		return
	}
	start := d.batch * d.BatchSize
	end := min(start+d.BatchSize, d.Samples)
	index := append([]int(nil), d.indexes[start:end]...)
	res := make(chan loadResult, 1)
	d.pending = res
	go func() {
		batch := make(Batch, len(index))
		for i, ix := range index {
			ex, err := d.mapper.Map(d.records[ix])
			if err != nil {
				res <- loadResult{err: err}
				return
			}
			batch[i] = ex
		}
		res <- loadResult{batch: batch}
	}()
	d.batch++
	if d.infinite && d.batch == d.Batches {
		d.batch = 0
		d.epoch++
		if d.shuffle {
			d.Shuffle()
		}
	}
}

// Next returns the next batch and starts loading the following one.
func (d *Loader) Next(ctx context.Context) (Batch, error) {
	if d.pending == nil {
		return nil, io.EOF
	}
	select {
	case res := <-d.pending:
		if res.err != nil {
			d.pending = nil
			return nil, res.err
		}
		if !d.infinite && d.batch >= d.Batches {
			d.epoch++
		}
		d.loadBatch()
		return res.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset waits for any pending load and rewinds to the start of the data.
func (d *Loader) Reset() {
	if d.pending != nil {
		<-d.pending
	}
	d.batch = 0
	d.loadBatch()
}

// Shuffle the order of the records.
func (d *Loader) Shuffle() {
	d.indexes = d.rng.Perm(d.Samples)
}
