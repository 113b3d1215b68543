package nnet

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/grantmerz/astrodet/img"
	"github.com/pkg/errors"
)

// ModelName is the closed set of supported backbones.
type ModelName int

const (
	Swin ModelName = iota
	MViTv2
)

var modelNames = map[ModelName]string{
	Swin:   "swin",
	MViTv2: "mvitv2",
}

// ParseModelName converts a name as given by the -modname flag.
func ParseModelName(s string) (ModelName, error) {
	for m, name := range modelNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownModel, "%q", s)
}

func (m ModelName) String() string {
	if s, ok := modelNames[m]; ok {
		return s
	}
	return "model(" + strconv.Itoa(int(m)) + ")"
}

func (m ModelName) MarshalText() ([]byte, error) {
	if _, ok := modelNames[m]; !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *ModelName) UnmarshalText(text []byte) error {
	name, err := ParseModelName(string(text))
	if err != nil {
		return err
	}
	*m = name
	return nil
}

// Training loop settings
type TrainConfig struct {
	InitCheckpoint   string
	OutputDir        string
	RunName          string
	Device           string
	Seed             int64
	MaxIter          int
	EvalPeriod       int
	CheckpointPeriod int
	LogPeriod        int
}

// Optimizer and learning rate schedule settings
type SolverConfig struct {
	BaseLR       float64
	Momentum     float64
	WeightDecay  float64
	Scheduler    string
	Steps        []int
	Gamma        float64
	WarmupIters  int
	WarmupFactor float64
	WarmupMethod string
	FinalLR      float64
}

type DataLoaderConfig struct {
	TotalBatchSize int
	TestBatchSize  int
	Shuffle        bool
	TrainLen       int
}

// Image reading and augmentation settings
type InputConfig struct {
	Norm      string
	DType     int
	Layout    string
	Bands     []string
	Augment   string
	TestAug   string
	LuptonQ   float64
	Stretch   float64
	NumBands  int
	Normalise bool
}

// Loss weighting settings passed through to the model engine
type LossConfig struct {
	Scheme int
	Alphas []float64
}

type DatasetsConfig struct {
	Train     string
	Test      string
	TrainFile string
	TestFile  string
	DataDir   string
	Classes   []string
}

type ModelConfig struct {
	Name      ModelName
	Backbone  string
	Redshift  bool
	ZBins     int
	ZMax      float64
	Trainable []string
}

// Config is an immutable snapshot of the run settings produced by a Builder.
type Config struct {
	Train      TrainConfig
	Solver     SolverConfig
	DataLoader DataLoaderConfig
	Input      InputConfig
	Loss       LossConfig
	Datasets   DatasetsConfig
	Model      ModelConfig
}

const (
	WarmupMultiStepLR = "WarmupMultiStepLR"
	WarmupCosineLR    = "WarmupCosineLR"
)

func baseConfig() Config {
	return Config{
		Train: TrainConfig{
			OutputDir:        "./",
			RunName:          "run",
			Device:           "cuda",
			LogPeriod:        20,
			EvalPeriod:       0,
			CheckpointPeriod: 0,
		},
		Solver: SolverConfig{
			BaseLR:       0.001,
			Momentum:     0.9,
			WeightDecay:  1e-4,
			Scheduler:    WarmupMultiStepLR,
			Gamma:        0.1,
			WarmupIters:  0,
			WarmupFactor: 0.001,
			WarmupMethod: "linear",
		},
		DataLoader: DataLoaderConfig{TotalBatchSize: 4, TestBatchSize: 1, Shuffle: true},
		Input: InputConfig{
			Norm:    "lupton",
			DType:   8,
			Layout:  "HWC",
			Bands:   []string{"G", "R", "I"},
			Augment: "HorizFlip,VertFlip,Rotate90",
			LuptonQ: img.LuptonQ,
			Stretch: img.LuptonStretch,
		},
		Loss: LossConfig{Scheme: 1, Alphas: []float64{1, 1}},
		Datasets: DatasetsConfig{
			Train:   "astro_train",
			Test:    "astro_val",
			Classes: []string{"star", "galaxy"},
		},
	}
}

// SwinConfig is the cascade mask R-CNN configuration with a Swin-B backbone.
func SwinConfig(redshift bool) Config {
	c := baseConfig()
	c.Model = ModelConfig{Name: Swin, Backbone: "swin_b_in21k", Trainable: []string{"roi_heads"}}
	if redshift {
		setRedshift(&c)
	}
	return c
}

// MViTv2Config is the cascade mask R-CNN configuration with an MViTv2-B backbone.
func MViTv2Config(redshift bool) Config {
	c := baseConfig()
	c.Model = ModelConfig{Name: MViTv2, Backbone: "mvitv2_b_in21k", Trainable: []string{"roi_heads"}}
	if redshift {
		setRedshift(&c)
	}
	return c
}

// DC2 objects are packed single file cutouts with 6 bands and a redshift PDF head
func setRedshift(c *Config) {
	c.Model.Redshift = true
	c.Model.ZBins = 200
	c.Model.ZMax = 3
	c.Input.Norm = "raw"
	c.Input.DType = 0
	c.Input.Bands = []string{"u", "g", "r", "i", "z", "y"}
	c.Input.NumBands = 6
	c.Datasets.Classes = []string{"object"}
	c.Datasets.Train = "astro_train_dc2"
	c.Datasets.Test = "astro_val_dc2"
}

var configFuncs = map[ModelName]func(redshift bool) Config{
	Swin:   SwinConfig,
	MViTv2: MViTv2Config,
}

// Builder assembles a Config in stages: model defaults, then a JSON overlay, then command line overrides.
// The first error is recorded and returned from Build.
type Builder struct {
	cfg Config
	err error
}

// NewBuilder seeds the configuration from the defaults for the given model.
func NewBuilder(name ModelName, redshift bool) *Builder {
	fn, ok := configFuncs[name]
	if !ok {
		return &Builder{err: errors.Wrapf(ErrUnknownModel, "%s", name)}
	}
	return &Builder{cfg: fn(redshift)}
}

// LoadOverlay decodes a JSON file over the current settings. Fields not present in the file are unchanged.
func (b *Builder) LoadOverlay(path string) *Builder {
	if b.err != nil || path == "" {
		return b
	}
	f, err := os.Open(path)
	if err != nil {
		b.err = errors.Wrap(err, "error loading config overlay")
		return b
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b.cfg); err != nil {
		b.err = errors.Wrapf(err, "error decoding config overlay %s", path)
	}
	return b
}

// Set applies a function to update the settings.
func (b *Builder) Set(fn func(c *Config)) *Builder {
	if b.err == nil {
		fn(&b.cfg)
	}
	return b
}

// SetString sets a field given its dotted name, e.g. Solver.BaseLR, parsing the value for the field type.
func (b *Builder) SetString(key, val string) *Builder {
	if b.err != nil {
		return b
	}
	f, err := field(reflect.ValueOf(&b.cfg).Elem(), key)
	if err != nil {
		b.err = err
		return b
	}
	if u, ok := f.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err = u.UnmarshalText([]byte(val)); err != nil {
			b.err = errors.Wrapf(err, "error setting %s", key)
		}
		return b
	}
	switch f.Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Slice:
		err = setSlice(f, val)
	default:
		err = errors.Errorf("invalid type for SetString: %v", f.Kind())
	}
	if err != nil {
		b.err = errors.Wrapf(err, "error setting %s", key)
	}
	return b
}

func setSlice(f reflect.Value, val string) error {
	parts := strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	s := reflect.MakeSlice(f.Type(), len(parts), len(parts))
	for i, p := range parts {
		switch f.Type().Elem().Kind() {
		case reflect.String:
			s.Index(i).SetString(p)
		case reflect.Int:
			x, err := strconv.Atoi(p)
			if err != nil {
				return err
			}
			s.Index(i).SetInt(int64(x))
		case reflect.Float64:
			x, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return err
			}
			s.Index(i).SetFloat(x)
		default:
			return errors.Errorf("invalid slice type %v", f.Type())
		}
	}
	f.Set(s)
	return nil
}

// Build validates the settings and returns the snapshot. Slices are copied so later builder changes are not seen.
func (b *Builder) Build() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	c := b.cfg
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.Solver.Steps = append([]int(nil), c.Solver.Steps...)
	c.Input.Bands = append([]string(nil), c.Input.Bands...)
	c.Loss.Alphas = append([]float64(nil), c.Loss.Alphas...)
	c.Datasets.Classes = append([]string(nil), c.Datasets.Classes...)
	c.Model.Trainable = append([]string(nil), c.Model.Trainable...)
	return c, nil
}

func (c Config) validate() error {
	if _, ok := modelNames[c.Model.Name]; !ok {
		return errors.Wrapf(ErrUnknownModel, "%d", int(c.Model.Name))
	}
	if c.Solver.BaseLR <= 0 {
		return errors.Errorf("invalid config: Solver.BaseLR must be positive, got %g", c.Solver.BaseLR)
	}
	if c.DataLoader.TotalBatchSize <= 0 {
		return errors.Errorf("invalid config: DataLoader.TotalBatchSize must be positive, got %d", c.DataLoader.TotalBatchSize)
	}
	if c.Train.MaxIter < 0 {
		return errors.Errorf("invalid config: Train.MaxIter is negative")
	}
	if c.Train.RunName == "" {
		return errors.New("invalid config: Train.RunName is empty")
	}
	if len(c.Datasets.Classes) == 0 {
		return errors.New("invalid config: Datasets.Classes is empty")
	}
	switch c.Solver.Scheduler {
	case WarmupMultiStepLR, WarmupCosineLR:
	default:
		return errors.Errorf("invalid config: unknown scheduler %q", c.Solver.Scheduler)
	}
	for i := 1; i < len(c.Solver.Steps); i++ {
		if c.Solver.Steps[i] <= c.Solver.Steps[i-1] {
			return errors.Errorf("invalid config: Solver.Steps must be increasing, got %v", c.Solver.Steps)
		}
	}
	if _, err := img.ParseNorm(c.Input.Norm); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if _, err := img.ParseDType(c.Input.DType); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if _, err := ParseLayout(c.Input.Layout); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if _, err := img.ParseTransType(c.Input.Augment); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if _, err := img.ParseTransType(c.Input.TestAug); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Model.Redshift && c.Model.ZBins <= 0 {
		return errors.New("invalid config: redshift model needs Model.ZBins > 0")
	}
	return nil
}

// ParseLayout converts the packed array axis order name.
func ParseLayout(s string) (img.Layout, error) {
	switch strings.ToUpper(s) {
	case "", "HWC":
		return img.HWC, nil
	case "CHW":
		return img.CHW, nil
	}
	return img.HWC, errors.Errorf("invalid layout %q: expecting HWC or CHW", s)
}

// Normaliser returns the image normalisation policy from the input settings.
func (c Config) Normaliser() img.Normaliser {
	norm, _ := img.ParseNorm(c.Input.Norm)
	dtype, _ := img.ParseDType(c.Input.DType)
	n := img.NewNormaliser(norm, dtype)
	if c.Input.LuptonQ > 0 {
		n.Q = c.Input.LuptonQ
	}
	if c.Input.Stretch > 0 {
		n.Stretch = c.Input.Stretch
	}
	return n
}

// EpochIters is the number of iterations in one pass over the training set.
func (c Config) EpochIters() int {
	if c.DataLoader.TrainLen <= 0 {
		return 1
	}
	return max(1, c.DataLoader.TrainLen/c.DataLoader.TotalBatchSize)
}

// Fields returns the dotted names of all settings.
func (c Config) Fields() []string {
	var fld []string
	st := reflect.TypeOf(c)
	for i := 0; i < st.NumField(); i++ {
		sect := st.Field(i)
		for j := 0; j < sect.Type.NumField(); j++ {
			fld = append(fld, sect.Name+"."+sect.Type.Field(j).Name)
		}
	}
	return fld
}

// Get returns the value of a setting given its dotted name, or nil if not found.
func (c Config) Get(key string) interface{} {
	f, err := field(reflect.ValueOf(c), key)
	if err != nil {
		return nil
	}
	return f.Interface()
}

func field(v reflect.Value, key string) (reflect.Value, error) {
	for _, name := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, errors.Errorf("invalid config key %q", key)
		}
		v = v.FieldByName(name)
		if !v.IsValid() {
			return reflect.Value{}, errors.Errorf("invalid config key %q", key)
		}
	}
	return v, nil
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		str = append(str, fmt.Sprintf("%-28s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error saving config")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding config %s", path)
	}
	return f.Close()
}
