package img

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	VertFlip
	Rotate90
	GaussBlur
	Noise
	Normalise
)

var (
	// GeomTrans are the random flips and quarter turns used for training the detection models.
	GeomTrans  = HorizFlip | VertFlip | Rotate90
	PhotoTrans = GaussBlur | Noise
)

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	VertFlip:  "VertFlip",
	Rotate90:  "Rotate90",
	GaussBlur: "GaussBlur",
	Noise:     "Noise",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// ParseTransType converts a comma or space separated list of transform names.
func ParseTransType(s string) (TransType, error) {
	var t TransType
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if strings.EqualFold(name, "none") {
			continue
		}
		found := false
		for key, keyName := range transTypeNames {
			if strings.EqualFold(name, keyName) {
				t |= key
				found = true
			}
		}
		if !found {
			return NoTrans, errors.Errorf("invalid transform %q", name)
		}
	}
	return t, nil
}

var (
	FlipProb    = 0.5
	KernelSize  = 4
	KernelSigma = 1.0
	BlurProb    = 0.5
	NoiseSigma  = 0.01
)

// Geometry records the geometric transforms applied to an image so that annotations can be moved to match.
// Flips are applied first followed by Rot anticlockwise quarter turns.
type Geometry struct {
	Width, Height int
	HFlip, VFlip  bool
	Rot           int
}

// Identity is true if the geometry does not move any pixels.
func (g Geometry) Identity() bool {
	return !g.HFlip && !g.VFlip && g.Rot%4 == 0
}

// Size returns the width and height of the transformed image.
func (g Geometry) Size() (w, h int) {
	if g.Rot%2 == 1 {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

// Point maps continuous image coordinates from the source to the transformed image.
func (g Geometry) Point(x, y float64) (float64, float64) {
	w, h := float64(g.Width), float64(g.Height)
	if g.HFlip {
		x = w - x
	}
	if g.VFlip {
		y = h - y
	}
	for i := 0; i < g.Rot%4; i++ {
		x, y = y, w-x
		w, h = h, w
	}
	return x, y
}

// Box maps an XYXY box by transforming its corners and taking the enclosing box.
func (g Geometry) Box(box [4]float64) [4]float64 {
	x0, y0 := g.Point(box[0], box[1])
	x1, y1 := g.Point(box[2], box[3])
	return [4]float64{min(x0, x1), min(y0, y1), max(x0, x1), max(y0, y1)}
}

// Polygon maps a flat x0,y0,x1,y1... list of coordinates.
func (g Geometry) Polygon(poly []float64) []float64 {
	out := make([]float64, len(poly))
	for i := 0; i+1 < len(poly); i += 2 {
		out[i], out[i+1] = g.Point(poly[i], poly[i+1])
	}
	return out
}

// Apply transforms the image pixels.
func (g Geometry) Apply(src *Image) *Image {
	if g.Identity() {
		return src
	}
	w, h := g.Size()
	dst := NewImage(w, h, src.Bands)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			// map the pixel centre
			fx, fy := g.Point(float64(x)+0.5, float64(y)+0.5)
			dx, dy := int(fx), int(fy)
			for b := 0; b < src.Bands; b++ {
				dst.Set(dx, dy, b, src.At(x, y, b))
			}
		}
	}
	return dst
}

// Transformer applies a random sequence of geometric and photometric transforms. Given the same seed the
// sequence of transforms is deterministic. It is safe to call Transform from multiple goroutines.
type Transformer struct {
	Trans  TransType
	Mean   []float32
	StdDev []float32
	rng    *rand.Rand
	mu     sync.Mutex
}

// NewTransformer creates a new transformer object which applies the given types of transform.
func NewTransformer(trans TransType, seed int64) *Transformer {
	return &Transformer{Trans: trans, rng: rand.New(rand.NewSource(seed))}
}

// SetStats sets the per band mean and stddev used for the Normalise transform.
func (t *Transformer) SetStats(mean, std []float32) {
	t.Mean, t.StdDev = mean, std
}

type choice struct {
	geom  Geometry
	blur  bool
	noise int64
}

// random choices are made under the lock so the sequence only depends on the call order
func (t *Transformer) draw(w, h int) choice {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := choice{geom: Geometry{Width: w, Height: h}}
	if t.Trans&HorizFlip != 0 {
		d.geom.HFlip = t.rng.Float64() < FlipProb
	}
	if t.Trans&VertFlip != 0 {
		d.geom.VFlip = t.rng.Float64() < FlipProb
	}
	if t.Trans&Rotate90 != 0 {
		// choice of -90, 90 or 180 degrees
		d.geom.Rot = []int{3, 1, 2}[t.rng.Intn(3)]
	}
	if t.Trans&GaussBlur != 0 {
		d.blur = t.rng.Float64() < BlurProb
	}
	if t.Trans&Noise != 0 {
		d.noise = t.rng.Int63()
	}
	return d
}

// Transform returns a transformed copy of the image and the geometry which was applied.
func (t *Transformer) Transform(src *Image) (*Image, Geometry, error) {
	d := t.draw(src.Width, src.Height)
	m := d.geom.Apply(src)
	if d.blur {
		m = Blur(m, KernelSigma, KernelSize)
	}
	if t.Trans&Noise != 0 {
		if m == src {
			m = src.Clone()
		}
		rng := rand.New(rand.NewSource(d.noise))
		for i := range m.Pix {
			m.Pix[i] += float32(rng.NormFloat64() * NoiseSigma)
		}
	}
	if t.Trans&Normalise != 0 {
		var err error
		if m, err = t.normalise(m); err != nil {
			return nil, d.geom, err
		}
	}
	if m == src {
		m = src.Clone()
	}
	return m, d.geom, nil
}

func (t *Transformer) normalise(src *Image) (*Image, error) {
	if len(t.Mean) != src.Bands || len(t.StdDev) != src.Bands {
		return nil, errors.Errorf("error applying normalisation - missing mean and stddev for %d bands", src.Bands)
	}
	dst := NewImageLike(src)
	for b := 0; b < src.Bands; b++ {
		pix := dst.Band(b)
		for i, val := range src.Band(b) {
			pix[i] = (val - t.Mean[b]) / t.StdDev[b]
		}
	}
	return dst, nil
}
