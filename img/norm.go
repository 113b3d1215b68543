package img

import (
	"math"
	"sort"
	"strings"

	"github.com/grantmerz/astrodet/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Norm selects how raw pixel values are rescaled after reading.
type Norm int

const (
	NormRaw Norm = iota
	NormLupton
	NormZScale
	NormAstroFix
)

var normNames = map[Norm]string{
	NormRaw:      "raw",
	NormLupton:   "lupton",
	NormZScale:   "zscale",
	NormAstroFix: "astrofix",
}

func (n Norm) String() string {
	if s, ok := normNames[n]; ok {
		return s
	}
	return "unknown"
}

// ParseNorm converts a normalisation name as given on the command line.
func ParseNorm(s string) (Norm, error) {
	for n, name := range normNames {
		if strings.EqualFold(s, name) {
			return n, nil
		}
	}
	return NormRaw, errors.Errorf("invalid normalisation %q: expecting one of raw, lupton, zscale, astrofix", s)
}

// DType is the integer depth images are quantised to after normalisation.
type DType int

const (
	DTypeFloat DType = 0
	DType8     DType = 8
	DType16    DType = 16
)

// ParseDType converts the bit depth given on the command line.
func ParseDType(bits int) (DType, error) {
	switch bits {
	case 8:
		return DType8, nil
	case 16:
		return DType16, nil
	case 0, 32:
		return DTypeFloat, nil
	}
	return DTypeFloat, errors.Errorf("invalid dtype %d: expecting 8 or 16", bits)
}

// Max returns the largest representable value, or zero for unquantised floats.
func (d DType) Max() float32 {
	switch d {
	case DType8:
		return math.MaxUint8
	case DType16:
		return math.MaxInt16
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case DType8:
		return "uint8"
	case DType16:
		return "int16"
	}
	return "float32"
}

// Default parameters for the asinh stretch and zscale interval
var (
	LuptonQ        = 10.0
	LuptonStretch  = 0.5
	LuptonMinimum  = 0.0
	ZScaleSamples  = 1000
	ZScaleContrast = 0.25
)

// Normaliser applies a normalisation and quantisation policy to an image.
type Normaliser struct {
	Norm    Norm
	DType   DType
	Q       float64
	Stretch float64
	Minimum float64
}

// NewNormaliser returns a normaliser with the default stretch parameters.
func NewNormaliser(norm Norm, dtype DType) Normaliser {
	return Normaliser{Norm: norm, DType: dtype, Q: LuptonQ, Stretch: LuptonStretch, Minimum: LuptonMinimum}
}

// Apply returns a new normalised image. The source image is not modified.
func (n Normaliser) Apply(src *Image) (*Image, error) {
	var dst *Image
	unit := true
	switch n.Norm {
	case NormRaw:
		dst = src.Clone()
		unit = false
	case NormLupton:
		dst = n.lupton(src)
	case NormZScale:
		dst = zscaleImage(src)
	case NormAstroFix:
		dst = standardise(src)
		unit = false
	default:
		return nil, errors.Errorf("invalid normalisation %d", n.Norm)
	}
	if n.DType != DTypeFloat {
		quantise(dst, n.DType, unit)
	}
	return dst, nil
}

// asinh stretch of Lupton et al. (2004) applied to the mean intensity over all bands, output clipped to 0-1
func (n Normaliser) lupton(src *Image) *Image {
	dst := NewImageLike(src)
	q, stretch := n.Q, n.Stretch
	if q <= 0 {
		q = LuptonQ
	}
	if stretch <= 0 {
		stretch = LuptonStretch
	}
	npix := src.Width * src.Height
	for i := 0; i < npix; i++ {
		var sum float64
		for b := 0; b < src.Bands; b++ {
			sum += float64(src.Pix[b*npix+i]) - n.Minimum
		}
		intensity := sum / float64(src.Bands)
		scale := 0.0
		if intensity > 1e-6 {
			scale = math.Asinh(q*intensity/stretch) / q / intensity
		}
		for b := 0; b < src.Bands; b++ {
			val := (float64(src.Pix[b*npix+i]) - n.Minimum) * scale
			dst.Pix[b*npix+i] = clamp(float32(val), 0, 1)
		}
	}
	return dst
}

func zscaleImage(src *Image) *Image {
	dst := NewImageLike(src)
	for b := 0; b < src.Bands; b++ {
		in := src.Band(b)
		vmin, vmax := ZScale(in, ZScaleSamples, ZScaleContrast)
		out := dst.Band(b)
		span := vmax - vmin
		for i, v := range in {
			if span <= 0 {
				out[i] = 0
				continue
			}
			out[i] = clamp(float32((float64(v)-vmin)/span), 0, 1)
		}
	}
	return dst
}

func standardise(src *Image) *Image {
	dst := NewImageLike(src)
	for b := 0; b < src.Bands; b++ {
		var s stats.Average
		in := src.Band(b)
		for _, v := range in {
			s.Add(float64(v))
		}
		out := dst.Band(b)
		for i, v := range in {
			if s.StdDev == 0 {
				out[i] = 0
			} else {
				out[i] = float32((float64(v) - s.Mean) / s.StdDev)
			}
		}
	}
	return dst
}

// scale unit range images up to the integer range, otherwise just round and clip
func quantise(m *Image, dtype DType, unit bool) {
	vmax := dtype.Max()
	vmin := float32(0)
	if dtype == DType16 && !unit {
		vmin = math.MinInt16
	}
	for i, v := range m.Pix {
		if unit {
			v *= vmax
		}
		m.Pix[i] = float32(math.Round(float64(clamp(v, vmin, vmax))))
	}
}

// ZScale returns display limits for the values using the IRAF zscale algorithm: a line is fitted to
// the sorted sample with iterative rejection of outliers and its slope scaled by the contrast.
func ZScale(values []float32, nsamples int, contrast float64) (vmin, vmax float64) {
	if len(values) == 0 {
		return 0, 0
	}
	stride := len(values) / nsamples
	if stride < 1 {
		stride = 1
	}
	var samples []float64
	for i := 0; i < len(values) && len(samples) < nsamples; i += stride {
		v := float64(values[i])
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			samples = append(samples, v)
		}
	}
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Float64s(samples)
	npix := len(samples)
	vmin, vmax = samples[0], samples[npix-1]

	const (
		maxReject  = 0.5
		minNPixels = 5
		krej       = 2.5
		maxIter    = 5
	)
	minpix := max(minNPixels, int(float64(npix)*maxReject))
	ngrow := max(1, int(float64(npix)*0.01))

	x := make([]float64, npix)
	for i := range x {
		x[i] = float64(i)
	}
	weights := make([]float64, npix)
	for i := range weights {
		weights[i] = 1
	}
	flat := make([]float64, npix)
	ngood, lastNGood := npix, npix+1
	var intercept, slope float64
	fitted := false
	for iter := 0; iter < maxIter; iter++ {
		if ngood >= lastNGood || ngood < minpix {
			break
		}
		intercept, slope = stat.LinearRegression(x, samples, weights, false)
		fitted = true
		for i := range flat {
			flat[i] = samples[i] - (intercept + slope*x[i])
		}
		threshold := krej * stat.StdDev(flat, weights)
		bad := make([]bool, npix)
		for i, f := range flat {
			if weights[i] == 0 || f < -threshold || f > threshold {
				bad[i] = true
			}
		}
		// grow the rejected regions by ngrow pixels
		for i := range weights {
			weights[i] = 1
		}
		for i, isBad := range bad {
			if !isBad {
				continue
			}
			for j := i - ngrow/2; j <= i+(ngrow-1)/2; j++ {
				if j >= 0 && j < npix {
					weights[j] = 0
				}
			}
		}
		lastNGood = ngood
		ngood = 0
		for _, w := range weights {
			if w > 0 {
				ngood++
			}
		}
	}
	if fitted && ngood >= minpix {
		if contrast > 0 {
			slope /= contrast
		}
		center := (npix - 1) / 2
		median := stat.Quantile(0.5, stat.Empirical, samples, nil)
		vmin = math.Max(vmin, median-float64(center-1)*slope)
		vmax = math.Min(vmax, median+float64(npix-center)*slope)
	}
	return vmin, vmax
}
