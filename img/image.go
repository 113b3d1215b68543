// Package img contains routines for reading, normalising and augmenting multi-band astronomical images.
package img

import (
	"fmt"
	"image"
	"image/color"

	"github.com/grantmerz/astrodet/num"
	"github.com/grantmerz/astrodet/stats"
	"github.com/pkg/errors"
)

// Image stores multi-band pixel data as float32 values with each band held as a separate row major plane.
type Image struct {
	Pix    []float32
	Height int
	Width  int
	Bands  int
}

// NewImage allocates a zeroed image.
func NewImage(width, height, bands int) *Image {
	return &Image{Pix: make([]float32, width*height*bands), Height: height, Width: width, Bands: bands}
}

func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Bands)
}

// Shape returns height, width, bands
func (m *Image) Shape() []int {
	return []int{m.Height, m.Width, m.Bands}
}

// Band returns the pixel plane for band b.
func (m *Image) Band(b int) []float32 {
	n := m.Width * m.Height
	return m.Pix[b*n : (b+1)*n]
}

// At returns the value at x, y in band b, or zero if outside the image.
func (m *Image) At(x, y, b int) float32 {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return 0
	}
	return m.Pix[b*m.Width*m.Height+y*m.Width+x]
}

func (m *Image) Set(x, y, b int, val float32) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[b*m.Width*m.Height+y*m.Width+x] = val
}

func (m *Image) Clone() *Image {
	dst := *m
	dst.Pix = append([]float32{}, m.Pix...)
	return &dst
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// CHW returns the pixels in band, row, column order as used by the model engine.
func (m *Image) CHW() []float32 { return m.Pix }

// HWC returns a copy of the pixels in row, column, band order.
func (m *Image) HWC() []float32 {
	out := make([]float32, len(m.Pix))
	for b := 0; b < m.Bands; b++ {
		for i, v := range m.Band(b) {
			out[i*m.Bands+b] = v
		}
	}
	return out
}

// Array converts the image to a float32 array with shape (height, width, bands).
func (m *Image) Array() *num.Array {
	a, _ := num.FromFloat32(m.HWC(), m.Height, m.Width, m.Bands)
	return a
}

// Layout is the axis order of a packed image array.
type Layout int

const (
	HWC Layout = iota
	CHW
)

func (l Layout) String() string {
	if l == CHW {
		return "CHW"
	}
	return "HWC"
}

// FromArray builds an image from a 2 or 3 dimensional array. 2D arrays are a single band.
func FromArray(a *num.Array, layout Layout) (*Image, error) {
	dims := a.Dims()
	var h, w, bands int
	switch len(dims) {
	case 2:
		h, w, bands = dims[0], dims[1], 1
	case 3:
		if layout == CHW {
			bands, h, w = dims[0], dims[1], dims[2]
		} else {
			h, w, bands = dims[0], dims[1], dims[2]
		}
	default:
		return nil, errors.Errorf("expected 2 or 3 dimensional image array, got shape %v", dims)
	}
	if h == 0 || w == 0 || bands == 0 {
		return nil, errors.Errorf("empty image array with shape %v", dims)
	}
	m := NewImage(w, h, bands)
	n := w * h
	for i, v := range a.Data {
		if layout == CHW || len(dims) == 2 {
			m.Pix[i] = float32(v)
		} else {
			pix, b := i/bands, i%bands
			m.Pix[b*n+pix] = float32(v)
		}
	}
	return m, nil
}

// Stack combines single band images into one multi-band image. All inputs must have the same size.
func Stack(images ...*Image) (*Image, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to stack")
	}
	w, h := images[0].Width, images[0].Height
	bands := 0
	for i, m := range images {
		if m.Width != w || m.Height != h {
			return nil, errors.Errorf("image %d size %dx%d does not match %dx%d", i, m.Width, m.Height, w, h)
		}
		bands += m.Bands
	}
	dst := NewImage(w, h, bands)
	pos := 0
	for _, m := range images {
		pos += copy(dst.Pix[pos:], m.Pix)
	}
	return dst, nil
}

// RGBA converts three of the bands to an 8 bit image for display, values are clipped to the range 0-1.
func (m *Image) RGBA(r, g, b int) (*image.RGBA, error) {
	for _, ch := range []int{r, g, b} {
		if ch < 0 || ch >= m.Bands {
			return nil, fmt.Errorf("band %d out of range for %d band image", ch, m.Bands)
		}
	}
	dst := image.NewRGBA(m.Bounds())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			// flip vertically so that the origin is at the bottom left as for FITS images
			dst.Set(x, m.Height-1-y, color.RGBA{R: clamp8(m.At(x, y, r)), G: clamp8(m.At(x, y, g)), B: clamp8(m.At(x, y, b)), A: 255})
		}
	}
	return dst, nil
}

// Calculate mean and stddev for each band from set of images
func GetStats(images ...*Image) (mean, std []float32) {
	if len(images) == 0 {
		return nil, nil
	}
	bands := images[0].Bands
	stat := make([]*stats.Average, bands)
	for i := range stat {
		stat[i] = new(stats.Average)
	}
	for _, m := range images {
		for b, s := range stat {
			if b >= m.Bands {
				continue
			}
			for _, val := range m.Band(b) {
				s.Add(float64(val))
			}
		}
	}
	mean = make([]float32, bands)
	std = make([]float32, bands)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	return mean, std
}

func clamp8(x float32) uint8 {
	return uint8(clamp(x, 0, 1)*255 + 0.5)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
