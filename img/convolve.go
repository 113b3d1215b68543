package img

import "math"

// Kernel is a symmetric separable 1d filter with 2*Radius+1 taps.
type Kernel struct {
	Radius  int
	Weights []float32
}

// GaussianKernel returns a gaussian kernel with the given sigma, normalised to unit sum.
func GaussianKernel(sigma float64, radius int) Kernel {
	k := Kernel{Radius: radius, Weights: make([]float32, 2*radius+1)}
	var sum float64
	for i := range k.Weights {
		x := float64(i - radius)
		w := math.Exp(-x * x / (2 * sigma * sigma))
		k.Weights[i] = float32(w)
		sum += w
	}
	for i := range k.Weights {
		k.Weights[i] /= float32(sum)
	}
	return k
}

// pass filters n lines of length size, where element j of line i is at data[i*lineStep+j*step].
// Taps which fall outside the line are dropped and the result rescaled by the weight used.
func (k Kernel) pass(in, out []float32, size, n, step, lineStep int) {
	for j := 0; j < size; j++ {
		lo, hi := max(j-k.Radius, 0), min(j+k.Radius, size-1)
		var norm float32
		for s := lo; s <= hi; s++ {
			norm += k.Weights[s-j+k.Radius]
		}
		for i := 0; i < n; i++ {
			base := i * lineStep
			var acc float32
			for s := lo; s <= hi; s++ {
				acc += in[base+s*step] * k.Weights[s-j+k.Radius]
			}
			out[base+j*step] = acc / norm
		}
	}
}

// Apply convolves one width x height band plane from in to out, first along rows then along columns.
func (k Kernel) Apply(in, out []float32, width, height int) {
	tmp := make([]float32, width*height)
	k.pass(in, tmp, width, height, 1, width)
	k.pass(tmp, out, height, width, width, 1)
}

// Blur returns a copy of the image with a gaussian blur applied to each band.
func Blur(src *Image, sigma float64, radius int) *Image {
	dst := NewImageLike(src)
	k := GaussianKernel(sigma, radius)
	for b := 0; b < src.Bands; b++ {
		k.Apply(src.Band(b), dst.Band(b), src.Width, src.Height)
	}
	return dst
}
