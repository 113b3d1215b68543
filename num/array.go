// Package num contains a host resident n dimensional Array type and routines to read and write it in numpy .npy format.
package num

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// DataType is the element type of an array as stored on disk.
type DataType int

const (
	Float64 DataType = iota
	Float32
	Int64
	Int32
	Int16
	Uint16
	Int8
	Uint8
)

var dtypeNames = map[DataType]string{
	Float64: "float64",
	Float32: "float32",
	Int64:   "int64",
	Int32:   "int32",
	Int16:   "int16",
	Uint16:  "uint16",
	Int8:    "int8",
	Uint8:   "uint8",
}

func (t DataType) String() string {
	if s, ok := dtypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Size returns the number of bytes per element.
func (t DataType) Size() int {
	switch t {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Int16, Uint16:
		return 2
	default:
		return 1
	}
}

// Array is a general n dimensional tensor similar to a numpy ndarray.
// Data is stored in row major (C) order and always held as float64 in memory,
// Dtype records the element type used when the array is encoded.
type Array struct {
	Dtype DataType
	Data  []float64
	dims  []int
}

// New allocates a zeroed array with the given shape.
func New(dtype DataType, dims ...int) *Array {
	return &Array{Dtype: dtype, Data: make([]float64, Prod(dims)), dims: append([]int{}, dims...)}
}

// FromSlice wraps a copy of the values as a one dimensional float64 array.
func FromSlice(values []float64) *Array {
	return &Array{Dtype: Float64, Data: append([]float64{}, values...), dims: []int{len(values)}}
}

// FromFloat32 converts the values to a float32 array with the given shape.
func FromFloat32(values []float32, dims ...int) (*Array, error) {
	if Prod(dims) != len(values) {
		return nil, errors.Errorf("shape %v does not match %d values", dims, len(values))
	}
	a := New(Float32, dims...)
	for i, v := range values {
		a.Data[i] = float64(v)
	}
	return a, nil
}

// Dims returns the shape of the array in numpy order.
func (a *Array) Dims() []int { return a.dims }

// Size is total number of elements
func (a *Array) Size() int { return len(a.Data) }

// At returns the element at the given index.
func (a *Array) At(index ...int) float64 {
	if len(index) != len(a.dims) {
		panic(fmt.Sprintf("At: expected %d indices, got %d", len(a.dims), len(index)))
	}
	pos := 0
	for i, ix := range index {
		if ix < 0 || ix >= a.dims[i] {
			panic(fmt.Sprintf("At: index %v out of range for shape %v", index, a.dims))
		}
		pos = pos*a.dims[i] + ix
	}
	return a.Data[pos]
}

// Float32 returns a copy of the data converted to float32.
func (a *Array) Float32() []float32 {
	out := make([]float32, len(a.Data))
	for i, v := range a.Data {
		out[i] = float32(v)
	}
	return out
}

// Reshape returns a new array of the same size with a view on the same data but with a different shape.
// One dimension may be given as -1 in which case it is inferred.
func (a *Array) Reshape(dims ...int) (*Array, error) {
	dims = append([]int{}, dims...)
	n := len(a.Data)
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						return nil, errors.New("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			if other == 0 {
				return nil, errors.Errorf("Reshape: cannot infer dimension for shape %v", dims)
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		return nil, errors.Errorf("Reshape: cannot reshape array of size %d into %v", n, dims)
	}
	return &Array{Dtype: a.Dtype, Data: a.Data, dims: dims}, nil
}

// Transpose reverses the order of the axes, returning a new array.
func (a *Array) Transpose() *Array {
	nd := len(a.dims)
	rdims := make([]int, nd)
	for i, d := range a.dims {
		rdims[nd-1-i] = d
	}
	out := New(a.Dtype, rdims...)
	index := make([]int, nd)
	for pos := range a.Data {
		// index of pos in the source shape, then linearise in the reversed shape
		rem := pos
		for i := nd - 1; i >= 0; i-- {
			index[i] = rem % a.dims[i]
			rem /= a.dims[i]
		}
		dst := 0
		for i := nd - 1; i >= 0; i-- {
			dst = dst*a.dims[i] + index[i]
		}
		out.Data[dst] = a.Data[pos]
	}
	return out
}

// String formats the array in the style of numpy.
func (a *Array) String() string {
	return format(a.dims, a.Data, 0, "")
}

func format(dims []int, data []float64, at int, indent string) string {
	switch len(dims) {
	case 0:
		return formatValue(data[at])
	case 1:
		s := make([]string, 0, dims[0])
		for i := 0; i < dims[0]; i++ {
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				s = append(s, "...")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			s = append(s, formatValue(data[at+i]))
		}
		return "[" + strings.Join(s, " ") + "]"
	default:
		stride := Prod(dims[1:])
		s := make([]string, 0, dims[0])
		for i := 0; i < dims[0]; i++ {
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				s = append(s, indent+" ...")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			row := format(dims[1:], data, at+i*stride, indent+" ")
			if i > 0 {
				row = indent + " " + row
			}
			s = append(s, row)
		}
		return "[" + strings.Join(s, "\n") + "]"
	}
}

func formatValue(val float64) string {
	if abs(val) < 1 {
		val = float64(int64(10000*val+0.5)) / 10000
	}
	return fmt.Sprintf("%7.5g", val)
}

func abs(x float64) float64 {
	if x >= 0 {
		return x
	}
	return -x
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}
