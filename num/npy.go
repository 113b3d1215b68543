package num

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"
	"gonum.org/v1/gonum/mat"
)

const npyMagic = "\x93NUMPY"

// MaxNpyElements limits the size of arrays accepted from a .npy header.
var MaxNpyElements = 1 << 32

var descrTypes = map[string]DataType{
	"f8": Float64,
	"f4": Float32,
	"i8": Int64,
	"i4": Int32,
	"i2": Int16,
	"u2": Uint16,
	"i1": Int8,
	"u1": Uint8,
}

func descr(t DataType) string {
	for k, v := range descrTypes {
		if v == t {
			if t.Size() == 1 {
				return "|" + k
			}
			return "<" + k
		}
	}
	return "<f8"
}

func parseDescr(s string) (DataType, error) {
	d := s
	if len(d) == 3 {
		switch d[0] {
		case '<', '>', '|', '=':
		default:
			return Float64, errors.Errorf("unsupported npy byte order in %q", s)
		}
		d = d[1:]
	}
	t, ok := descrTypes[d]
	if !ok {
		return Float64, errors.Errorf("unsupported npy dtype %q", s)
	}
	return t, nil
}

type number interface {
	float64 | float32 | int64 | int32 | int16 | uint16 | int8 | uint8
}

func readAs[T number](r *npy.Reader, n int) ([]float64, error) {
	v := make([]T, n)
	if err := r.Read(&v); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, x := range v {
		out[i] = float64(x)
	}
	return out, nil
}

func readValues(r *npy.Reader, t DataType, n int) ([]float64, error) {
	switch t {
	case Float64:
		return readAs[float64](r, n)
	case Float32:
		return readAs[float32](r, n)
	case Int64:
		return readAs[int64](r, n)
	case Int32:
		return readAs[int32](r, n)
	case Int16:
		return readAs[int16](r, n)
	case Uint16:
		return readAs[uint16](r, n)
	case Int8:
		return readAs[int8](r, n)
	default:
		return readAs[uint8](r, n)
	}
}

func writeAs[T number](w io.Writer, data []float64) error {
	v := make([]T, len(data))
	for i, x := range data {
		v[i] = T(x)
	}
	return npy.Write(w, v)
}

func encodeAs[T number](w io.Writer, data []float64) error {
	v := make([]T, len(data))
	for i, x := range data {
		v[i] = T(x)
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeValues(w io.Writer, t DataType, data []float64) error {
	switch t {
	case Float64:
		return writeAs[float64](w, data)
	case Float32:
		return writeAs[float32](w, data)
	case Int64:
		return writeAs[int64](w, data)
	case Int32:
		return writeAs[int32](w, data)
	case Int16:
		return writeAs[int16](w, data)
	case Uint16:
		return writeAs[uint16](w, data)
	case Int8:
		return writeAs[int8](w, data)
	default:
		return writeAs[uint8](w, data)
	}
}

// checkShape returns the number of elements, rejecting negative or oversized dimensions.
func checkShape(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("invalid npy shape %v: negative dimension", shape)
		}
		if d > 0 && n > MaxNpyElements/d {
			return 0, errors.Errorf("invalid npy shape %v: more than %d elements", shape, MaxNpyElements)
		}
		n *= d
	}
	return n, nil
}

// WriteNpy encodes the array in numpy .npy format, little endian, C order. Vectors and float64 matrices
// are written by npyio, which only emits those shapes, other arrays get a version 1.0 header here.
func WriteNpy(w io.Writer, a *Array) error {
	switch {
	case len(a.dims) <= 1:
		return errors.Wrap(writeValues(w, a.Dtype, a.Data), "error writing npy data")
	case len(a.dims) == 2 && a.Dtype == Float64 && len(a.Data) > 0:
		err := npy.Write(w, mat.NewDense(a.dims[0], a.dims[1], a.Data))
		return errors.Wrap(err, "error writing npy data")
	}
	return writeNpyND(w, a)
}

func writeNpyND(w io.Writer, a *Array) error {
	shape := make([]string, len(a.dims))
	for i, d := range a.dims {
		shape[i] = strconv.Itoa(d)
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr(a.Dtype),
		strings.Join(shape, ", "))
	// magic + version + 2 byte length + header + newline must be a multiple of 64
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"
	bw := bufio.NewWriter(w)
	bw.WriteString(npyMagic)
	bw.Write([]byte{1, 0})
	binary.Write(bw, binary.LittleEndian, uint16(len(header)))
	bw.WriteString(header)
	var err error
	switch a.Dtype {
	case Float64:
		err = binary.Write(bw, binary.LittleEndian, a.Data)
	case Float32:
		err = encodeAs[float32](bw, a.Data)
	case Int64:
		err = encodeAs[int64](bw, a.Data)
	case Int32:
		err = encodeAs[int32](bw, a.Data)
	case Int16:
		err = encodeAs[int16](bw, a.Data)
	case Uint16:
		err = encodeAs[uint16](bw, a.Data)
	case Int8:
		err = encodeAs[int8](bw, a.Data)
	default:
		err = encodeAs[uint8](bw, a.Data)
	}
	if err != nil {
		return errors.Wrap(err, "error writing npy data")
	}
	return bw.Flush()
}

// ReadNpy decodes an array in numpy .npy format. Fortran ordered arrays are converted to C order.
func ReadNpy(r io.Reader) (*Array, error) {
	nr, err := npy.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "error reading npy header")
	}
	dtype, err := parseDescr(nr.Header.Descr.Type)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), nr.Header.Descr.Shape...)
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if lr, ok := r.(interface{ Len() int }); ok && n*dtype.Size() > lr.Len() {
		return nil, errors.Errorf("error reading npy data: expected %d values of %s, got %d bytes", n, dtype, lr.Len())
	}
	a := New(dtype, shape...)
	if n == 0 {
		return a, nil
	}
	if a.Data, err = readValues(nr, dtype, n); err != nil {
		return nil, errors.Wrapf(err, "error reading npy data: expected %d values of %s", n, dtype)
	}
	if nr.Header.Descr.Fortran && len(shape) > 1 {
		a.Data = fromFortran(a.Data, shape)
	}
	return a, nil
}

// fromFortran reorders column major data to row major.
func fromFortran(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	idx := make([]int, len(shape))
	for _, v := range data {
		// the first index varies fastest in the source
		off := 0
		for k := range shape {
			off = off*shape[k] + idx[k]
		}
		out[off] = v
		for k := 0; k < len(idx); k++ {
			if idx[k]++; idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

// NpyPath appends the .npy extension if it is not already present, as numpy.save does.
func NpyPath(name string) string {
	if filepath.Ext(name) == ".npy" {
		return name
	}
	return name + ".npy"
}

// SaveNpy writes the array to a .npy file. The data is written to a temporary file which is then renamed.
func SaveNpy(name string, a *Array) error {
	filePath := NpyPath(name)
	tmp := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "error creating %s", tmp)
	}
	if err = WriteNpy(f, a); err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding %s", filePath)
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}

// LoadNpy reads an array from a .npy file.
func LoadNpy(name string) (*Array, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening npy file")
	}
	a, err := ReadNpy(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", name)
	}
	return a, nil
}
