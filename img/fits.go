package img

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// Header holds parsed FITS header key-value pairs.
type Header map[string]string

// GetString returns the value for key or an empty string.
func (h Header) GetString(key string) string {
	return h[strings.ToUpper(key)]
}

func (h Header) GetFloat(key string) (float64, bool) {
	v, ok := h[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (h Header) GetInt(key string) (int, bool) {
	v, ok := h[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func cardValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimRight(v, " ")
	case bool:
		if v {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(v)
	}
}

// ReadFITS reads the primary HDU of a FITS file. 2D images give a single band, 3D cubes one band per plane.
func ReadFITS(filePath string) (*Image, Header, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error opening FITS file")
	}
	defer f.Close()
	m, h, err := DecodeFITS(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error decoding FITS file %s", filePath)
	}
	return m, h, nil
}

type pixel interface {
	uint8 | int16 | int32 | int64 | float32 | float64
}

func readPixels[T pixel](im fitsio.Image, m *Image, bzero, bscale float64) error {
	raw := make([]T, len(m.Pix))
	if err := im.Read(&raw); err != nil {
		return err
	}
	for i, v := range raw {
		m.Pix[i] = float32(float64(v)*bscale + bzero)
	}
	return nil
}

// DecodeFITS parses the header and pixel data of the primary HDU. Physical values are BZERO + BSCALE * raw.
func DecodeFITS(r io.Reader) (*Image, Header, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error reading FITS header")
	}
	defer f.Close()
	im, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, errors.New("primary HDU is not an image")
	}
	hdr := im.Header()
	header := Header{}
	for _, key := range hdr.Keys() {
		if card := hdr.Get(key); card != nil && key != "" {
			if v := cardValue(card.Value); v != "" {
				header[strings.ToUpper(key)] = v
			}
		}
	}
	bitpix, axes := hdr.Bitpix(), hdr.Axes()
	header["BITPIX"] = strconv.Itoa(bitpix)
	header["NAXIS"] = strconv.Itoa(len(axes))
	for i, n := range axes {
		header["NAXIS"+strconv.Itoa(i+1)] = strconv.Itoa(n)
	}

	bands := 1
	switch len(axes) {
	case 2:
	case 3:
		bands = axes[2]
	default:
		return nil, nil, errors.Errorf("unsupported FITS image: NAXIS=%d", len(axes))
	}
	width, height := axes[0], axes[1]
	if width == 0 || height == 0 || bands == 0 {
		return nil, nil, errors.Errorf("invalid FITS: NAXIS1=%d, NAXIS2=%d, NAXIS3=%d", width, height, bands)
	}
	bzero, ok := header.GetFloat("BZERO")
	if !ok {
		bzero = 0
	}
	bscale, ok := header.GetFloat("BSCALE")
	if !ok {
		bscale = 1
	}

	m := NewImage(width, height, bands)
	switch bitpix {
	case 8:
		err = readPixels[uint8](im, m, bzero, bscale)
	case 16:
		err = readPixels[int16](im, m, bzero, bscale)
	case 32:
		err = readPixels[int32](im, m, bzero, bscale)
	case 64:
		err = readPixels[int64](im, m, bzero, bscale)
	case -32:
		err = readPixels[float32](im, m, bzero, bscale)
	case -64:
		err = readPixels[float64](im, m, bzero, bscale)
	default:
		return nil, nil, errors.Errorf("unsupported BITPIX: %d", bitpix)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error reading %d bit pixel data", bitpix)
	}
	return m, header, nil
}

// EncodeFITS writes the image as a primary HDU with BITPIX -32. Single band images are written as 2D.
func EncodeFITS(w io.Writer, m *Image, extra Header) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return errors.Wrap(err, "error creating FITS file")
	}
	axes := []int{m.Width, m.Height}
	if m.Bands > 1 {
		axes = append(axes, m.Bands)
	}
	im := fitsio.NewImage(-32, axes)
	defer im.Close()

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cards := make([]fitsio.Card, len(keys))
	for i, k := range keys {
		cards[i] = fitsio.Card{Name: strings.ToUpper(k), Value: extra[k]}
	}
	if err := im.Header().Append(cards...); err != nil {
		return errors.Wrap(err, "error writing FITS header")
	}
	if err := im.Write(m.Pix); err != nil {
		return errors.Wrap(err, "error writing FITS data")
	}
	if err := f.Write(im); err != nil {
		return errors.Wrap(err, "error writing FITS data")
	}
	return errors.Wrap(f.Close(), "error writing FITS file")
}
