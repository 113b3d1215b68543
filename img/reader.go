package img

import (
	"path/filepath"
	"strings"

	"github.com/grantmerz/astrodet/num"
	"github.com/pkg/errors"
)

// Key identifies the storage for one object: either a list of files with one band each, or a single packed file.
type Key struct {
	Paths []string
	Path  string
}

// BandKey returns a key with one file per band.
func BandKey(paths ...string) Key {
	return Key{Paths: append([]string{}, paths...)}
}

// FileKey returns a key for a single file.
func FileKey(path string) Key {
	return Key{Path: path}
}

// Files returns every path referenced by the key.
func (k Key) Files() []string {
	if len(k.Paths) > 0 {
		return k.Paths
	}
	if k.Path != "" {
		return []string{k.Path}
	}
	return nil
}

// IsEmpty is true if the key references no files.
func (k Key) IsEmpty() bool {
	return len(k.Files()) == 0
}

func (k Key) String() string {
	if len(k.Paths) > 0 {
		return "[" + strings.Join(k.Paths, " ") + "]"
	}
	return k.Path
}

// Reader loads the pixels referenced by a key.
type Reader interface {
	Read(key Key) (*Image, error)
}

// BandReader reads one FITS or 2D .npy file per band and stacks them in key order.
type BandReader struct {
	Norm Normaliser
}

// NewBandReader returns a reader for the separate file per band layout.
func NewBandReader(norm Normaliser) *BandReader {
	return &BandReader{Norm: norm}
}

func (r *BandReader) Read(key Key) (*Image, error) {
	files := key.Files()
	if len(files) == 0 {
		return nil, errors.New("band reader: key has no files")
	}
	images := make([]*Image, len(files))
	for i, path := range files {
		m, err := readFile(path, HWC)
		if err != nil {
			return nil, err
		}
		if i > 0 && m.Bands != images[0].Bands {
			return nil, errors.Errorf("band reader: %s has %d bands, expecting %d as for %s", path, m.Bands, images[0].Bands, files[0])
		}
		images[i] = m
	}
	m, err := Stack(images...)
	if err != nil {
		return nil, errors.Wrapf(err, "band reader: error stacking %s", key)
	}
	return r.Norm.Apply(m)
}

// CubeReader reads a single packed array per object: a .npy file with the given layout or a FITS cube.
type CubeReader struct {
	Layout Layout
	Norm   Normaliser
	// Bands if non-zero is the number of bands every cube must have.
	Bands int
}

// NewCubeReader returns a reader for the single packed file per object layout.
func NewCubeReader(layout Layout, norm Normaliser) *CubeReader {
	return &CubeReader{Layout: layout, Norm: norm}
}

func (r *CubeReader) Read(key Key) (*Image, error) {
	files := key.Files()
	if len(files) != 1 {
		return nil, errors.Errorf("cube reader: expecting a single file, got %s", key)
	}
	m, err := readFile(files[0], r.Layout)
	if err != nil {
		return nil, err
	}
	if r.Bands > 0 && m.Bands != r.Bands {
		return nil, errors.Errorf("cube reader: %s has %d bands, expecting %d", files[0], m.Bands, r.Bands)
	}
	return r.Norm.Apply(m)
}

func readFile(path string, layout Layout) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		a, err := num.LoadNpy(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading image %s", path)
		}
		m, err := FromArray(a, layout)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading image %s", path)
		}
		return m, nil
	default:
		m, _, err := ReadFITS(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading image %s", path)
		}
		return m, nil
	}
}
