package nnet

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grantmerz/astrodet/img"
	"github.com/pkg/errors"
)

// KeyMapper translates a record to the storage key of its image. It must not do any I/O.
type KeyMapper func(r *Record) (img.Key, error)

// HSCKeyMapper returns the G, R and I band files for the separate file per band layout.
func HSCKeyMapper(r *Record) (img.Key, error) {
	return hscBands(r)
}

var hscBands = BandKeyMapper("G", "R", "I")

// BandKeyMapper returns a mapper which looks up the filename_<band> field for each band in order.
func BandKeyMapper(bands ...string) KeyMapper {
	bands = append([]string(nil), bands...)
	return func(r *Record) (img.Key, error) {
		paths := make([]string, len(bands))
		for i, band := range bands {
			name, err := r.Field("filename_" + band)
			if err != nil {
				return img.Key{}, err
			}
			paths[i] = name
		}
		return img.BandKey(paths...), nil
	}
}

// FileNameKeyMapper returns the single file_name field.
func FileNameKeyMapper(r *Record) (img.Key, error) {
	name, err := r.Field("file_name")
	if err != nil {
		return img.Key{}, err
	}
	return img.FileKey(name), nil
}

// DC2KeyMapper returns a mapper for packed per object arrays: the base name of the record's filename with
// the extension removed is joined to dir with a .npy suffix.
func DC2KeyMapper(dir string) KeyMapper {
	return func(r *Record) (img.Key, error) {
		name, err := r.Field("filename")
		if errors.Is(err, ErrMissingField) {
			if name, err = r.Field("file_name"); errors.Is(err, ErrMissingField) {
				return img.Key{}, &MissingFieldError{Field: "filename", ImageID: r.ImageID}
			}
		}
		if err != nil {
			return img.Key{}, err
		}
		base := filepath.Base(filepath.ToSlash(name))
		if i := strings.IndexByte(base, '.'); i >= 0 {
			base = base[:i]
		}
		return img.FileKey(filepath.Join(dir, base) + ".npy"), nil
	}
}

// WithDir prefixes relative paths returned by the mapper with dir.
func WithDir(dir string, mapper KeyMapper) KeyMapper {
	join := func(p string) string {
		if dir == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return func(r *Record) (img.Key, error) {
		key, err := mapper(r)
		if err != nil {
			return key, err
		}
		out := img.Key{Path: key.Path}
		if key.Path != "" {
			out.Path = join(key.Path)
		}
		for _, p := range key.Paths {
			out.Paths = append(out.Paths, join(p))
		}
		return out, nil
	}
}

// Instances holds per object targets for training or detections from the predictor.
type Instances struct {
	Height      int           `json:"height"`
	Width       int           `json:"width"`
	Boxes       [][4]float64  `json:"boxes"`
	Classes     []int         `json:"classes"`
	Polygons    [][][]float64 `json:"polygons"`
	Scores      []float64     `json:"scores,omitempty"`
	Redshifts   []float64     `json:"redshifts,omitempty"`
	RedshiftPDF [][]float64   `json:"redshift_pdf,omitempty"`
}

// Len is the number of objects.
func (in *Instances) Len() int {
	if in == nil {
		return 0
	}
	return len(in.Boxes)
}

// Example is a model ready image together with its labels.
type Example struct {
	Image       *img.Image
	ImageID     int
	FileName    string
	Height      int
	Width       int
	Annotations []Annotation
	Instances   *Instances
}

// DictMapper reads the image for a record, applies the optional augmentation and packages the labels.
type DictMapper struct {
	Reader    img.Reader
	KeyMapper KeyMapper
	Augment   *img.Transformer
}

// NewDictMapper creates a mapper. If aug is nil the pixels and annotations are passed through unchanged.
func NewDictMapper(reader img.Reader, keyMapper KeyMapper, aug *img.Transformer) *DictMapper {
	return &DictMapper{Reader: reader, KeyMapper: keyMapper, Augment: aug}
}

func (m *DictMapper) Map(r *Record) (*Example, error) {
	key, err := m.KeyMapper(r)
	if err != nil {
		return nil, err
	}
	if key.IsEmpty() {
		return nil, errors.Errorf("record %d: key mapper returned no files", r.ImageID)
	}
	image, err := m.Reader.Read(key)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", r.ImageID)
	}
	ex := &Example{ImageID: r.ImageID, FileName: r.FileName}
	ex.Annotations = make([]Annotation, len(r.Annotations))
	for i, a := range r.Annotations {
		ex.Annotations[i] = a.Clone()
	}
	if m.Augment != nil {
		var geom img.Geometry
		if image, geom, err = m.Augment.Transform(image); err != nil {
			return nil, errors.Wrapf(err, "record %d: augmentation failed", r.ImageID)
		}
		if !geom.Identity() {
			for i := range ex.Annotations {
				transformAnnotation(&ex.Annotations[i], geom)
			}
		}
	}
	ex.Image = image
	ex.Height, ex.Width = image.Height, image.Width
	ex.Instances = annotationsToInstances(ex.Annotations, ex.Height, ex.Width)
	return ex, nil
}

func transformAnnotation(a *Annotation, geom img.Geometry) {
	a.BBox = geom.Box(a.XYXY())
	a.BBoxMode = XYXYAbs
	for i, poly := range a.Segmentation {
		a.Segmentation[i] = geom.Polygon(poly)
	}
}

// crowd regions are not used as training targets
func annotationsToInstances(annos []Annotation, height, width int) *Instances {
	in := &Instances{Height: height, Width: width}
	for _, a := range annos {
		if a.IsCrowd != 0 {
			continue
		}
		in.Boxes = append(in.Boxes, a.XYXY())
		in.Classes = append(in.Classes, a.CategoryID)
		in.Polygons = append(in.Polygons, a.Segmentation)
	}
	return in
}

// RedshiftDictMapper is a DictMapper which also adds the redshift of each object as a training target.
type RedshiftDictMapper struct {
	DictMapper
}

func NewRedshiftDictMapper(reader img.Reader, keyMapper KeyMapper, aug *img.Transformer) *RedshiftDictMapper {
	return &RedshiftDictMapper{DictMapper: DictMapper{Reader: reader, KeyMapper: keyMapper, Augment: aug}}
}

func (m *RedshiftDictMapper) Map(r *Record) (*Example, error) {
	ex, err := m.DictMapper.Map(r)
	if err != nil {
		return nil, err
	}
	for i, a := range ex.Annotations {
		if a.IsCrowd != 0 {
			continue
		}
		if a.Redshift == nil {
			return nil, &MissingFieldError{Field: "annotations[" + strconv.Itoa(i) + "].redshift", ImageID: r.ImageID}
		}
		ex.Instances.Redshifts = append(ex.Instances.Redshifts, *a.Redshift)
	}
	return ex, nil
}
