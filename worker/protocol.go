package worker

import (
	"encoding/json"

	"github.com/grantmerz/astrodet/img"
	"github.com/grantmerz/astrodet/nnet"
)

// Method names understood by the model worker.
const (
	MethodBuild        = "build"
	MethodLosses       = "losses"
	MethodPredict      = "predict"
	MethodParameters   = "parameters"
	MethodSetTrainable = "set_trainable"
	MethodTo           = "to"
	MethodSave         = "save"
	MethodLoad         = "load"
	MethodStep         = "step"
)

// Request is one call sent to the worker. Responses carry the same ID.
type Request struct {
	ID      uint64          `json:"id"`
	Session string          `json:"session"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the worker reply. Error is set if the call failed.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Image is the wire form of a multi-band image in band planar order.
type Image struct {
	Height int       `json:"height"`
	Width  int       `json:"width"`
	Bands  int       `json:"bands"`
	Pix    []float32 `json:"pix"`
}

func encodeImage(m *img.Image) *Image {
	if m == nil {
		return nil
	}
	return &Image{Height: m.Height, Width: m.Width, Bands: m.Bands, Pix: m.CHW()}
}

// Decode converts back to an image, checking the pixel count.
func (w *Image) Decode() (*img.Image, bool) {
	if w == nil || len(w.Pix) != w.Height*w.Width*w.Bands {
		return nil, false
	}
	return &img.Image{Pix: w.Pix, Height: w.Height, Width: w.Width, Bands: w.Bands}, true
}

// Example is the wire form of a mapped training example.
type Example struct {
	ImageID   int             `json:"image_id"`
	FileName  string          `json:"file_name"`
	Image     *Image          `json:"image"`
	Instances *nnet.Instances `json:"instances"`
}

func encodeBatch(batch nnet.Batch) []Example {
	out := make([]Example, len(batch))
	for i, ex := range batch {
		out[i] = Example{ImageID: ex.ImageID, FileName: ex.FileName, Image: encodeImage(ex.Image), Instances: ex.Instances}
	}
	return out
}

// BuildParams selects the model on the worker.
type BuildParams struct {
	Model   string      `json:"model"`
	Config  nnet.Config `json:"config"`
	Classes int         `json:"classes"`
}

type lossesParams struct {
	Batch []Example `json:"batch"`
}

type predictParams struct {
	Image *Image `json:"image"`
}

type trainableParams struct {
	Prefix string `json:"prefix"`
	On     bool   `json:"on"`
}

type deviceParams struct {
	Device string `json:"device"`
}

type pathParams struct {
	Path string `json:"path"`
}

type stepParams struct {
	LR float64 `json:"lr"`
}
