package nnet

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMissingField    = errors.New("missing field")
	ErrNoWeights       = errors.New("predictor has no weights loaded")
	ErrNotConstructing = errors.New("trainer is not in the constructing state")
	ErrFinished        = errors.New("trainer has finished")
	ErrUnknownModel    = errors.New("unknown model name")
	ErrUnknownDataset  = errors.New("unknown dataset")
)

// MissingFieldError is returned when a record does not have a field required to locate its images.
type MissingFieldError struct {
	Field   string
	ImageID int
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("record %d: missing field %q", e.ImageID, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }
