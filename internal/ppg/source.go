package ppg

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Source is an imaging device the pipeline samples from.
type Source interface {
	// Acquire claims the device. Failures should be *AcquireError.
	Acquire(ctx context.Context) error
	Frame(ctx context.Context) (image.Image, error)
	Release() error
}

type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonNoDevice         Reason = "no-device"
	ReasonOther            Reason = "other"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no imaging device")
)

type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire failed: %s", e.Reason)
	}
	return fmt.Sprintf("acquire failed (%s): %v", e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// classify wraps err in an AcquireError unless it already is one.
func classify(err error) *AcquireError {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &AcquireError{Reason: ReasonPermissionDenied, Err: err}
	case errors.Is(err, ErrNoDevice):
		return &AcquireError{Reason: ReasonNoDevice, Err: err}
	}
	return &AcquireError{Reason: ReasonOther, Err: err}
}
