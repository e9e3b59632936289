package ppg

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"
)

// ScreenSource captures a region of an active display, for example a window
// mirroring a phone camera.
type ScreenSource struct {
	Display int
	// Region is relative to the display; empty means the centre quarter.
	Region image.Rectangle

	mu       sync.Mutex
	rect     image.Rectangle
	acquired bool
}

func (s *ScreenSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &AcquireError{Reason: ReasonOther, Err: err}
	}

	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return &AcquireError{Reason: ReasonNoDevice, Err: ErrNoDevice}
	}
	if s.Display < 0 || s.Display >= n {
		return &AcquireError{Reason: ReasonNoDevice, Err: fmt.Errorf("display %d of %d: %w", s.Display, n, ErrNoDevice)}
	}

	bounds := screenshot.GetDisplayBounds(s.Display)
	rect := s.Region
	if rect.Empty() {
		w, h := bounds.Dx()/2, bounds.Dy()/2
		rect = image.Rect(w/2, h/2, w/2+w, h/2+h)
	}
	rect = rect.Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return &AcquireError{Reason: ReasonOther, Err: fmt.Errorf("capture region outside display %d", s.Display)}
	}

	// A first capture surfaces missing screen recording permission early.
	if _, err := screenshot.CaptureRect(rect); err != nil {
		return &AcquireError{Reason: ReasonPermissionDenied, Err: err}
	}

	s.mu.Lock()
	s.rect = rect
	s.acquired = true
	s.mu.Unlock()
	return nil
}

func (s *ScreenSource) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	rect, ok := s.rect, s.acquired
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("screen source not acquired")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return screenshot.CaptureRect(rect)
}

func (s *ScreenSource) Release() error {
	s.mu.Lock()
	s.acquired = false
	s.mu.Unlock()
	return nil
}
