package ppg

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

// SyntheticSource renders frames whose red level pulses at a fixed rate. It
// stands in for a camera in demos and tests.
type SyntheticSource struct {
	BPM    float64
	Width  int
	Height int
	// Now defaults to time.Now.
	Now func() time.Time
	// AcquireErr, when set, is returned by Acquire.
	AcquireErr error

	mu       sync.Mutex
	acquired bool
	start    time.Time
}

func (s *SyntheticSource) Acquire(ctx context.Context) error {
	if s.AcquireErr != nil {
		return s.AcquireErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.acquired = true
	s.start = s.now()
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SyntheticSource) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	ok, start := s.acquired, s.start
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("synthetic source not acquired")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 48
	}

	red := s.level(s.now().Sub(start))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: red, G: 40, B: 30, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// level is a sharp systolic spike once per beat over a steady baseline.
func (s *SyntheticSource) level(elapsed time.Duration) uint8 {
	bpm := s.BPM
	if bpm <= 0 {
		bpm = 72
	}
	period := 60 / bpm
	phase := math.Mod(elapsed.Seconds(), period) / period
	pulse := math.Exp(-math.Pow((phase-0.2)/0.05, 2))
	return uint8(120 + 100*pulse)
}

func (s *SyntheticSource) Release() error {
	s.mu.Lock()
	s.acquired = false
	s.mu.Unlock()
	return nil
}
