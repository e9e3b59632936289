package ppg

import "time"

// Sample is one extracted value and its capture time in epoch milliseconds.
type Sample struct {
	At    int64
	Value float64
}

// Window keeps the samples captured within a trailing time span.
type Window struct {
	span    time.Duration
	samples []Sample
}

func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

func (w *Window) Push(s Sample) {
	w.samples = append(w.samples, s)

	cutoff := s.At - w.span.Milliseconds()
	i := 0
	for i < len(w.samples) && w.samples[i].At < cutoff {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Samples returns a copy of the buffered samples, oldest first.
func (w *Window) Samples() []Sample {
	return append([]Sample(nil), w.samples...)
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Reset() {
	w.samples = w.samples[:0]
}
