package ppg

import (
	"math"

	"cardboardhrv/internal/constants"
)

// Estimate derives a heart rate in BPM from the window's samples. A peak is
// a sample strictly above both neighbours and above mean+stddev of the
// window. The rate is scaled by the real span between the first and last
// sample and clamped to [MinBPM, MaxBPM]. It reports false below MinSamples
// or when the window holds no signal.
func Estimate(samples []Sample) (int, bool) {
	if len(samples) < constants.MinSamples {
		return 0, false
	}

	elapsed := float64(samples[len(samples)-1].At-samples[0].At) / 1000
	if elapsed <= 0 {
		return 0, false
	}

	mean, std, signal := stats(samples)
	if !signal {
		return 0, false
	}
	threshold := mean + std

	peaks := 0
	for i := 1; i < len(samples)-1; i++ {
		v := samples[i].Value
		if v <= 0 {
			continue
		}
		if v > samples[i-1].Value && v > samples[i+1].Value && v > threshold {
			peaks++
		}
	}

	bpm := math.Round(float64(peaks) * 60 / elapsed)
	bpm = math.Max(constants.MinBPM, math.Min(constants.MaxBPM, bpm))
	return int(bpm), true
}

func stats(samples []Sample) (mean, std float64, signal bool) {
	for _, s := range samples {
		mean += s.Value
		if s.Value > 0 {
			signal = true
		}
	}
	mean /= float64(len(samples))

	for _, s := range samples {
		d := s.Value - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(samples)))
	return mean, std, signal
}
