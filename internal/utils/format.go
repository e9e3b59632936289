package utils

import (
	"fmt"
	"time"
)

func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours == 0 && minutes == 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	if hours == 0 {
		return fmt.Sprintf("%dm%02ds", minutes, seconds)
	}
	return fmt.Sprintf("%dh%02dm", hours, minutes)
}

// FormatBPM renders a heart rate for terminal output; zero means no reading.
func FormatBPM(bpm float64) string {
	if bpm <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.0f", bpm)
}
