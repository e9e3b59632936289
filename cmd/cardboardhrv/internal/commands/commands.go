package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/logger"
	"cardboardhrv/internal/monitor"
	"cardboardhrv/internal/utils"
)

type Globals struct {
	Debug   bool
	Config  string
	Version string
}

// load reads configuration and opens a console logger that also writes to the
// session's log file when sessionID is set.
func (g *Globals) load(sessionID string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	l, err := logger.New(logger.Options{Debug: g.Debug, Console: true, SessionID: sessionID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, l, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// newSessionID returns a short random identifier suitable for a pairing URL.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:constants.SessionIDLength]
}

func printBanner(subtitle string) {
	fmt.Println()
	fmt.Printf("  %s%scardboardhrv%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Printf("  %s%s%s\n", constants.ColorDim, subtitle, constants.ColorReset)
	fmt.Println()
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", constants.ColorDim, label, constants.ColorReset, valueColor, value, constants.ColorReset)
}

func printSep() {
	fmt.Printf("  %s%s%s\n", constants.ColorDim, strings.Repeat("─", 50), constants.ColorReset)
}

func printStatus(text, color string) {
	fmt.Printf("  %s%s● %s%s\n", constants.ColorBold, color, text, constants.ColorReset)
}

func printSnapshot(s monitor.Snapshot) {
	rec := "idle"
	if s.Recording {
		rec = constants.ColorRed + "recording" + constants.ColorReset
	}
	fmt.Printf("  %s%s %-10s%s %s%3s bpm%s  rmssd %5.1f  sdnn %5.1f  %s\n",
		constants.ColorDim, time.Now().Format(constants.TimeFormatShort), s.Status, constants.ColorReset,
		constants.ColorGreen, utils.FormatBPM(s.Current), constants.ColorReset,
		s.HRV.RMSSD, s.HRV.SDNN, rec)
}
