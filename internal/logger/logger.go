package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Debug bool
	// Console selects the human readable writer on stderr; otherwise JSON.
	Console bool
	// SessionID, when set, also writes JSON lines to a per-session log file.
	SessionID string
	// Dir overrides the platform log directory.
	Dir string
	Out io.Writer
}

// Logger wraps the zerolog logger together with the session log file it may
// own.
type Logger struct {
	zerolog.Logger
	file *os.File
}

func New(opts Options) (*Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	l := &Logger{}
	writers := []io.Writer{out}

	if opts.SessionID != "" {
		logDir := opts.Dir
		if logDir == "" {
			d, err := getLogDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get log directory: %w", err)
			}
			logDir = d
		}

		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", opts.SessionID))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	if opts.SessionID != "" {
		l.Logger = l.Logger.With().Str("session_id", opts.SessionID).Logger()
	}
	return l, nil
}

func getLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var logDir string
	switch runtime.GOOS {
	case "windows":
		logDir = filepath.Join(homeDir, "AppData", "Local", "cardboardhrv", "logs")
	case "darwin":
		logDir = filepath.Join(homeDir, "Library", "Logs", "cardboardhrv")
	default: // linux and others
		logDir = filepath.Join(homeDir, ".local", "share", "cardboardhrv", "logs")
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			logDir = filepath.Join(xdgData, "cardboardhrv", "logs")
		}
	}

	return logDir, nil
}

// Path returns the session log file, if any.
func (l *Logger) Path() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
