// Package logger provides per-subsystem loggers writing to stdout and a
// rotated log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags.
const (
	Main     = "MAIN"
	Recorder = "RCDR"
	Mixer    = "MIXR"
	Tap      = "TAP"
	Devices  = "DEVS"
	Hotkey   = "HKEY"
	Speech   = "STT"
	Enhance  = "ENHC"
	Paste    = "PAST"
	Tray     = "TRAY"
	Server   = "HTTP"
	Settings = "CONF"
)

// Config holds logger configuration
type Config struct {
	// LogDir receives ezs2t-mix.log; empty disables the file.
	LogDir string
	// Level is "info" or a comma list such as "info,MIXR=debug".
	Level string
	// MaxRolls is the number of rotated files kept.
	MaxRolls int
	// Stdout additionally receives every line when non-nil.
	Stdout io.Writer
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return Config{
		LogDir:   filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Mix", "logs"),
		Level:    "info",
		MaxRolls: 7,
		Stdout:   os.Stdout,
	}
}

// Backend hands out subsystem loggers sharing one output.
type Backend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	bknd       *slog.Backend

	mu              sync.Mutex
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level
	loggers         map[string]slog.Logger
}

// New creates the backend and applies cfg.Level.
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		stdOut:          cfg.Stdout,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		maxRolls := cfg.MaxRolls
		if maxRolls <= 0 {
			maxRolls = DefaultConfig().MaxRolls
		}
		r, err := rotator.New(filepath.Join(cfg.LogDir, "ezs2t-mix.log"), 1024, false, maxRolls)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		b.logRotator = r
	}
	b.bknd = slog.NewBackend(b)

	if err := b.SetLevels(cfg.Level); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

// Logger returns the logger for subsys, creating it on first use.
func (b *Backend) Logger(subsys string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	b.loggers[subsys] = l
	if level, ok := b.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLogLevel)
	}
	return l
}

// SetLevels applies a level string such as "debug" or "info,TAP=trace"
// to existing and future loggers. An empty string changes nothing.
func (b *Backend) SetLevels(s string) error {
	if s == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, v := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(v), "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLogLevel = level
			for subsys, l := range b.loggers {
				if _, pinned := b.logLevels[subsys]; !pinned {
					l.SetLevel(level)
				}
			}
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return fmt.Errorf("unknown log level %q for %s", fields[1], fields[0])
			}
			b.logLevels[fields[0]] = level
			if l, ok := b.loggers[fields[0]]; ok {
				l.SetLevel(level)
			}
		default:
			return fmt.Errorf("unable to parse %q as subsys=level debuglevel string", v)
		}
	}
	return nil
}

// Subsystems lists the subsystems that have a logger.
func (b *Backend) Subsystems() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]string, 0, len(b.loggers))
	for s := range b.loggers {
		subs = append(subs, s)
	}
	sort.Strings(subs)
	return subs
}

// Close flushes and closes the log file.
func (b *Backend) Close() error {
	if b.logRotator == nil {
		return nil
	}
	return b.logRotator.Close()
}
