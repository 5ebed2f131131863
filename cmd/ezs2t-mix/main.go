package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yok-tottii/EzS2T-Mix/internal/audio"
	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/logger"
)

const version = "0.1.0"

func init() {
	// The tray and the hotkey both need the main thread on macOS.
	runtime.LockOSThread()
}

type rootFlags struct {
	configPath string
	logLevel   string
	logDir     string
	keepAudio  bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "ezs2t-mix",
		Short: "Dictation with microphone and system audio mixing",
		Long: "ezs2t-mix records the microphone, optionally mixed with what you hear,\n" +
			"transcribes it with whisper.cpp and pastes the text into the focused app.",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), flags)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", config.GetConfigPath(), "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", `Log level, e.g. "debug" or "info,MIXR=debug" (default from config)`)
	cmd.PersistentFlags().StringVar(&flags.logDir, "log-dir", logger.DefaultConfig().LogDir, "Directory for rotated log files (empty disables)")
	cmd.PersistentFlags().BoolVar(&flags.keepAudio, "keep-audio", false, "Keep recordings in the temp directory after transcription")

	cmd.AddCommand(newRunCmd(&flags))
	cmd.AddCommand(newDevicesCmd(&flags))
	cmd.AddCommand(newRecordCmd(&flags))
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the menu bar app (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), *flags)
		},
	}
}

// loadConfig reads the configuration and builds the log backend. The
// --log-level flag wins over the configured level.
func loadConfig(flags rootFlags) (*config.Config, *logger.Backend, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration %s: %w", flags.configPath, err)
	}

	lc := logger.DefaultConfig()
	lc.LogDir = flags.logDir
	lc.Level = cfg.Clone().LogLevel
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	logs, err := logger.New(lc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, logs, nil
}

// tapBackend is the platform's system audio tap primitive.
type tapBackend interface {
	hal.Taps
	Close() error
}

// openSystem opens the PortAudio device and microphone backend and the
// platform tap backend (see openTaps). Without a tap backend recordings
// fall back to the microphone.
func openSystem(logs *logger.Backend) (hal.System, func(), error) {
	pa, err := audio.NewPortAudioDriver(audio.DefaultConfig())
	if err != nil {
		return nil, nil, err
	}

	var taps hal.Taps = hal.NoTaps{}
	closers := []func() error{pa.Close}
	tb, err := openTaps(pa, logs.Logger(logger.Tap))
	if err != nil {
		logs.Logger(logger.Main).Warnf("System audio capture unavailable: %v", err)
	} else {
		taps = tb
		closers = append([]func() error{tb.Close}, closers...)
	}

	closeAll := func() {
		log := logs.Logger(logger.Main)
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warnf("Audio backend close: %v", err)
			}
		}
	}
	return hal.Compose(pa, taps, pa), closeAll, nil
}
