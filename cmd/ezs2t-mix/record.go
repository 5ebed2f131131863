package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/spf13/cobra"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/logger"
	"github.com/yok-tottii/EzS2T-Mix/internal/mixer"
	"github.com/yok-tottii/EzS2T-Mix/internal/permissions"
	"github.com/yok-tottii/EzS2T-Mix/internal/recording"
)

type recordOptions struct {
	duration    time.Duration
	systemAudio bool
	out         string
	mic         string
	channels    int
}

func newRecordCmd(flags *rootFlags) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one session without the menu bar app",
		Example: `  ezs2t-mix record --duration 10s --out memo.wav
  ezs2t-mix record --system-audio --channels 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			defer logs.Close()

			sys, closeSys, err := openSystem(logs)
			if err != nil {
				return err
			}
			defer closeSys()

			rc := cfg.RecordingSettings()
			if cmd.Flags().Changed("system-audio") {
				rc.EnableSystemAudioMixing = opts.systemAudio
			}
			if opts.mic != "" {
				rc.SelectedMicrophoneID = &opts.mic
			}
			if opts.channels != 0 {
				rc.MixedChannels = opts.channels
			}

			reg := devices.New(sys, logs.Logger(logger.Devices))
			gate := permissions.NewPermissionChecker().RequireMicrophone
			_, err = record(cmd.Context(), sys, reg, rc, opts, logs.Logger(logger.Recorder), cmd.OutOrStdout(),
				recording.WithPermissionGate(gate), recording.WithMixerLogger(logs.Logger(logger.Mixer)))
			return err
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 5*time.Second, "Recording length; Ctrl+C stops early")
	cmd.Flags().BoolVar(&opts.systemAudio, "system-audio", false, "Mix system audio with the microphone (default from config)")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output WAV path (default: a file in the temp directory)")
	cmd.Flags().StringVar(&opts.mic, "mic", "", "Input device UID (see 'devices')")
	cmd.Flags().IntVar(&opts.channels, "channels", 0, "Channels of a mixed recording, 1 or 2 (default from config)")
	return cmd
}

// record runs one session for opts.duration, or until ctx is cancelled,
// and moves the file to opts.out when set.
func record(ctx context.Context, sys hal.System, reg *devices.Registry, rc config.RecordingConfig,
	opts recordOptions, log slog.Logger, w io.Writer, copts ...recording.Option) (mixer.Result, error) {

	if opts.duration <= 0 {
		return mixer.Result{}, errors.New("duration must be positive")
	}
	if rc.MixedChannels != 1 && rc.MixedChannels != 2 {
		return mixer.Result{}, fmt.Errorf("invalid channel count %d (must be 1 or 2)", rc.MixedChannels)
	}

	dir := os.TempDir()
	if opts.out != "" {
		dir = filepath.Dir(opts.out)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return mixer.Result{}, err
		}
	}

	c := recording.New(sys, reg, recording.Config{MaxDuration: opts.duration, TempDir: dir}, log, copts...)
	defer c.Close()

	if err := c.Start(ctx, rc); err != nil {
		return mixer.Result{}, fmt.Errorf("failed to start recording: %w", err)
	}
	if s, ok := c.Session(); ok {
		fmt.Fprintf(w, "Recording %s session at %.0f Hz (system audio: %v)...\n",
			s.ModeName, s.Format.SampleRate, s.SystemAudio)
	}

	var (
		res mixer.Result
		err error
	)
	select {
	case out := <-c.Results():
		res, err = out.Result, out.Err
	case <-ctx.Done():
		res, err = c.Stop(context.Background())
	}
	if res.Path == "" {
		return res, err
	}

	if opts.out != "" {
		if rerr := os.Rename(res.Path, opts.out); rerr != nil {
			return res, errors.Join(err, rerr)
		}
		res.Path = opts.out
	}

	fmt.Fprintf(w, "Wrote %s: %s, %.0f Hz, %d ch, system audio: %v\n",
		res.Path, res.Duration.Round(10*time.Millisecond), res.Format.SampleRate, res.Format.Channels, res.SystemAudio)
	if res.TapStrategy != "" {
		fmt.Fprintf(w, "Tap strategy: %s\n", res.TapStrategy)
	}
	if res.DroppedWrites > 0 || res.Overruns > 0 {
		fmt.Fprintf(w, "Warning: %d dropped writes, %d ring overruns\n", res.DroppedWrites, res.Overruns)
	}
	return res, err
}
