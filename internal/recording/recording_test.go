package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal/haltest"
	"github.com/yok-tottii/EzS2T-Mix/internal/mixer"
)

func newController(t *testing.T, sys *haltest.System, opts ...Option) *Controller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	c := New(sys, devices.New(sys, slog.Disabled), cfg, slog.Disabled, opts...)
	t.Cleanup(c.Close)
	return c
}

func simpleConfig() config.RecordingConfig {
	return config.DefaultConfig().Recording
}

func mixedConfig() config.RecordingConfig {
	rc := config.DefaultConfig().Recording
	rc.EnableSystemAudioMixing = true
	return rc
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.MaxDuration)
	assert.NotEmpty(t, cfg.TempDir)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, "Idle"},
		{Starting, "Starting"},
		{Recording, "Recording"},
		{Stopping, "Stopping"},
		{State(42), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mixer.Result{}, res)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, sys.Calls())
}

func TestStartStop(t *testing.T) {
	sys := haltest.New()
	sys.MicSignal = haltest.Tone(440, 0.5)
	c := newController(t, sys)

	require.NoError(t, c.Start(context.Background(), simpleConfig()))
	assert.Equal(t, Recording, c.State())

	info, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, mixer.ModeSimple, info.Mode)
	assert.Equal(t, "simple", info.ModeName)
	assert.Equal(t, Recording, info.State)
	assert.Equal(t, float64(mixer.SimpleSampleRate), info.Format.SampleRate)
	assert.Contains(t, filepath.Base(info.OutputPath), "ezs2t-mix-")

	// The first readings may still cover the silent pre-roll.
	deadline := time.After(2 * time.Second)
	for heard := false; !heard; {
		select {
		case m := <-c.Meters():
			if m.AveragePower > 0 {
				heard = true
				assert.GreaterOrEqual(t, m.PeakPower, m.AveragePower)
			}
		case <-deadline:
			t.Fatal("no audible meter value while recording")
		}
	}

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info.OutputPath, res.Path)
	assert.Greater(t, res.Frames, int64(0))
	assert.Equal(t, Idle, c.State())
	_, ok = c.Session()
	assert.False(t, ok)
	assert.Zero(t, sys.RunningInputs())

	_, err = os.Stat(res.Path)
	assert.NoError(t, err)

	select {
	case out := <-c.Results():
		assert.Equal(t, res.Path, out.Result.Path)
		assert.False(t, out.AutoStopped)
	default:
		t.Fatal("stop did not publish a result")
	}
}

func TestStartWhileActiveIsNoop(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	require.NoError(t, c.Start(context.Background(), simpleConfig()))
	first, _ := c.Session()
	require.NoError(t, c.Start(context.Background(), mixedConfig()))
	second, _ := c.Session()

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, sys.Count("OpenInput"))
	assert.Zero(t, sys.Count("CreateTap"))
}

func TestConcurrentStartsOpenOneSession(t *testing.T) {
	sys := haltest.New()
	sys.OpenDelay = 50 * time.Millisecond
	c := newController(t, sys)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Start(context.Background(), simpleConfig()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sys.Count("OpenInput"))
	assert.Equal(t, Recording, c.State())
}

func TestStopWaitsForInFlightStart(t *testing.T) {
	sys := haltest.New()
	sys.OpenDelay = 300 * time.Millisecond
	c := newController(t, sys)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background(), simpleConfig()) }()
	require.Eventually(t, func() bool { return c.State() == Starting }, time.Second, time.Millisecond)

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-started)

	assert.NotEmpty(t, res.Path, "stop should see the session the start created")
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, sys.RunningInputs())
}

func TestNoSourceFailsStart(t *testing.T) {
	sys := haltest.New()
	sys.FailInput = haltest.ErrInjected
	sys.FailTapCreate = haltest.ErrInjected
	c := newController(t, sys)

	err := c.Start(context.Background(), mixedConfig())
	require.ErrorIs(t, err, mixer.ErrNoSource)
	assert.Equal(t, Idle, c.State())

	// The controller stays usable.
	sys.FailInput = nil
	require.NoError(t, c.Start(context.Background(), simpleConfig()))
	assert.Equal(t, Recording, c.State())
}

func TestPermissionGate(t *testing.T) {
	denied := errors.New("microphone access denied")
	sys := haltest.New()
	c := newController(t, sys, WithPermissionGate(func() error { return denied }))

	err := c.Start(context.Background(), simpleConfig())
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, sys.Count("OpenInput"))
}

func TestAutoStop(t *testing.T) {
	sys := haltest.New()
	cfg := DefaultConfig()
	cfg.MaxDuration = 200 * time.Millisecond
	cfg.TempDir = t.TempDir()
	c := New(sys, devices.New(sys, slog.Disabled), cfg, slog.Disabled)
	defer c.Close()

	require.NoError(t, c.Start(context.Background(), simpleConfig()))

	select {
	case out := <-c.Results():
		require.NoError(t, out.Err)
		assert.True(t, out.AutoStopped)
		assert.Greater(t, out.Result.Frames, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("recording was not stopped automatically")
	}
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, sys.RunningInputs())
}

func TestManualStopCancelsAutoStop(t *testing.T) {
	sys := haltest.New()
	cfg := DefaultConfig()
	cfg.MaxDuration = 150 * time.Millisecond
	cfg.TempDir = t.TempDir()
	c := New(sys, devices.New(sys, slog.Disabled), cfg, slog.Disabled)
	defer c.Close()

	require.NoError(t, c.Start(context.Background(), simpleConfig()))
	_, err := c.Stop(context.Background())
	require.NoError(t, err)
	<-c.Results()

	require.NoError(t, c.Start(context.Background(), simpleConfig()))
	time.Sleep(100 * time.Millisecond)
	// The first session's timer must not stop the second one early.
	assert.Equal(t, Recording, c.State())
}

func TestSelectedMicrophoneIsUsed(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	rc := simpleConfig()
	uid := "USBHeadset-0001"
	rc.SelectedMicrophoneID = &uid
	require.NoError(t, c.Start(context.Background(), rc))

	assert.Contains(t, sys.Calls(), "OpenInput(3)")
	assert.EqualValues(t, 3, sys.DefaultInput())
}

func TestMissingSelectedMicrophoneFallsBack(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	rc := simpleConfig()
	uid := "unplugged"
	rc.SelectedMicrophoneID = &uid
	require.NoError(t, c.Start(context.Background(), rc))

	assert.Contains(t, sys.Calls(), "OpenInput(0)")
	assert.EqualValues(t, 1, sys.DefaultInput())
}

func TestSelectMicrophone(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	d, err := c.SelectMicrophone(context.Background(), "USBHeadset-0001")
	require.NoError(t, err)
	assert.Equal(t, "USB Headset", d.Name)
	assert.EqualValues(t, 3, sys.DefaultInput())

	_, err = c.SelectMicrophone(context.Background(), "BuiltInSpeakerDevice")
	assert.ErrorIs(t, err, ErrUnknownDevice, "output-only device")

	_, err = c.SelectMicrophone(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	d, err = c.SelectMicrophone(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestMixedSessionSurvivesTapLoss(t *testing.T) {
	sys := haltest.New()
	c := newController(t, sys)

	require.NoError(t, c.Start(context.Background(), mixedConfig()))
	info, _ := c.Session()
	require.True(t, info.SystemAudio)
	assert.Equal(t, mixer.ModeMixed, info.Mode)

	sys.LoseDevice()
	require.Eventually(t, func() bool {
		info, ok := c.Session()
		return ok && !info.SystemAudio
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Recording, c.State())

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.TapTeardown)
	assert.True(t, res.TapTeardown.TapDestroyed)
	taps, aggs, procs := sys.Live()
	assert.Zero(t, taps+aggs+procs)
}

func TestCloseStopsActiveRecording(t *testing.T) {
	sys := haltest.New()
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	c := New(sys, devices.New(sys, slog.Disabled), cfg, slog.Disabled)

	require.NoError(t, c.Start(context.Background(), mixedConfig()))
	c.Close()
	c.Close()

	assert.Zero(t, sys.RunningInputs())
	taps, _, _ := sys.Live()
	assert.Zero(t, taps)
	assert.ErrorIs(t, c.Start(context.Background(), simpleConfig()), ErrClosed)
	_, err := c.Stop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContext(t *testing.T) {
	c := newController(t, haltest.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context may or may not win against an idle executor,
	// but it must never leave the controller mid-transition.
	_ = c.Start(ctx, simpleConfig())
	assert.Contains(t, []State{Idle, Recording}, c.State())
}
