package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, HighStability, config.Latency)
	assert.Equal(t, 512, config.FramesPerBuffer)
	assert.Equal(t, 2, config.MaxInputChannels)
}

func TestObjectIDMapping(t *testing.T) {
	for i := 0; i < 4; i++ {
		id := ObjectID(i)
		assert.NotEqual(t, hal.UnknownObject, id)
		assert.Equal(t, i, Index(id))
	}
	assert.Equal(t, -1, Index(hal.UnknownObject))
}

func TestDeviceUID(t *testing.T) {
	assert.Equal(t, "Core Audio:MacBook Pro Microphone", DeviceUID("Core Audio", "MacBook Pro Microphone"))
	assert.Equal(t, "USB Mic", DeviceUID("", "USB Mic"))
}

func TestInputChannels(t *testing.T) {
	assert.Equal(t, 1, inputChannels(1, 2))
	assert.Equal(t, 2, inputChannels(8, 2))
	assert.Equal(t, 8, inputChannels(8, 0))
}

func newDriver(t *testing.T) *PortAudioDriver {
	t.Helper()
	driver, err := NewPortAudioDriver(DefaultConfig())
	if err != nil {
		t.Skipf("PortAudio not available: %v", err)
	}
	t.Cleanup(func() { driver.Close() })
	return driver
}

func TestListDevices(t *testing.T) {
	driver := newDriver(t)

	reg := devices.New(driver, slog.Disabled)
	inputs := reg.ListInputDevices()
	if len(inputs) == 0 {
		t.Skip("No audio input devices available")
	}
	for _, d := range inputs {
		t.Logf("Device %d: %s (%s)", d.ID, d.Name, d.UID)
		assert.True(t, d.HasInput)
		assert.NotEmpty(t, d.UID)
	}

	_, err := driver.ChannelCount(ObjectID(1<<20), hal.ScopeInput)
	assert.ErrorIs(t, err, hal.ErrNotFound)
}

func TestInputLifecycle(t *testing.T) {
	driver := newDriver(t)

	format, err := driver.DefaultInputFormat(hal.UnknownObject)
	if err != nil {
		t.Skipf("No default input device: %v", err)
	}
	assert.Greater(t, format.SampleRate, 0.0)
	assert.LessOrEqual(t, format.Channels, 2)

	var samples atomic.Int64
	stream, err := driver.OpenInput(hal.UnknownObject, format, func(in []float32) {
		samples.Add(int64(len(in)))
	})
	require.NoError(t, err)
	assert.Equal(t, format, stream.Format())

	require.NoError(t, stream.Start())
	require.NoError(t, stream.Start(), "second start is a no-op")
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, stream.Stop())
	require.NoError(t, stream.Stop(), "second stop is a no-op")

	after := samples.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, samples.Load(), "no callbacks after Stop")
	require.NoError(t, stream.Close())
	assert.Error(t, stream.Start(), "start after close")
}

func TestSetDefaultInputDevice(t *testing.T) {
	driver := newDriver(t)

	ids, err := driver.DeviceIDs()
	require.NoError(t, err)
	for _, id := range ids {
		n, err := driver.ChannelCount(id, hal.ScopeInput)
		require.NoError(t, err)
		if n == 0 {
			assert.Error(t, driver.SetDefaultInputDevice(id))
			continue
		}
		require.NoError(t, driver.SetDefaultInputDevice(id))
		name, err := driver.DeviceName(id)
		require.NoError(t, err)
		dev, err := driver.resolveInput(hal.UnknownObject)
		require.NoError(t, err)
		assert.Equal(t, name, dev.Name)
		return
	}
	t.Skip("No audio input devices available")
}
