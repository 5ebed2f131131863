//go:build windows

package loopback

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

func TestDecodeF32(t *testing.T) {
	want := []float32{0, 0.5, -1, 0.25}
	b := make([]byte, len(want)*4+3) // trailing partial sample is ignored
	for i, v := range want {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}

	got := decodeF32(nil, b)
	assert.Equal(t, want, got)

	// Storage is reused when it is large enough.
	again := decodeF32(got, b[:8])
	assert.Equal(t, []float32{0, 0.5}, again)
	assert.Equal(t, &got[0], &again[0])
}

func TestMatchPlayback(t *testing.T) {
	names := []string{"Speakers", "MacBook Pro Speakers", "USB Headset", ""}
	assert.Equal(t, 1, matchPlayback(names, "Core Audio:MacBook Pro Speakers"))
	assert.Equal(t, 2, matchPlayback(names, "Core Audio:USB Headset"))
	assert.Equal(t, 0, matchPlayback(names, "Speakers"))
	assert.Equal(t, -1, matchPlayback(names, "HDMI"))
	assert.Equal(t, -1, matchPlayback(nil, "HDMI"))
}

func TestProcessTapsUnsupported(t *testing.T) {
	b := newBackend(nil, slog.Disabled)
	_, err := b.CreateTap(hal.TapDescription{Mode: hal.TapModeProcess, ProcessObjectID: 42})
	assert.ErrorIs(t, err, hal.ErrUnsupported)
}

func TestWithoutContext(t *testing.T) {
	b := newBackend(nil, slog.Disabled)

	_, err := b.CreateTap(hal.TapDescription{Mode: hal.TapModeGlobal})
	assert.ErrorIs(t, err, hal.ErrUnsupported)
	_, err = b.CreateIOProc(firstObjectID, hal.IOCallbacks{})
	assert.ErrorIs(t, err, hal.ErrUnsupported)
	_, err = b.CreateAggregateDevice(hal.AggregateDescription{TapUUIDs: []string{"x"}})
	assert.ErrorIs(t, err, hal.ErrNotFound)

	assert.ErrorIs(t, b.DestroyTap(firstObjectID), hal.ErrNotFound)
	assert.ErrorIs(t, b.DestroyAggregateDevice(firstObjectID), hal.ErrNotFound)
	assert.ErrorIs(t, b.StartDevice(firstObjectID, 1), hal.ErrNotFound)
	assert.ErrorIs(t, b.StopDevice(firstObjectID, 1), hal.ErrNotFound)
	assert.ErrorIs(t, b.DestroyIOProc(firstObjectID, 1), hal.ErrNotFound)
	_, err = b.TapFormat(firstObjectID)
	assert.ErrorIs(t, err, hal.ErrNotFound)
	assert.NoError(t, b.Close())
}

func TestTapLifecycle(t *testing.T) {
	b, err := New(nil, slog.Disabled)
	if err != nil {
		t.Skipf("miniaudio not available: %v", err)
	}
	defer b.Close()

	id, err := b.CreateTap(hal.TapDescription{UUID: "test", Mode: hal.TapModeGlobal, MixdownStereo: true})
	if err != nil {
		t.Skipf("loopback capture not available: %v", err)
	}
	format, err := b.TapFormat(id)
	require.NoError(t, err)
	assert.Greater(t, format.SampleRate, 0.0)
	assert.LessOrEqual(t, format.Channels, 2)

	proc, err := b.CreateIOProc(id, hal.IOCallbacks{Data: func(hal.IOBuffer) {}})
	require.NoError(t, err)
	require.NoError(t, b.StartDevice(id, proc))
	require.NoError(t, b.StopDevice(id, proc))
	require.NoError(t, b.DestroyIOProc(id, proc))
	require.NoError(t, b.DestroyTap(id))
	assert.ErrorIs(t, b.DestroyTap(id), hal.ErrNotFound)
}
