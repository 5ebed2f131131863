package wavfile

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	w, err := Create(path, hal.StreamFormat{SampleRate: 44100, Channels: 2})
	require.NoError(t, err)

	frame := []float32{0.5, -0.5}
	for range 100 {
		require.NoError(t, w.Write(append(frame, frame...)))
	}
	assert.Equal(t, int64(200), w.Frames())

	size, err := w.Close()
	require.NoError(t, err)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), size)
	assert.GreaterOrEqual(t, size, int64(44+200*2*2))

	samples, info, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Info{SampleRate: 44100, Channels: 2, Frames: 200}, info)
	assert.InDelta(t, 0.5, samples[0], 1e-3)
	assert.InDelta(t, -0.5, samples[1], 1e-3)
}

func TestWriteClipsAndIgnoresPartialFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	w, err := Create(path, hal.StreamFormat{SampleRate: 16000, Channels: 2})
	require.NoError(t, err)

	require.NoError(t, w.Write([]float32{3, -3, 0.1}))
	assert.Equal(t, int64(1), w.Frames())
	_, err = w.Close()
	require.NoError(t, err)

	samples, _, err := Read(path)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 1.0, samples[0], 1e-3)
	assert.InDelta(t, -1.0, samples[1], 1e-3)
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.wav"), hal.StreamFormat{SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	_, err = w.Close()
	require.NoError(t, err)
	assert.Error(t, w.Write([]float32{0}))
	_, err = w.Close()
	assert.Error(t, err)
}

func TestCreateRejectsBadFormat(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.wav"), hal.StreamFormat{})
	assert.Error(t, err)
}

func TestReadMonoResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo48k.wav")
	w, err := Create(path, hal.StreamFormat{SampleRate: 48000, Channels: 2})
	require.NoError(t, err)
	buf := make([]float32, 48000*2)
	for i := range 48000 {
		v := float32(0.4 * math.Sin(2*math.Pi*440*float64(i)/48000))
		buf[2*i], buf[2*i+1] = v, v
	}
	require.NoError(t, w.Write(buf))
	_, err = w.Close()
	require.NoError(t, err)

	mono, err := ReadMono(path, 16000)
	require.NoError(t, err)
	assert.Len(t, mono, 16000)

	var peak float32
	for _, s := range mono {
		peak = max(peak, s)
	}
	assert.InDelta(t, 0.4, peak, 0.01)
}

func TestDownmixAverages(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, Downmix([]float32{1, 0, 0.5, -0.5}, 2))
	in := []float32{1, 2}
	assert.Equal(t, in, Downmix(in, 1))
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file at all"), 0o644))
	_, _, err := Read(path)
	assert.Error(t, err)
}

func TestEmptyRecordingHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := Create(path, hal.StreamFormat{SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	size, err := w.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 44, size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}
