package recognition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/wavfile"
)

type fakeEngine struct {
	got      []float32
	opts     Options
	segments []Segment
	err      error
}

func (f *fakeEngine) Transcribe(_ context.Context, samples []float32, opts Options) ([]Segment, error) {
	f.got, f.opts = samples, opts
	return f.segments, f.err
}

func writeWAV(t *testing.T, format hal.StreamFormat, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.wav")
	w, err := wavfile.Create(path, format)
	require.NoError(t, err)
	samples := make([]float32, frames*format.Channels)
	for i := range samples {
		samples[i] = 0.25
	}
	require.NoError(t, w.Write(samples))
	_, err = w.Close()
	require.NoError(t, err)
	return path
}

func TestDefaultOptions(t *testing.T) {
	assert.Equal(t, "auto", DefaultOptions().Language)
	assert.Zero(t, DefaultOptions().Threads)
}

func TestTranscribeConvertsToMono16k(t *testing.T) {
	path := writeWAV(t, hal.StreamFormat{SampleRate: 48000, Channels: 2}, 48000)
	engine := &fakeEngine{segments: []Segment{
		{Start: 0, End: 500 * time.Millisecond, Text: " Hello"},
		{Start: 500 * time.Millisecond, End: time.Second, Text: " world."},
	}}

	tr, err := New(engine, slog.Disabled).Transcribe(context.Background(), path, Options{Language: "en", Threads: 2})
	require.NoError(t, err)

	assert.Equal(t, "Hello world.", tr.Text)
	assert.Len(t, tr.Segments, 2)
	assert.InDelta(t, SampleRate, len(engine.got), 2)
	assert.InDelta(t, 0.25, engine.got[len(engine.got)/2], 1e-3)
	assert.Equal(t, "en", engine.opts.Language)
}

func TestTranscribeErrors(t *testing.T) {
	tr := New(&fakeEngine{}, slog.Disabled)

	_, err := tr.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), DefaultOptions())
	assert.Error(t, err)

	empty := writeWAV(t, hal.StreamFormat{SampleRate: 16000, Channels: 1}, 0)
	_, err = tr.Transcribe(context.Background(), empty, DefaultOptions())
	assert.Error(t, err)

	path := writeWAV(t, hal.StreamFormat{SampleRate: 16000, Channels: 1}, 1600)
	boom := errors.New("boom")
	_, err = New(&fakeEngine{err: boom}, slog.Disabled).Transcribe(context.Background(), path, DefaultOptions())
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transcribe(ctx, path, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "", Join(nil))
	assert.Equal(t, "a b", Join([]Segment{{Text: " a"}, {Text: " b "}}))
}

func TestGetDefaultModelPath(t *testing.T) {
	modelPath := GetDefaultModelPath()
	require.NotEmpty(t, modelPath)
	assert.True(t, filepath.IsAbs(modelPath))
	assert.Contains(t, modelPath, filepath.Join("EzS2T-Mix", "models"))
}

func TestFindModel(t *testing.T) {
	dir := t.TempDir()
	_, err := FindModel(filepath.Join(dir, "nope"), "model.bin")
	assert.Error(t, err)

	_, err = FindModel(dir, "model.bin")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.bin"), []byte("ggml"), 0644))
	path, err := FindModel(dir, "model.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.bin"), path)
}
