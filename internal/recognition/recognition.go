// Package recognition turns recorded WAV files into text.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/wavfile"
)

// SampleRate is the rate speech engines consume.
const SampleRate = 16000

// ErrEmptyAudio is returned for recordings without samples.
var ErrEmptyAudio = errors.New("audio data is empty")

// Options control one transcription.
type Options struct {
	// Language is a language code or "auto".
	Language  string
	Threads   int
	Translate bool
}

// DefaultOptions returns the default decode options
func DefaultOptions() Options {
	return Options{Language: "auto"}
}

// Segment is a timed piece of a transcript.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is the result of a transcription.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Engine decodes mono float32 samples at SampleRate.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error)
}

// Transcriber reads recordings and hands them to an Engine.
type Transcriber struct {
	engine Engine
	log    slog.Logger
}

// New creates a transcriber backed by engine.
func New(engine Engine, log slog.Logger) *Transcriber {
	return &Transcriber{engine: engine, log: log}
}

// Transcribe decodes the WAV file at path, converting it to mono 16 kHz
// first.
func (t *Transcriber) Transcribe(ctx context.Context, path string, opts Options) (Transcript, error) {
	samples, err := wavfile.ReadMono(path, SampleRate)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to read recording: %w", err)
	}
	if len(samples) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}

	began := time.Now()
	segments, err := t.engine.Transcribe(ctx, samples, opts)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcription failed: %w", err)
	}
	tr := Transcript{Text: Join(segments), Segments: segments}
	t.log.Infof("Transcribed %v of audio in %v (%d segments)",
		time.Duration(len(samples))*time.Second/SampleRate, time.Since(began).Round(time.Millisecond), len(segments))
	return tr, nil
}

// Join concatenates segment texts, trimming the leading space engines put
// in front of each segment.
func Join(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Text)
	}
	return strings.TrimSpace(b.String())
}

// GetDefaultModelPath returns the default path for Whisper models
func GetDefaultModelPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Mix", "models")
}

// FindModel searches for a model file in dir, or in the default model
// directory when dir is empty.
func FindModel(dir, modelName string) (string, error) {
	if dir == "" {
		dir = GetDefaultModelPath()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", fmt.Errorf("model directory not found: %s", dir)
	}

	modelPath := filepath.Join(dir, modelName)
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return "", fmt.Errorf("model file not found: %s", modelPath)
	}

	return modelPath, nil
}
