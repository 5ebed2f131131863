// Package wavfile writes recordings incrementally as 16-bit PCM WAV and
// reads them back for transcription.
package wavfile

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

const bitDepth = 16

// Writer appends float32 frames to a WAV file.
type Writer struct {
	path   string
	f      *os.File
	enc    *wav.Encoder
	format hal.StreamFormat
	buf    audio.IntBuffer
	frames int64
	closed bool
}

// Create truncates path and writes a WAV header for format.
func Create(path string, format hal.StreamFormat) (*Writer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %v", format)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}
	rate := int(math.Round(format.SampleRate))
	w := &Writer{
		path:   path,
		f:      f,
		enc:    wav.NewEncoder(f, rate, bitDepth, format.Channels, 1),
		format: format,
		buf: audio.IntBuffer{
			Format:         &audio.Format{NumChannels: format.Channels, SampleRate: rate},
			SourceBitDepth: bitDepth,
		},
	}
	return w, nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Format returns the stream format being written.
func (w *Writer) Format() hal.StreamFormat { return w.format }

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int64 { return w.frames }

// Write quantizes interleaved samples, clipping to [-1,1].
func (w *Writer) Write(samples []float32) error {
	if w.closed {
		return errors.New("wav writer is closed")
	}
	n := len(samples) - len(samples)%w.format.Channels
	if n == 0 {
		return nil
	}
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i, s := range samples[:n] {
		w.buf.Data[i] = quantize(s)
	}
	if err := w.enc.Write(&w.buf); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	w.frames += int64(n / w.format.Channels)
	return nil
}

func quantize(s float32) int {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(v * math.MaxInt16))
}

// Close finalizes the header, closes the file and returns its final size.
func (w *Writer) Close() (int64, error) {
	if w.closed {
		return 0, errors.New("wav writer is closed")
	}
	w.closed = true
	if w.frames == 0 {
		// The encoder writes its header on the first Write.
		w.buf.Data = w.buf.Data[:0]
		if err := w.enc.Write(&w.buf); err != nil {
			w.f.Close()
			return 0, fmt.Errorf("failed to write wav header: %w", err)
		}
	}
	encErr := w.enc.Close()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	if err := errors.Join(encErr, syncErr, closeErr); err != nil {
		return 0, fmt.Errorf("failed to finalize wav file: %w", err)
	}
	st, err := os.Stat(w.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat wav file: %w", err)
	}
	return st.Size(), nil
}

// Info describes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	Frames     int
}

// Read decodes a PCM WAV file into interleaved float32 samples.
func Read(path string) ([]float32, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, Info{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to decode wav file: %w", err)
	}

	depth := pcm.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	scale := float32(math.Pow(2, float64(depth-1)))
	out := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		out[i] = float32(v) / scale
	}
	ch := int(d.NumChans)
	return out, Info{SampleRate: int(d.SampleRate), Channels: ch, Frames: len(out) / max(ch, 1)}, nil
}

// ReadMono decodes path, averages channels to mono and resamples linearly
// to rate.
func ReadMono(path string, rate int) ([]float32, error) {
	samples, info, err := Read(path)
	if err != nil {
		return nil, err
	}
	mono := Downmix(samples, info.Channels)
	return Resample(mono, info.SampleRate, rate), nil
}

// Downmix averages interleaved channels into one.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples between rates by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		if j+1 < len(samples) {
			out[i] = samples[j]*(1-frac) + samples[j+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}
