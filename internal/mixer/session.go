// Package mixer runs one recording: it wires the microphone and optional
// system audio through ring buffers and gain stages into a summing point,
// and pulls the mix into a WAV file and a level gauge.
//
// Three kinds of goroutines touch a Session. Hardware callbacks only write
// ring buffers. The pull goroutine reads the buffers, mixes, writes the file
// and updates the gauge. Start and Stop are called by the owner, which must
// serialize them.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
	"github.com/yok-tottii/EzS2T-Mix/internal/ringbuffer"
	"github.com/yok-tottii/EzS2T-Mix/internal/tap"
	"github.com/yok-tottii/EzS2T-Mix/internal/wavfile"
)

const (
	// FallbackSampleRate replaces tap rates below tap.MinPlausibleRate.
	FallbackSampleRate = 44100
	// SimpleSampleRate is the transcription-friendly rate of simple mode.
	SimpleSampleRate = 16000

	pullPeriod   = 10 * time.Millisecond
	ringDuration = time.Second
	preroll      = 50 * time.Millisecond
	chunkFrames  = 1024

	maxConsecutiveWriteFailures = 3
)

var (
	// ErrNoSource is returned by Start when neither the microphone nor
	// system audio could be opened.
	ErrNoSource = errors.New("no usable audio source")
	// ErrWriteFailed is returned by Stop when writing the recording failed
	// repeatedly.
	ErrWriteFailed = errors.New("recording file write failed")
)

// Mode selects the session layout.
type Mode int

const (
	// ModeSimple records the microphone alone as mono 16 kHz.
	ModeSimple Mode = iota
	// ModeMixed mixes the microphone with optional system audio at the
	// system audio rate.
	ModeMixed
)

func (m Mode) String() string {
	if m == ModeMixed {
		return "mixed"
	}
	return "simple"
}

// Sink receives the mixed signal.
type Sink interface {
	Write(samples []float32) error
	Close() (int64, error)
}

// SinkFactory opens the sink for a recording.
type SinkFactory func(path string, format hal.StreamFormat) (Sink, error)

func wavSink(path string, format hal.StreamFormat) (Sink, error) {
	w, err := wavfile.Create(path, format)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Options configure one session.
type Options struct {
	Mode       Mode
	OutputPath string

	// Microphone is the input device; hal.UnknownObject means default.
	Microphone     hal.ObjectID
	MicrophoneGain float64

	// SystemAudio enables the system audio tap in ModeMixed.
	SystemAudio     bool
	SystemAudioGain float64
	// Channels is the working channel count of ModeMixed (1 or 2).
	Channels int

	// OnTapInvalidated is called once when the system audio tap has been
	// torn down, either by Stop or because the device went away.
	OnTapInvalidated func(tap.Teardown)

	// NewSink overrides the WAV writer.
	NewSink SinkFactory
}

// Result describes a finished recording.
type Result struct {
	Path          string
	Format        hal.StreamFormat
	Frames        int64
	Bytes         int64
	Duration      time.Duration
	Microphone    bool
	SystemAudio   bool
	TapStrategy   string
	TapTeardown   *tap.Teardown
	DroppedWrites int
	Overruns      uint64
	Underruns     uint64
}

// Session is one running recording.
type Session struct {
	sys  hal.System
	log  slog.Logger
	opts Options

	format  hal.StreamFormat
	tap     *tap.Tap
	mic     hal.InputStream
	micRing *ringbuffer.RingBuffer
	sysRing *ringbuffer.RingBuffer
	graph   *summingNode
	sink    Sink
	gauge   meter.Gauge

	cancel context.CancelFunc
	group  *errgroup.Group

	// Owned by the pull goroutine until it exits.
	frames      int64
	dropped     int
	consecutive int
	writeErr    error

	mu       sync.Mutex
	teardown *tap.Teardown
	result   *Result
	stopErr  error
}

// WorkingRate picks the session rate from a tap's reported rate,
// substituting FallbackSampleRate for implausibly low values.
func WorkingRate(tapRate float64) float64 {
	if tapRate < tap.MinPlausibleRate {
		return FallbackSampleRate
	}
	return tapRate
}

// Start opens the sources and begins recording. A failing system audio tap
// degrades the session to microphone only; only the loss of every source,
// or an unwritable output file, fails Start.
func Start(ctx context.Context, sys hal.System, opts Options, log slog.Logger) (*Session, error) {
	if opts.NewSink == nil {
		opts.NewSink = wavSink
	}
	if opts.Channels <= 0 || opts.Mode == ModeSimple {
		opts.Channels = 1
	}
	if opts.Mode == ModeSimple {
		opts.SystemAudio = false
		opts.MicrophoneGain = 1
	}
	s := &Session{sys: sys, log: log, opts: opts}

	if opts.SystemAudio {
		s.activateTap()
	}
	s.format = hal.StreamFormat{SampleRate: s.pickRate(), Channels: opts.Channels}

	sink, err := opts.NewSink(opts.OutputPath, s.format)
	if err != nil {
		s.invalidateTap()
		return nil, fmt.Errorf("failed to open recording file: %w", err)
	}
	s.sink = sink

	capacity := int(s.format.SampleRate * ringDuration.Seconds())
	prerollFrames := int(s.format.SampleRate * preroll.Seconds())
	var inputs []node

	if s.tap != nil {
		if rb, err := s.startTap(capacity); err != nil {
			log.Warnf("System audio unavailable, recording microphone only: %v", err)
			s.invalidateTap()
		} else {
			s.sysRing = rb
			inputs = append(inputs, &gainNode{
				in:   &pullNode{rb: rb, preroll: prerollFrames},
				gain: float32(opts.SystemAudioGain),
			})
		}
	}

	if rb, err := s.startMicrophone(capacity); err != nil {
		log.Warnf("Microphone unavailable: %v", err)
	} else {
		s.micRing = rb
		inputs = append(inputs, &gainNode{
			in:   &pullNode{rb: rb, preroll: prerollFrames},
			gain: float32(opts.MicrophoneGain),
		})
	}

	if len(inputs) == 0 {
		s.invalidateTap()
		if _, err := s.sink.Close(); err != nil {
			log.Debugf("Failed to close unused recording file: %v", err)
		}
		return nil, ErrNoSource
	}
	s.graph = &summingNode{inputs: inputs}

	pullCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.group, pullCtx = errgroup.WithContext(pullCtx)
	s.group.Go(func() error { return s.runSink(pullCtx) })

	log.Infof("Recording %s session to %s at %v (mic=%v, system=%v)",
		opts.Mode, opts.OutputPath, s.format, s.mic != nil, s.sysRing != nil)
	return s, nil
}

func (s *Session) activateTap() {
	tp := tap.New(s.sys, s.log)
	if err := tp.Activate(tap.SystemWide()); err != nil {
		s.log.Warnf("Falling back to microphone only: %v", err)
		tp.Invalidate()
		return
	}
	s.tap = tp
}

func (s *Session) pickRate() float64 {
	if s.tap != nil {
		reported := s.tap.Format().SampleRate
		rate := WorkingRate(reported)
		if rate != reported {
			s.log.Warnf("System audio tap reports %.0f Hz, recording at %d Hz instead", reported, FallbackSampleRate)
		}
		return rate
	}
	if s.opts.Mode == ModeSimple {
		return SimpleSampleRate
	}
	f, err := s.sys.DefaultInputFormat(s.opts.Microphone)
	if err != nil || f.SampleRate <= 0 {
		return FallbackSampleRate
	}
	return f.SampleRate
}

func (s *Session) startTap(capacity int) (*ringbuffer.RingBuffer, error) {
	rb, err := ringbuffer.New(capacity, s.format.Channels)
	if err != nil {
		return nil, err
	}
	conv := &converter{channels: s.format.Channels}
	err = s.tap.Run(func(buf hal.IOBuffer) {
		rb.Write(conv.convert(buf.Samples[:buf.Frames*buf.Format.Channels], buf.Format.Channels))
	}, s.tapInvalidated)
	if err != nil {
		return nil, err
	}
	return rb, nil
}

func (s *Session) tapInvalidated(td tap.Teardown) {
	s.mu.Lock()
	s.teardown = &td
	s.mu.Unlock()
	if s.opts.OnTapInvalidated != nil {
		s.opts.OnTapInvalidated(td)
	}
}

func (s *Session) startMicrophone(capacity int) (*ringbuffer.RingBuffer, error) {
	native, err := s.sys.DefaultInputFormat(s.opts.Microphone)
	if err != nil {
		return nil, fmt.Errorf("query input format: %w", err)
	}
	rb, err := ringbuffer.New(capacity, s.format.Channels)
	if err != nil {
		return nil, err
	}
	want := hal.StreamFormat{SampleRate: s.format.SampleRate, Channels: native.Channels}
	conv := &converter{channels: s.format.Channels}
	stream, err := s.sys.OpenInput(s.opts.Microphone, want, func(in []float32) {
		rb.Write(conv.convert(in, want.Channels))
	})
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input: %w", err)
	}
	s.mic = stream
	return rb, nil
}

func (s *Session) invalidateTap() {
	if s.tap != nil {
		s.tap.Invalidate()
		s.tap = nil
	}
}

// Format returns the working format of the recording.
func (s *Session) Format() hal.StreamFormat { return s.format }

// Power returns the level of the most recently mixed buffer.
func (s *Session) Power() (avgDB, peakDB float64, ok bool) {
	return s.gauge.Power()
}

// SystemAudio reports whether the system audio path is part of the graph.
func (s *Session) SystemAudio() bool { return s.sysRing != nil }

// runSink is the graph's terminal node. It pulls the mix at the working
// rate as measured by the wall clock, feeds the recording tap and discards
// the result; it is never routed to a hardware output.
func (s *Session) runSink(ctx context.Context) error {
	ticker := time.NewTicker(pullPeriod)
	defer ticker.Stop()

	buf := make([]float32, chunkFrames*s.format.Channels)
	begin := time.Now()
	var pulled int64
	pullDue := func() {
		due := int64(time.Since(begin).Seconds()*s.format.SampleRate) - pulled
		for due > 0 {
			n := min(due, chunkFrames)
			out := buf[:n*int64(s.format.Channels)]
			s.graph.render(out)
			s.record(out)
			pulled += n
			due -= n
		}
	}
	for {
		select {
		case <-ctx.Done():
			pullDue()
			return nil
		case <-ticker.C:
			pullDue()
		}
	}
}

// record is the recording tap on the summing point.
func (s *Session) record(mixed []float32) {
	s.gauge.Update(mixed)
	if err := s.sink.Write(mixed); err != nil {
		s.dropped++
		s.consecutive++
		s.log.Warnf("Dropped %d frames: %v", len(mixed)/s.format.Channels, err)
		if s.consecutive >= maxConsecutiveWriteFailures && s.writeErr == nil {
			s.writeErr = err
		}
		return
	}
	s.consecutive = 0
	s.frames += int64(len(mixed) / s.format.Channels)
}

// Stop tears the session down: microphone callback, pull goroutine, system
// audio tap, ring buffers and finally the output file. It returns only when
// all of them are released. Calling Stop again returns the first result.
func (s *Session) Stop() (Result, error) {
	s.mu.Lock()
	if s.result != nil {
		res, err := *s.result, s.stopErr
		s.mu.Unlock()
		return res, err
	}
	s.mu.Unlock()

	var errs []error
	if s.mic != nil {
		if err := s.mic.Stop(); err != nil {
			s.log.Warnf("Failed to stop microphone: %v", err)
		}
		if err := s.mic.Close(); err != nil {
			s.log.Debugf("Failed to close microphone: %v", err)
		}
	}

	s.cancel()
	_ = s.group.Wait()

	res := Result{
		Path:        s.opts.OutputPath,
		Format:      s.format,
		Frames:      s.frames,
		Duration:    time.Duration(float64(s.frames) / s.format.SampleRate * float64(time.Second)),
		Microphone:  s.mic != nil,
		SystemAudio: s.sysRing != nil,
	}
	if s.tap != nil {
		res.TapStrategy = s.tap.Strategy()
	}
	s.invalidateTap()

	for _, rb := range []*ringbuffer.RingBuffer{s.micRing, s.sysRing} {
		if rb != nil {
			res.Overruns += rb.Overruns()
			res.Underruns += rb.Underruns()
		}
	}
	s.micRing, s.sysRing = nil, nil

	bytes, err := s.sink.Close()
	if err != nil {
		errs = append(errs, err)
	}
	res.Bytes = bytes
	res.DroppedWrites = s.dropped
	if s.writeErr != nil {
		errs = append(errs, fmt.Errorf("%w after %d dropped buffers: %w", ErrWriteFailed, s.dropped, s.writeErr))
	}

	s.mu.Lock()
	res.TapTeardown = s.teardown
	s.result = &res
	s.stopErr = errors.Join(errs...)
	s.mu.Unlock()

	s.log.Infof("Recording stopped: %d frames (%v), %d bytes, %d dropped writes",
		res.Frames, res.Duration.Round(time.Millisecond), res.Bytes, res.DroppedWrites)
	return res, s.stopErr
}
