// Package haltest provides a simulated audio hardware layer for tests.
//
// System implements hal.System entirely in memory. Streams are paced by
// the wall clock, so a one second recording really produces one second of
// frames. Failures can be injected per primitive and every mutating call is
// appended to a journal the test can inspect.
package haltest

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// Generator produces the sample for a frame index and channel.
type Generator func(frame int64, channel int, rate float64) float32

// Tone returns a sine generator.
func Tone(freq, amplitude float64) Generator {
	return func(frame int64, _ int, rate float64) float32 {
		return float32(amplitude * math.Sin(2*math.Pi*freq*float64(frame)/rate))
	}
}

// Silence returns a generator of zeros.
func Silence() Generator {
	return func(int64, int, float64) float32 { return 0 }
}

// Device is a simulated hardware device.
type Device struct {
	ID             hal.ObjectID
	UID            string
	Name           string
	InputChannels  int
	OutputChannels int
	SampleRate     float64
}

// ErrInjected is the default error used by failure injection.
var ErrInjected = errors.New("injected hardware failure")

// System is a simulated hal.System.
type System struct {
	// Failure injection; set before use.
	FailEnumerate  error
	FailTapCreate  error
	FailDirectIO   error
	FailAggregate  error
	FailInput      error
	FailSetDefault error
	FailProperty   map[hal.ObjectID]error

	// TapStream is reported for every created tap.
	TapStream hal.StreamFormat
	// AggregateRate is the rate an aggregate device runs at.
	AggregateRate float64
	TapSignal     Generator
	MicSignal     Generator
	BufferFrames  int
	// OpenDelay slows OpenInput down, like a device waking from sleep.
	OpenDelay time.Duration
	// StartDelay slows StartDevice down, like an aggregate spinning up.
	StartDelay time.Duration

	mu            sync.Mutex
	devices       []Device
	defaultInput  hal.ObjectID
	defaultOutput hal.ObjectID
	nextID        hal.ObjectID
	nextProc      hal.IOProcID
	taps          map[hal.ObjectID]hal.TapDescription
	aggregates    map[hal.ObjectID]hal.AggregateDescription
	procs         map[hal.IOProcID]*ioProc
	inputs        []*inputStream
	journal       []string

	enumerations  atomic.Int64
	propertyReads atomic.Int64
}

// DefaultDevices is the device set New installs.
func DefaultDevices() []Device {
	return []Device{
		{ID: 1, UID: "BuiltInMicrophoneDevice", Name: "MacBook Pro Microphone", InputChannels: 1, SampleRate: 48000},
		{ID: 2, UID: "BuiltInSpeakerDevice", Name: "MacBook Pro Speakers", OutputChannels: 2, SampleRate: 44100},
		{ID: 3, UID: "USBHeadset-0001", Name: "USB Headset", InputChannels: 1, OutputChannels: 2, SampleRate: 48000},
	}
}

// New returns a simulated system with DefaultDevices, a 44.1 kHz stereo
// tap playing silence and a silent microphone.
func New() *System {
	return &System{
		TapStream:     hal.StreamFormat{SampleRate: 44100, Channels: 2},
		AggregateRate: 44100,
		TapSignal:     Silence(),
		MicSignal:     Silence(),
		BufferFrames:  512,
		FailProperty:  map[hal.ObjectID]error{},
		devices:       DefaultDevices(),
		defaultInput:  1,
		defaultOutput: 2,
		nextID:        100,
		taps:          map[hal.ObjectID]hal.TapDescription{},
		aggregates:    map[hal.ObjectID]hal.AggregateDescription{},
		procs:         map[hal.IOProcID]*ioProc{},
	}
}

// SetDevices replaces the simulated device set.
func (s *System) SetDevices(devs []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = slices.Clone(devs)
}

func (s *System) record(format string, args ...any) {
	s.journal = append(s.journal, fmt.Sprintf(format, args...))
}

// Calls returns the journal of mutating calls in order.
func (s *System) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.journal)
}

// Count returns how many journal entries start with prefix.
func (s *System) Count(prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Enumerations returns how many times DeviceIDs was called.
func (s *System) Enumerations() int { return int(s.enumerations.Load()) }

// PropertyReads returns how many per-device property queries were made.
func (s *System) PropertyReads() int { return int(s.propertyReads.Load()) }

// Live returns the number of taps, aggregate devices and IO procs that
// have not been destroyed.
func (s *System) Live() (taps, aggregates, procs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps), len(s.aggregates), len(s.procs)
}

// DefaultInput returns the current default input device.
func (s *System) DefaultInput() hal.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultInput
}

func (s *System) DeviceIDs() ([]hal.ObjectID, error) {
	s.enumerations.Add(1)
	if s.FailEnumerate != nil {
		return nil, s.FailEnumerate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]hal.ObjectID, 0, len(s.devices))
	for _, d := range s.devices {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *System) device(id hal.ObjectID) (Device, error) {
	s.propertyReads.Add(1)
	if err := s.FailProperty[id]; err != nil {
		return Device{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("device %d: %w", id, hal.ErrNotFound)
}

func (s *System) ChannelCount(id hal.ObjectID, scope hal.Scope) (int, error) {
	d, err := s.device(id)
	if err != nil {
		return 0, err
	}
	if scope == hal.ScopeOutput {
		return d.OutputChannels, nil
	}
	return d.InputChannels, nil
}

func (s *System) DeviceName(id hal.ObjectID) (string, error) {
	d, err := s.device(id)
	return d.Name, err
}

func (s *System) DeviceUID(id hal.ObjectID) (string, error) {
	d, err := s.device(id)
	return d.UID, err
}

func (s *System) DefaultOutputDevice() (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultOutput, nil
}

func (s *System) SetDefaultInputDevice(id hal.ObjectID) error {
	if s.FailSetDefault != nil {
		return s.FailSetDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetDefaultInputDevice(%d)", id)
	s.defaultInput = id
	return nil
}

func (s *System) CreateTap(desc hal.TapDescription) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailTapCreate != nil {
		s.record("CreateTap failed")
		return 0, s.FailTapCreate
	}
	s.nextID++
	id := s.nextID
	s.taps[id] = desc
	s.record("CreateTap(%d)", id)
	return id, nil
}

func (s *System) DestroyTap(id hal.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[id]; !ok {
		return fmt.Errorf("tap %d: %w", id, hal.ErrNotFound)
	}
	delete(s.taps, id)
	s.record("DestroyTap(%d)", id)
	return nil
}

func (s *System) TapFormat(id hal.ObjectID) (hal.StreamFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[id]; !ok {
		return hal.StreamFormat{}, fmt.Errorf("tap %d: %w", id, hal.ErrNotFound)
	}
	return s.TapStream, nil
}

func (s *System) CreateAggregateDevice(desc hal.AggregateDescription) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAggregate != nil {
		s.record("CreateAggregateDevice failed")
		return 0, s.FailAggregate
	}
	s.nextID++
	id := s.nextID
	s.aggregates[id] = desc
	s.record("CreateAggregateDevice(%d)", id)
	return id, nil
}

func (s *System) DestroyAggregateDevice(id hal.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[id]; !ok {
		return fmt.Errorf("aggregate %d: %w", id, hal.ErrNotFound)
	}
	delete(s.aggregates, id)
	s.record("DestroyAggregateDevice(%d)", id)
	return nil
}

// AggregateDescription returns the description an aggregate was created with.
func (s *System) AggregateDescription(id hal.ObjectID) (hal.AggregateDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.aggregates[id]
	return d, ok
}

func (s *System) CreateIOProc(device hal.ObjectID, cb hal.IOCallbacks) (hal.IOProcID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var format hal.StreamFormat
	switch {
	case s.hasTap(device):
		if s.FailDirectIO != nil {
			s.record("CreateIOProc(%d) failed", device)
			return 0, s.FailDirectIO
		}
		format = s.TapStream
	case s.hasAggregate(device):
		format = hal.StreamFormat{SampleRate: s.AggregateRate, Channels: s.TapStream.Channels}
	default:
		return 0, fmt.Errorf("io device %d: %w", device, hal.ErrNotFound)
	}

	s.nextProc++
	id := s.nextProc
	s.procs[id] = &ioProc{
		pump: newPump(format, s.BufferFrames, s.TapSignal),
		cb:   cb,
	}
	s.record("CreateIOProc(%d)", device)
	return id, nil
}

func (s *System) hasTap(id hal.ObjectID) bool {
	_, ok := s.taps[id]
	return ok
}

func (s *System) hasAggregate(id hal.ObjectID) bool {
	_, ok := s.aggregates[id]
	return ok
}

func (s *System) DestroyIOProc(device hal.ObjectID, proc hal.IOProcID) error {
	s.mu.Lock()
	p, ok := s.procs[proc]
	delete(s.procs, proc)
	if ok {
		s.record("DestroyIOProc(%d)", device)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("io proc %d: %w", proc, hal.ErrNotFound)
	}
	p.pump.stop()
	return nil
}

func (s *System) StartDevice(device hal.ObjectID, proc hal.IOProcID) error {
	if s.StartDelay > 0 {
		time.Sleep(s.StartDelay)
	}
	s.mu.Lock()
	p, ok := s.procs[proc]
	if ok {
		s.record("StartDevice(%d)", device)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("io proc %d: %w", proc, hal.ErrNotFound)
	}
	p.pump.start(func(buf []float32, frames int) {
		p.cb.Data(hal.IOBuffer{Samples: buf, Frames: frames, Format: p.pump.format})
	})
	return nil
}

func (s *System) StopDevice(device hal.ObjectID, proc hal.IOProcID) error {
	s.mu.Lock()
	p, ok := s.procs[proc]
	if ok {
		s.record("StopDevice(%d)", device)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("io proc %d: %w", proc, hal.ErrNotFound)
	}
	p.pump.stop()
	return nil
}

// LoseDevice simulates the hardware going away under every running IO
// proc: the streams stop and their Stopped callbacks run.
func (s *System) LoseDevice() {
	s.mu.Lock()
	procs := make([]*ioProc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		if p.pump.stop() && p.cb.Stopped != nil {
			p.cb.Stopped()
		}
	}
}

func (s *System) DefaultInputFormat(device hal.ObjectID) (hal.StreamFormat, error) {
	if device == hal.UnknownObject {
		device = s.DefaultInput()
	}
	d, err := s.device(device)
	if err != nil {
		return hal.StreamFormat{}, err
	}
	if d.InputChannels == 0 {
		return hal.StreamFormat{}, fmt.Errorf("device %d has no input", device)
	}
	return hal.StreamFormat{SampleRate: d.SampleRate, Channels: d.InputChannels}, nil
}

func (s *System) OpenInput(device hal.ObjectID, format hal.StreamFormat, cb func([]float32)) (hal.InputStream, error) {
	if s.OpenDelay > 0 {
		time.Sleep(s.OpenDelay)
	}
	if s.FailInput != nil {
		return nil, s.FailInput
	}
	native, err := s.DefaultInputFormat(device)
	if err != nil {
		return nil, err
	}
	if format.SampleRate == 0 {
		format.SampleRate = native.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = native.Channels
	}
	in := &inputStream{pump: newPump(format, s.BufferFrames, s.MicSignal), cb: cb}
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.record("OpenInput(%d)", device)
	s.mu.Unlock()
	return in, nil
}

// RunningInputs returns the number of started, unstopped input streams.
func (s *System) RunningInputs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range s.inputs {
		if in.pump.running() {
			n++
		}
	}
	return n
}

type ioProc struct {
	pump *pump
	cb   hal.IOCallbacks
}

type inputStream struct {
	pump *pump
	cb   func([]float32)
}

func (in *inputStream) Start() error {
	in.pump.start(func(buf []float32, _ int) { in.cb(buf) })
	return nil
}

func (in *inputStream) Stop() error {
	in.pump.stop()
	return nil
}

func (in *inputStream) Close() error {
	in.pump.stop()
	return nil
}

func (in *inputStream) Format() hal.StreamFormat { return in.pump.format }

// pump delivers generated buffers in real time on its own goroutine.
type pump struct {
	format hal.StreamFormat
	frames int
	gen    Generator

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func newPump(format hal.StreamFormat, frames int, gen Generator) *pump {
	if frames <= 0 {
		frames = 512
	}
	return &pump{format: format, frames: frames, gen: gen}
}

func (p *pump) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quit != nil
}

func (p *pump) start(deliver func(buf []float32, frames int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		return
	}
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.quit, p.done, deliver)
}

// stop blocks until the delivery goroutine exits. It reports whether the
// pump was running.
func (p *pump) stop() bool {
	p.mu.Lock()
	quit, done := p.quit, p.done
	p.quit, p.done = nil, nil
	p.mu.Unlock()
	if quit == nil {
		return false
	}
	close(quit)
	<-done
	return true
}

func (p *pump) loop(quit, done chan struct{}, deliver func([]float32, int)) {
	defer close(done)
	ch := p.format.Channels
	buf := make([]float32, p.frames*ch)
	period := time.Duration(float64(p.frames) / p.format.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period / 2)
	defer ticker.Stop()

	begin := time.Now()
	var produced int64
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		due := int64(time.Since(begin).Seconds() * p.format.SampleRate)
		for due-produced >= int64(p.frames) {
			for i := range p.frames {
				for c := range ch {
					buf[i*ch+c] = p.gen(produced+int64(i), c, p.format.SampleRate)
				}
			}
			deliver(buf, p.frames)
			produced += int64(p.frames)
		}
	}
}
