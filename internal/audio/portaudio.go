package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// PortAudioDriver answers device queries and opens input streams.
type PortAudioDriver struct {
	config Config

	mu sync.Mutex
	// preferredInput stands in for the system default input; PortAudio
	// cannot change the OS setting.
	preferredInput hal.ObjectID
	streams        map[*inputStream]struct{}
}

// NewPortAudioDriver initializes PortAudio. Close terminates it.
func NewPortAudioDriver(config Config) (*PortAudioDriver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioDriver{
		config:  config,
		streams: make(map[*inputStream]struct{}),
	}, nil
}

func (d *PortAudioDriver) device(id hal.ObjectID) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	i := Index(id)
	if i < 0 || i >= len(devices) {
		return nil, fmt.Errorf("device %d: %w", id, hal.ErrNotFound)
	}
	return devices[i], nil
}

func (d *PortAudioDriver) indexOf(dev *portaudio.DeviceInfo) (hal.ObjectID, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return hal.UnknownObject, fmt.Errorf("failed to list devices: %w", err)
	}
	for i, candidate := range devices {
		if candidate == dev || (candidate.Name == dev.Name && candidate.HostApi == dev.HostApi) {
			return ObjectID(i), nil
		}
	}
	return hal.UnknownObject, fmt.Errorf("device %q: %w", dev.Name, hal.ErrNotFound)
}

func (d *PortAudioDriver) DeviceIDs() ([]hal.ObjectID, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	ids := make([]hal.ObjectID, len(devices))
	for i := range devices {
		ids[i] = ObjectID(i)
	}
	return ids, nil
}

func (d *PortAudioDriver) ChannelCount(id hal.ObjectID, scope hal.Scope) (int, error) {
	dev, err := d.device(id)
	if err != nil {
		return 0, err
	}
	if scope == hal.ScopeOutput {
		return dev.MaxOutputChannels, nil
	}
	return dev.MaxInputChannels, nil
}

func (d *PortAudioDriver) DeviceName(id hal.ObjectID) (string, error) {
	dev, err := d.device(id)
	if err != nil {
		return "", err
	}
	return dev.Name, nil
}

func (d *PortAudioDriver) DeviceUID(id hal.ObjectID) (string, error) {
	dev, err := d.device(id)
	if err != nil {
		return "", err
	}
	var host string
	if dev.HostApi != nil {
		host = dev.HostApi.Name
	}
	return DeviceUID(host, dev.Name), nil
}

func (d *PortAudioDriver) DefaultOutputDevice() (hal.ObjectID, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return hal.UnknownObject, fmt.Errorf("failed to get default output device: %w", err)
	}
	return d.indexOf(dev)
}

// SetDefaultInputDevice makes id the device opened for hal.UnknownObject.
func (d *PortAudioDriver) SetDefaultInputDevice(id hal.ObjectID) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}
	if dev.MaxInputChannels <= 0 {
		return fmt.Errorf("device '%s' (ID: %d) has no input channels", dev.Name, id)
	}
	d.mu.Lock()
	d.preferredInput = id
	d.mu.Unlock()
	return nil
}

func (d *PortAudioDriver) resolveInput(id hal.ObjectID) (*portaudio.DeviceInfo, error) {
	if id == hal.UnknownObject {
		d.mu.Lock()
		id = d.preferredInput
		d.mu.Unlock()
	}
	if id == hal.UnknownObject {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return dev, nil
	}
	return d.device(id)
}

func (d *PortAudioDriver) DefaultInputFormat(id hal.ObjectID) (hal.StreamFormat, error) {
	dev, err := d.resolveInput(id)
	if err != nil {
		return hal.StreamFormat{}, err
	}
	if dev.MaxInputChannels <= 0 {
		return hal.StreamFormat{}, fmt.Errorf("device '%s' has no input channels (output-only device)", dev.Name)
	}
	return hal.StreamFormat{
		SampleRate: dev.DefaultSampleRate,
		Channels:   inputChannels(dev.MaxInputChannels, d.config.MaxInputChannels),
	}, nil
}

// OpenInput opens a float32 input stream on id. The stream is not started.
func (d *PortAudioDriver) OpenInput(id hal.ObjectID, format hal.StreamFormat, cb func([]float32)) (hal.InputStream, error) {
	dev, err := d.resolveInput(id)
	if err != nil {
		return nil, err
	}
	if dev.MaxInputChannels <= 0 {
		return nil, fmt.Errorf("selected device '%s' (ID: %d) has no input channels (output-only device)", dev.Name, id)
	}
	if format.SampleRate == 0 {
		format.SampleRate = dev.DefaultSampleRate
	}
	if format.Channels == 0 {
		format.Channels = inputChannels(dev.MaxInputChannels, d.config.MaxInputChannels)
	}

	var params portaudio.StreamParameters
	switch d.config.Latency {
	case LowLatency:
		params = portaudio.LowLatencyParameters(dev, nil)
	default:
		params = portaudio.HighLatencyParameters(dev, nil)
	}
	params.Input.Channels = format.Channels
	params.SampleRate = format.SampleRate
	params.FramesPerBuffer = d.config.FramesPerBuffer

	s := &inputStream{driver: d, format: format}
	stream, err := portaudio.OpenStream(params, func(in []float32) { cb(in) })
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	s.stream = stream

	d.mu.Lock()
	d.streams[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// Close closes leftover streams and terminates PortAudio.
func (d *PortAudioDriver) Close() error {
	d.mu.Lock()
	streams := make([]*inputStream, 0, len(d.streams))
	for s := range d.streams {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

type inputStream struct {
	driver *PortAudioDriver
	stream *portaudio.Stream
	format hal.StreamFormat

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *inputStream) Format() hal.StreamFormat { return s.format }

func (s *inputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.running {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	s.running = true
	return nil
}

func (s *inputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	return nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.running {
		s.running = false
		err = s.stream.Stop()
	}
	if cerr := s.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.mu.Unlock()

	s.driver.mu.Lock()
	delete(s.driver.streams, s)
	s.driver.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}
