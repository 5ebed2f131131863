//go:build windows

// Package loopback implements the system audio tap primitive on miniaudio's
// loopback capture. Only system-wide taps are supported: miniaudio captures
// whatever an output device renders and cannot isolate one process.
// miniaudio only offers loopback on WASAPI, so the package is Windows-only.
package loopback

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/gen2brain/malgo"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// Object ids handed out by this backend start high so they never collide
// with device ids of the device backend.
const firstObjectID hal.ObjectID = 1 << 20

type tapObject struct {
	desc   hal.TapDescription
	format hal.StreamFormat
}

type aggregateObject struct {
	desc     hal.AggregateDescription
	format   hal.StreamFormat
	playback *malgo.DeviceID
}

type ioProc struct {
	device hal.ObjectID
	cb     hal.IOCallbacks
	dev    *malgo.Device
	format hal.StreamFormat
	buf    []float32

	mu       sync.Mutex
	stopping bool
}

// Backend implements hal.Taps.
type Backend struct {
	ctx     *malgo.AllocatedContext
	devices hal.Devices
	log     slog.Logger

	mu       sync.Mutex
	next     hal.ObjectID
	nextProc hal.IOProcID
	taps     map[hal.ObjectID]*tapObject
	aggs     map[hal.ObjectID]*aggregateObject
	procs    map[hal.IOProcID]*ioProc
}

var _ hal.Taps = (*Backend)(nil)

// New initializes a miniaudio context. devices resolves the output device
// named by an aggregate description; it may be nil.
func New(devices hal.Devices, log slog.Logger) (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Tracef("miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", err)
	}
	b := newBackend(devices, log)
	b.ctx = ctx
	return b, nil
}

func newBackend(devices hal.Devices, log slog.Logger) *Backend {
	return &Backend{
		devices:  devices,
		log:      log,
		next:     firstObjectID,
		nextProc: 1,
		taps:     make(map[hal.ObjectID]*tapObject),
		aggs:     make(map[hal.ObjectID]*aggregateObject),
		procs:    make(map[hal.IOProcID]*ioProc),
	}
}

// Close releases every remaining object and the miniaudio context.
func (b *Backend) Close() error {
	b.mu.Lock()
	procs := b.procs
	b.procs = make(map[hal.IOProcID]*ioProc)
	b.taps = make(map[hal.ObjectID]*tapObject)
	b.aggs = make(map[hal.ObjectID]*aggregateObject)
	b.mu.Unlock()

	for _, p := range procs {
		p.halt()
		p.dev.Uninit()
	}
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	return err
}

func (b *Backend) allocLocked() hal.ObjectID {
	id := b.next
	b.next++
	return id
}

// mixFormat opens and immediately closes a loopback capture to learn the
// format the output device mixes at.
func (b *Backend) mixFormat(playback *malgo.DeviceID) (hal.StreamFormat, error) {
	if b.ctx == nil {
		return hal.StreamFormat{}, hal.ErrUnsupported
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	cfg.Capture.Format = malgo.FormatF32
	if playback != nil {
		cfg.Capture.DeviceID = playback.Pointer()
	}
	dev, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{})
	if err != nil {
		return hal.StreamFormat{}, fmt.Errorf("open loopback device: %w", err)
	}
	defer dev.Uninit()
	return hal.StreamFormat{
		SampleRate: float64(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}, nil
}

func (b *Backend) CreateTap(desc hal.TapDescription) (hal.ObjectID, error) {
	if desc.Mode != hal.TapModeGlobal {
		return hal.UnknownObject, fmt.Errorf("per-process tap: %w", hal.ErrUnsupported)
	}
	if len(desc.Exclude) > 0 {
		b.log.Debugf("Loopback tap %s cannot exclude processes; capturing all output", desc.UUID)
	}
	format, err := b.mixFormat(nil)
	if err != nil {
		return hal.UnknownObject, err
	}
	if desc.MixdownStereo && format.Channels > 2 {
		format.Channels = 2
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocLocked()
	b.taps[id] = &tapObject{desc: desc, format: format}
	b.log.Debugf("Created loopback tap %d (%s) at %v", id, desc.UUID, format)
	return id, nil
}

func (b *Backend) DestroyTap(id hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.taps[id]; !ok {
		return fmt.Errorf("tap %d: %w", id, hal.ErrNotFound)
	}
	delete(b.taps, id)
	return nil
}

func (b *Backend) TapFormat(id hal.ObjectID) (hal.StreamFormat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.taps[id]
	if !ok {
		return hal.StreamFormat{}, fmt.Errorf("tap %d: %w", id, hal.ErrNotFound)
	}
	return t.format, nil
}

// playbackDevice finds the miniaudio playback device behind a device UID.
func (b *Backend) playbackDevice(uid string) (*malgo.DeviceID, error) {
	if b.ctx == nil {
		return nil, hal.ErrUnsupported
	}
	infos, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("list playback devices: %w", err)
	}
	names := make([]string, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
	}
	i := matchPlayback(names, uid)
	if i < 0 {
		return nil, fmt.Errorf("playback device %q: %w", uid, hal.ErrNotFound)
	}
	id := infos[i].ID
	return &id, nil
}

// matchPlayback returns the index of the device name uid ends with,
// preferring the longest match.
func matchPlayback(names []string, uid string) int {
	best, bestLen := -1, 0
	for i, name := range names {
		if name != "" && strings.HasSuffix(uid, name) && len(name) > bestLen {
			best, bestLen = i, len(name)
		}
	}
	return best
}

func (b *Backend) CreateAggregateDevice(desc hal.AggregateDescription) (hal.ObjectID, error) {
	b.mu.Lock()
	var format hal.StreamFormat
	found := false
	for _, t := range b.taps {
		for _, uuid := range desc.TapUUIDs {
			if t.desc.UUID == uuid {
				format, found = t.format, true
			}
		}
	}
	b.mu.Unlock()
	if !found {
		return hal.UnknownObject, fmt.Errorf("aggregate %s: no such tap: %w", desc.UID, hal.ErrNotFound)
	}

	playback, err := b.playbackDevice(desc.MainSubDeviceUID)
	if err != nil {
		return hal.UnknownObject, err
	}
	if f, err := b.mixFormat(playback); err == nil {
		format = f
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocLocked()
	b.aggs[id] = &aggregateObject{desc: desc, format: format, playback: playback}
	b.log.Debugf("Created loopback aggregate %d on %q at %v", id, desc.MainSubDeviceUID, format)
	return id, nil
}

func (b *Backend) DestroyAggregateDevice(id hal.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.aggs[id]; !ok {
		return fmt.Errorf("aggregate %d: %w", id, hal.ErrNotFound)
	}
	delete(b.aggs, id)
	return nil
}

func (b *Backend) CreateIOProc(device hal.ObjectID, cb hal.IOCallbacks) (hal.IOProcID, error) {
	if b.ctx == nil {
		return 0, hal.ErrUnsupported
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	cfg.Capture.Format = malgo.FormatF32

	b.mu.Lock()
	var format hal.StreamFormat
	if t, ok := b.taps[device]; ok {
		format = t.format
	} else if a, ok := b.aggs[device]; ok {
		format = a.format
		cfg.Capture.DeviceID = a.playback.Pointer()
	} else {
		b.mu.Unlock()
		return 0, fmt.Errorf("device %d: %w", device, hal.ErrNotFound)
	}
	b.mu.Unlock()

	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)

	p := &ioProc{device: device, cb: cb, format: format}
	dev, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.data,
		Stop: p.stopped,
	})
	if err != nil {
		return 0, fmt.Errorf("init loopback capture: %w", err)
	}
	p.dev = dev

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextProc
	b.nextProc++
	b.procs[id] = p
	return id, nil
}

func (b *Backend) proc(device hal.ObjectID, id hal.IOProcID) (*ioProc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[id]
	if !ok || p.device != device {
		return nil, fmt.Errorf("io proc %d on %d: %w", id, device, hal.ErrNotFound)
	}
	return p, nil
}

func (b *Backend) DestroyIOProc(device hal.ObjectID, id hal.IOProcID) error {
	p, err := b.proc(device, id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.procs, id)
	b.mu.Unlock()
	p.halt()
	p.dev.Uninit()
	return nil
}

func (b *Backend) StartDevice(device hal.ObjectID, id hal.IOProcID) error {
	p, err := b.proc(device, id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stopping = false
	p.mu.Unlock()
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("start loopback capture: %w", err)
	}
	return nil
}

// StopDevice returns once miniaudio has stopped delivering buffers.
func (b *Backend) StopDevice(device hal.ObjectID, id hal.IOProcID) error {
	p, err := b.proc(device, id)
	if err != nil {
		return err
	}
	return p.halt()
}

// halt stops the device without reporting it through the Stopped callback.
func (p *ioProc) halt() error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if !p.dev.IsStarted() {
		return nil
	}
	if err := p.dev.Stop(); err != nil {
		return fmt.Errorf("stop loopback capture: %w", err)
	}
	return nil
}

func (p *ioProc) data(_, input []byte, frames uint32) {
	if p.cb.Data == nil || len(input) == 0 {
		return
	}
	p.buf = decodeF32(p.buf, input)
	p.cb.Data(hal.IOBuffer{Samples: p.buf, Frames: int(frames), Format: p.format})
}

func (p *ioProc) stopped() {
	p.mu.Lock()
	expected := p.stopping
	p.mu.Unlock()
	if !expected && p.cb.Stopped != nil {
		p.cb.Stopped()
	}
}

// decodeF32 converts little-endian float32 bytes into dst, reusing its
// storage when large enough.
func decodeF32(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}
