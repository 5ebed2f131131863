//go:build darwin && cgo

package coreaudio

/*
#cgo CFLAGS: -x objective-c -Wno-unguarded-availability-new
#cgo LDFLAGS: -framework CoreAudio -framework Foundation

#import <Foundation/Foundation.h>
#import <CoreAudio/CoreAudio.h>
#import <CoreAudio/AudioHardwareTapping.h>
#import <CoreAudio/CATapDescription.h>
#include <stdint.h>
#include <stdlib.h>

extern void ezsIOData(uintptr_t handle, AudioBufferList *in);
extern void ezsDeviceDied(uintptr_t handle);

static int ezsTapsAvailable(void) {
	if (@available(macOS 14.2, *)) {
		return 1;
	}
	return 0;
}

static AudioObjectPropertyAddress ezsGlobal(AudioObjectPropertySelector sel) {
	AudioObjectPropertyAddress a = {sel, kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain};
	return a;
}

static OSStatus ezsCreateTap(const char *uuid, const char *name, int global,
	AudioObjectID process, AudioObjectID *exclude, int nexclude, int private_,
	AudioObjectID *out) {
	@autoreleasepool {
		NSMutableArray<NSNumber *> *procs = [NSMutableArray arrayWithCapacity:nexclude + 1];
		CATapDescription *desc;
		if (global) {
			for (int i = 0; i < nexclude; i++) {
				[procs addObject:@(exclude[i])];
			}
			desc = [[CATapDescription alloc] initStereoGlobalTapButExcludeProcesses:procs];
		} else {
			[procs addObject:@(process)];
			desc = [[CATapDescription alloc] initStereoMixdownOfProcesses:procs];
		}
		NSUUID *u = [[NSUUID alloc] initWithUUIDString:[NSString stringWithUTF8String:uuid]];
		if (u != nil) {
			desc.UUID = u;
			[u release];
		}
		desc.name = [NSString stringWithUTF8String:name];
		desc.privateTap = private_ ? YES : NO;
		desc.muteBehavior = CATapUnmuted;
		OSStatus st = AudioHardwareCreateProcessTap(desc, out);
		[desc release];
		return st;
	}
}

static OSStatus ezsDestroyTap(AudioObjectID tap) {
	return AudioHardwareDestroyProcessTap(tap);
}

static OSStatus ezsTapFormat(AudioObjectID tap, double *rate, UInt32 *channels) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioTapPropertyFormat);
	AudioStreamBasicDescription asbd;
	UInt32 size = sizeof(asbd);
	OSStatus st = AudioObjectGetPropertyData(tap, &a, 0, NULL, &size, &asbd);
	if (st != noErr) {
		return st;
	}
	if (asbd.mFormatID != kAudioFormatLinearPCM || !(asbd.mFormatFlags & kAudioFormatFlagIsFloat) ||
		asbd.mBitsPerChannel != 32) {
		return kAudioDeviceUnsupportedFormatError;
	}
	*rate = asbd.mSampleRate;
	*channels = asbd.mChannelsPerFrame;
	return noErr;
}

static OSStatus ezsCreateAggregate(const char *uid, const char *name, const char *mainUID,
	const char **taps, int ntaps, int private_, int drift, AudioObjectID *out) {
	@autoreleasepool {
		NSMutableArray *tapList = [NSMutableArray arrayWithCapacity:ntaps];
		for (int i = 0; i < ntaps; i++) {
			[tapList addObject:@{
				@kAudioSubTapUIDKey: [NSString stringWithUTF8String:taps[i]],
				@kAudioSubTapDriftCompensationKey: @(drift ? YES : NO),
			}];
		}
		NSString *main = [NSString stringWithUTF8String:mainUID];
		NSDictionary *d = @{
			@kAudioAggregateDeviceUIDKey: [NSString stringWithUTF8String:uid],
			@kAudioAggregateDeviceNameKey: [NSString stringWithUTF8String:name],
			@kAudioAggregateDeviceMainSubDeviceKey: main,
			@kAudioAggregateDeviceIsPrivateKey: @(private_ ? YES : NO),
			@kAudioAggregateDeviceIsStackedKey: @NO,
			@kAudioAggregateDeviceTapAutoStartKey: @YES,
			@kAudioAggregateDeviceSubDeviceListKey: @[ @{ @kAudioSubDeviceUIDKey: main } ],
			@kAudioAggregateDeviceTapListKey: tapList,
		};
		return AudioHardwareCreateAggregateDevice((CFDictionaryRef)d, out);
	}
}

static OSStatus ezsDestroyAggregate(AudioObjectID dev) {
	return AudioHardwareDestroyAggregateDevice(dev);
}

static OSStatus ezsNominalRate(AudioObjectID dev, double *rate) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioDevicePropertyNominalSampleRate);
	UInt32 size = sizeof(*rate);
	return AudioObjectGetPropertyData(dev, &a, 0, NULL, &size, rate);
}

static OSStatus ezsDeviceCount(UInt32 *n) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioHardwarePropertyDevices);
	UInt32 size = 0;
	OSStatus st = AudioObjectGetPropertyDataSize(kAudioObjectSystemObject, &a, 0, NULL, &size);
	*n = size / sizeof(AudioObjectID);
	return st;
}

static OSStatus ezsDeviceIDs(AudioObjectID *ids, UInt32 *n) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioHardwarePropertyDevices);
	UInt32 size = *n * sizeof(AudioObjectID);
	OSStatus st = AudioObjectGetPropertyData(kAudioObjectSystemObject, &a, 0, NULL, &size, ids);
	*n = size / sizeof(AudioObjectID);
	return st;
}

static OSStatus ezsDefaultOutput(AudioObjectID *dev) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioHardwarePropertyDefaultOutputDevice);
	UInt32 size = sizeof(*dev);
	return AudioObjectGetPropertyData(kAudioObjectSystemObject, &a, 0, NULL, &size, dev);
}

// ezsString copies a CFString property into buf as UTF-8.
static OSStatus ezsString(AudioObjectID obj, AudioObjectPropertySelector sel, char *buf, int len) {
	AudioObjectPropertyAddress a = ezsGlobal(sel);
	CFStringRef s = NULL;
	UInt32 size = sizeof(s);
	OSStatus st = AudioObjectGetPropertyData(obj, &a, 0, NULL, &size, &s);
	if (st != noErr) {
		return st;
	}
	buf[0] = 0;
	if (s != NULL) {
		CFStringGetCString(s, buf, len, kCFStringEncodingUTF8);
		CFRelease(s);
	}
	return noErr;
}

static OSStatus ezsIOProc(AudioObjectID dev, const AudioTimeStamp *now,
	const AudioBufferList *in, const AudioTimeStamp *inTime,
	AudioBufferList *out, const AudioTimeStamp *outTime, void *client) {
	if (in != NULL && in->mNumberBuffers > 0) {
		ezsIOData((uintptr_t)client, (AudioBufferList *)in);
	}
	return noErr;
}

static OSStatus ezsCreateIOProc(AudioObjectID dev, uintptr_t handle, AudioDeviceIOProcID *out) {
	return AudioDeviceCreateIOProcID(dev, ezsIOProc, (void *)handle, out);
}

static OSStatus ezsAliveListener(AudioObjectID obj, UInt32 n,
	const AudioObjectPropertyAddress *addrs, void *client) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioDevicePropertyDeviceIsAlive);
	UInt32 alive = 1;
	UInt32 size = sizeof(alive);
	if (AudioObjectGetPropertyData(obj, &a, 0, NULL, &size, &alive) == noErr && !alive) {
		ezsDeviceDied((uintptr_t)client);
	}
	return noErr;
}

static OSStatus ezsWatchAlive(AudioObjectID dev, uintptr_t handle, int add) {
	AudioObjectPropertyAddress a = ezsGlobal(kAudioDevicePropertyDeviceIsAlive);
	if (add) {
		return AudioObjectAddPropertyListener(dev, &a, ezsAliveListener, (void *)handle);
	}
	return AudioObjectRemovePropertyListener(dev, &a, ezsAliveListener, (void *)handle);
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

type tapObject struct {
	desc   hal.TapDescription
	format hal.StreamFormat
}

type ioProc struct {
	device hal.ObjectID
	id     C.AudioDeviceIOProcID
	handle cgo.Handle
	cb     hal.IOCallbacks
	format hal.StreamFormat

	// Only touched on the IO thread.
	chans  []int
	planes [][]float32
	buf    []float32

	stopping atomic.Bool
	watching bool
}

// Backend implements hal.Taps on CoreAudio.
type Backend struct {
	log slog.Logger

	mu       sync.Mutex
	nextProc hal.IOProcID
	taps     map[hal.ObjectID]*tapObject
	aggs     map[hal.ObjectID]hal.StreamFormat
	procs    map[hal.IOProcID]*ioProc
}

var _ hal.Taps = (*Backend)(nil)

// New returns a backend, or hal.ErrUnsupported before macOS 14.2.
func New(log slog.Logger) (*Backend, error) {
	if C.ezsTapsAvailable() == 0 {
		return nil, fmt.Errorf("process taps need macOS 14.2: %w", hal.ErrUnsupported)
	}
	return &Backend{
		log:      log,
		nextProc: 1,
		taps:     make(map[hal.ObjectID]*tapObject),
		aggs:     make(map[hal.ObjectID]hal.StreamFormat),
		procs:    make(map[hal.IOProcID]*ioProc),
	}, nil
}

// Close releases every object the backend still owns: IO procs first,
// then aggregate devices, then taps.
func (b *Backend) Close() error {
	b.mu.Lock()
	procs, aggs, taps := b.procs, b.aggs, b.taps
	b.procs = make(map[hal.IOProcID]*ioProc)
	b.aggs = make(map[hal.ObjectID]hal.StreamFormat)
	b.taps = make(map[hal.ObjectID]*tapObject)
	b.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, p := range procs {
		keep(p.release())
	}
	for id := range aggs {
		keep(statusErr("destroy aggregate device", int32(C.ezsDestroyAggregate(C.AudioObjectID(id)))))
	}
	for id := range taps {
		keep(statusErr("destroy tap", int32(C.ezsDestroyTap(C.AudioObjectID(id)))))
	}
	return first
}

func (b *Backend) CreateTap(desc hal.TapDescription) (hal.ObjectID, error) {
	uuid := C.CString(desc.UUID)
	defer C.free(unsafe.Pointer(uuid))
	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))

	var exclude *C.AudioObjectID
	if len(desc.Exclude) > 0 {
		ids := make([]C.AudioObjectID, len(desc.Exclude))
		for i, id := range desc.Exclude {
			ids[i] = C.AudioObjectID(id)
		}
		exclude = &ids[0]
	}

	var id C.AudioObjectID
	st := C.ezsCreateTap(uuid, name, cbool(desc.Mode == hal.TapModeGlobal),
		C.AudioObjectID(desc.ProcessObjectID), exclude, C.int(len(desc.Exclude)),
		cbool(desc.Private), &id)
	if err := statusErr("create process tap", int32(st)); err != nil {
		return hal.UnknownObject, err
	}

	format, err := tapFormat(hal.ObjectID(id))
	if err != nil {
		C.ezsDestroyTap(id)
		return hal.UnknownObject, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps[hal.ObjectID(id)] = &tapObject{desc: desc, format: format}
	b.log.Debugf("Created process tap %d (%s) at %v", id, desc.UUID, format)
	return hal.ObjectID(id), nil
}

func tapFormat(id hal.ObjectID) (hal.StreamFormat, error) {
	var rate C.double
	var channels C.UInt32
	if err := statusErr("read tap format", int32(C.ezsTapFormat(C.AudioObjectID(id), &rate, &channels))); err != nil {
		return hal.StreamFormat{}, err
	}
	return hal.StreamFormat{SampleRate: float64(rate), Channels: int(channels)}, nil
}

func (b *Backend) DestroyTap(id hal.ObjectID) error {
	b.mu.Lock()
	_, ok := b.taps[id]
	delete(b.taps, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("tap %d: %w", id, hal.ErrNotFound)
	}
	return statusErr("destroy tap", int32(C.ezsDestroyTap(C.AudioObjectID(id))))
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

// devices lists CoreAudio devices with their UIDs and names.
func devices() ([]device, error) {
	var n C.UInt32
	if err := statusErr("count devices", int32(C.ezsDeviceCount(&n))); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ids := make([]C.AudioObjectID, n)
	if err := statusErr("list devices", int32(C.ezsDeviceIDs(&ids[0], &n))); err != nil {
		return nil, err
	}
	devs := make([]device, 0, n)
	for _, id := range ids[:n] {
		uid, err := objectString(id, C.kAudioDevicePropertyDeviceUID)
		if err != nil {
			continue
		}
		name, _ := objectString(id, C.kAudioObjectPropertyName)
		devs = append(devs, device{uid: uid, name: name})
	}
	return devs, nil
}

func objectString(id C.AudioObjectID, sel C.AudioObjectPropertySelector) (string, error) {
	var buf [512]C.char
	if err := statusErr("read device string", int32(C.ezsString(id, sel, &buf[0], C.int(len(buf))))); err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

// mainDeviceUID resolves uid to a CoreAudio device, falling back to the
// default output device.
func (b *Backend) mainDeviceUID(uid string) (string, error) {
	devs, err := devices()
	if err != nil {
		return "", err
	}
	if resolved, ok := resolveUID(devs, uid); ok {
		return resolved, nil
	}
	var out C.AudioObjectID
	if err := statusErr("default output device", int32(C.ezsDefaultOutput(&out))); err != nil {
		return "", err
	}
	resolved, err := objectString(out, C.kAudioDevicePropertyDeviceUID)
	if err != nil {
		return "", err
	}
	b.log.Debugf("No CoreAudio device matches %q, using default output %q", uid, resolved)
	return resolved, nil
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

	mainUID, err := b.mainDeviceUID(desc.MainSubDeviceUID)
	if err != nil {
		return hal.UnknownObject, err
	}

	cstr := func(s string) *C.char { return C.CString(s) }
	uid, name, main := cstr(desc.UID), cstr(desc.Name), cstr(mainUID)
	defer C.free(unsafe.Pointer(uid))
	defer C.free(unsafe.Pointer(name))
	defer C.free(unsafe.Pointer(main))
	taps := make([]*C.char, len(desc.TapUUIDs))
	for i, u := range desc.TapUUIDs {
		taps[i] = cstr(u)
	}
	defer func() {
		for _, p := range taps {
			C.free(unsafe.Pointer(p))
		}
	}()

	var id C.AudioObjectID
	st := C.ezsCreateAggregate(uid, name, main, &taps[0], C.int(len(taps)),
		cbool(desc.Private), cbool(desc.DriftCompensation), &id)
	if err := statusErr("create aggregate device", int32(st)); err != nil {
		return hal.UnknownObject, err
	}

	var rate C.double
	if C.ezsNominalRate(id, &rate) == 0 && rate > 0 {
		format.SampleRate = float64(rate)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.aggs[hal.ObjectID(id)] = format
	b.log.Debugf("Created aggregate device %d on %q at %v", id, mainUID, format)
	return hal.ObjectID(id), nil
}

func (b *Backend) DestroyAggregateDevice(id hal.ObjectID) error {
	b.mu.Lock()
	_, ok := b.aggs[id]
	delete(b.aggs, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("aggregate %d: %w", id, hal.ErrNotFound)
	}
	return statusErr("destroy aggregate device", int32(C.ezsDestroyAggregate(C.AudioObjectID(id))))
}

func (b *Backend) CreateIOProc(device hal.ObjectID, cb hal.IOCallbacks) (hal.IOProcID, error) {
	b.mu.Lock()
	var format hal.StreamFormat
	if t, ok := b.taps[device]; ok {
		format = t.format
	} else if f, ok := b.aggs[device]; ok {
		format = f
	} else {
		b.mu.Unlock()
		return 0, fmt.Errorf("device %d: %w", device, hal.ErrNotFound)
	}
	b.mu.Unlock()

	p := &ioProc{
		device: device,
		cb:     cb,
		format: format,
		chans:  make([]int, 0, 8),
		planes: make([][]float32, 0, 8),
	}
	p.stopping.Store(true)
	p.handle = cgo.NewHandle(p)
	st := C.ezsCreateIOProc(C.AudioObjectID(device), C.uintptr_t(p.handle), &p.id)
	if err := statusErr("create io proc", int32(st)); err != nil {
		p.handle.Delete()
		return 0, err
	}
	if err := statusErr("watch device", int32(C.ezsWatchAlive(C.AudioObjectID(device), C.uintptr_t(p.handle), 1))); err != nil {
		b.log.Debugf("Device %d loss will go unnoticed: %v", device, err)
	} else {
		p.watching = true
	}

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
	return p.release()
}

func (b *Backend) StartDevice(device hal.ObjectID, id hal.IOProcID) error {
	p, err := b.proc(device, id)
	if err != nil {
		return err
	}
	p.stopping.Store(false)
	if err := statusErr("start device", int32(C.AudioDeviceStart(C.AudioObjectID(device), p.id))); err != nil {
		p.stopping.Store(true)
		return err
	}
	return nil
}

// StopDevice returns once CoreAudio has stopped calling the IO proc;
// AudioDeviceStop is synchronous off the IO thread.
func (b *Backend) StopDevice(device hal.ObjectID, id hal.IOProcID) error {
	p, err := b.proc(device, id)
	if err != nil {
		return err
	}
	return p.stop()
}

func (p *ioProc) stop() error {
	p.stopping.Store(true)
	return statusErr("stop device", int32(C.AudioDeviceStop(C.AudioObjectID(p.device), p.id)))
}

// release stops the proc, removes it from the device and frees its handle.
func (p *ioProc) release() error {
	dev := C.AudioObjectID(p.device)
	stopErr := p.stop()
	if p.watching {
		C.ezsWatchAlive(dev, C.uintptr_t(p.handle), 0)
		p.watching = false
	}
	err := statusErr("destroy io proc", int32(C.AudioDeviceDestroyIOProcID(dev, p.id)))
	p.handle.Delete()
	if err != nil {
		return err
	}
	return stopErr
}

// deliver hands one input buffer list to the Data callback.
func (p *ioProc) deliver(bufs []C.AudioBuffer) {
	p.chans = p.chans[:0]
	for _, b := range bufs {
		p.chans = append(p.chans, int(b.mNumberChannels))
	}
	first, n := tapBuffers(p.chans, p.format.Channels)
	if n == 0 {
		return
	}

	format := p.format
	var samples []float32
	if n == 1 {
		samples = plane(bufs[first])
		format.Channels = max(p.chans[first], 1)
	} else {
		p.planes = p.planes[:0]
		for _, b := range bufs[first : first+n] {
			p.planes = append(p.planes, plane(b))
		}
		p.buf = interleave(p.buf, p.planes)
		samples = p.buf
	}
	if len(samples) == 0 {
		return
	}
	p.cb.Data(hal.IOBuffer{Samples: samples, Frames: len(samples) / format.Channels, Format: format})
}

func plane(b C.AudioBuffer) []float32 {
	if b.mData == nil {
		return nil
	}
	return unsafe.Slice((*float32)(b.mData), int(b.mDataByteSize)/4)
}

func cbool(v bool) C.int {
	if v {
		return 1
	}
	return 0
}
