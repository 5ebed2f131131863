// Package hal describes the audio hardware abstraction layer the recording
// core is written against: device property queries, the system-audio tap
// primitive, aggregate devices, IO procs and plain input streams.
//
// Backends live elsewhere: internal/audio for PortAudio, internal/coreaudio
// for macOS process taps and internal/loopback for miniaudio on Windows.
// Tests use internal/hal/haltest.
package hal

import (
	"errors"
	"fmt"
)

// ObjectID identifies a hardware object (device, tap, aggregate device).
// Zero is never a valid object.
type ObjectID uint32

// UnknownObject is the zero ObjectID.
const UnknownObject ObjectID = 0

// IOProcID identifies an installed IO callback.
type IOProcID uint32

// Scope selects the input or output side of a device.
type Scope int

const (
	ScopeInput Scope = iota
	ScopeOutput
)

func (s Scope) String() string {
	if s == ScopeOutput {
		return "output"
	}
	return "input"
}

// StreamFormat is a native float32 interleaved stream format.
type StreamFormat struct {
	SampleRate float64
	Channels   int
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%.0fHz/%dch", f.SampleRate, f.Channels)
}

// TapMode selects what a tap captures.
type TapMode int

const (
	// TapModeProcess captures a single process.
	TapModeProcess TapMode = iota
	// TapModeGlobal captures everything playing on the system, including
	// processes started after the tap was created.
	TapModeGlobal
)

// TapDescription describes a tap to create.
type TapDescription struct {
	UUID            string
	Name            string
	Mode            TapMode
	ProcessObjectID ObjectID
	// Exclude lists processes left out of a global tap.
	Exclude       []ObjectID
	MixdownStereo bool
	Private       bool
}

// AggregateDescription describes a private aggregate device wrapping an
// output device and one or more taps.
type AggregateDescription struct {
	UID               string
	Name              string
	MainSubDeviceUID  string
	TapUUIDs          []string
	Private           bool
	DriftCompensation bool
}

// IOBuffer is one buffer delivered by an IO proc. Samples are interleaved
// and only valid for the duration of the callback.
type IOBuffer struct {
	Samples []float32
	Frames  int
	Format  StreamFormat
}

// IOCallbacks are invoked on the hardware's real-time thread.
type IOCallbacks struct {
	Data func(IOBuffer)
	// Stopped is called when the device stops on its own (device lost,
	// route change). It is not called for StopDevice.
	Stopped func()
}

// Devices answers device property queries.
type Devices interface {
	DeviceIDs() ([]ObjectID, error)
	ChannelCount(id ObjectID, scope Scope) (int, error)
	DeviceName(id ObjectID) (string, error)
	DeviceUID(id ObjectID) (string, error)
	DefaultOutputDevice() (ObjectID, error)
	SetDefaultInputDevice(id ObjectID) error
}

// Taps is the system-audio capture primitive.
type Taps interface {
	CreateTap(desc TapDescription) (ObjectID, error)
	DestroyTap(id ObjectID) error
	TapFormat(id ObjectID) (StreamFormat, error)

	CreateAggregateDevice(desc AggregateDescription) (ObjectID, error)
	DestroyAggregateDevice(id ObjectID) error

	CreateIOProc(device ObjectID, cb IOCallbacks) (IOProcID, error)
	DestroyIOProc(device ObjectID, proc IOProcID) error
	StartDevice(device ObjectID, proc IOProcID) error
	// StopDevice blocks until no further callbacks for proc will run.
	StopDevice(device ObjectID, proc IOProcID) error
}

// InputStream is an open microphone stream.
type InputStream interface {
	Start() error
	// Stop blocks until the callback will no longer be invoked.
	Stop() error
	Close() error
	Format() StreamFormat
}

// Inputs opens microphone streams. Device UnknownObject selects the
// system default input. A zero SampleRate requests the device's native rate.
type Inputs interface {
	DefaultInputFormat(device ObjectID) (StreamFormat, error)
	OpenInput(device ObjectID, format StreamFormat, cb func(in []float32)) (InputStream, error)
}

// System is the full hardware surface used by a recording.
type System interface {
	Devices
	Taps
	Inputs
}

type composite struct {
	Devices
	Taps
	Inputs
}

// Compose assembles a System from independent backends.
func Compose(d Devices, t Taps, in Inputs) System {
	return composite{Devices: d, Taps: t, Inputs: in}
}

var (
	// ErrUnsupported is returned by backends that lack a primitive.
	ErrUnsupported = errors.New("operation not supported by audio backend")
	// ErrNotFound is returned for unknown object ids.
	ErrNotFound = errors.New("audio object not found")
)
