// Package tap manages the lifecycle of one system-audio hardware tap.
//
// A Tap moves through Inactive → Activated → Running → Invalidated.
// Invalidated is terminal and reachable from every state. The tap owns the
// hardware objects it creates (tap, optional aggregate device, IO proc) and
// releases them in reverse order of creation.
package tap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// MinPlausibleRate is the lowest tap sample rate trusted for direct
// capture. Lower rates are a known symptom of a degraded capture path.
const MinPlausibleRate = 20000

// State is the lifecycle state of a Tap.
type State int

const (
	Inactive State = iota
	Activated
	Running
	Invalidated
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Activated:
		return "activated"
	case Running:
		return "running"
	case Invalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TargetKind distinguishes process taps from the system-wide tap.
type TargetKind int

const (
	KindProcess TargetKind = iota
	KindSystem
)

// Target identifies what a tap captures. ID 0 is the system-wide target.
type Target struct {
	ID             int32
	Kind           TargetKind
	Name           string
	DeviceObjectID hal.ObjectID
}

// SystemWide returns the target capturing everything playing on the system.
func SystemWide() Target {
	return Target{ID: 0, Kind: KindSystem, Name: "System Audio"}
}

// Handle is the set of hardware objects owned by a tap.
type Handle struct {
	TapID             hal.ObjectID
	TapUUID           string
	AggregateDeviceID hal.ObjectID
	IOProcID          hal.IOProcID
	IODevice          hal.ObjectID
	Format            hal.StreamFormat
	Activated         bool
}

// Teardown reports what Invalidate released.
type Teardown struct {
	AggregateDestroyed bool
	IOProcDestroyed    bool
	TapDestroyed       bool
	// Err joins any errors the hardware returned while tearing down.
	Err error
}

// ErrTapCreate wraps every failure of Activate.
var ErrTapCreate = errors.New("failed to create system audio tap")

var errLowRate = errors.New("tap reports an implausibly low sample rate")

// Tap wraps one hardware tap.
type Tap struct {
	sys hal.System
	log slog.Logger

	mu           sync.Mutex
	state        State
	target       Target
	handle       Handle
	via          string
	onInvalidate func(Teardown)
	// installing is closed once Run has recorded what it installed.
	installing chan struct{}
	torn       chan struct{}
}

// New returns an inactive tap.
func New(sys hal.System, log slog.Logger) *Tap {
	return &Tap{
		sys:  sys,
		log:  log,
		torn: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Tap) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Format returns the native format reported at activation.
func (t *Tap) Format() hal.StreamFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle.Format
}

// Handle returns a copy of the owned hardware objects.
func (t *Tap) Handle() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Strategy returns the name of the capture strategy Run settled on.
func (t *Tap) Strategy() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.via
}

// Activate creates the hardware tap for target. A failure leaves the tap
// Inactive; the caller decides whether to abandon system audio. Activating
// a tap that is not Inactive is a programming error and panics.
func (t *Tap) Activate(target Target) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Inactive {
		panic(fmt.Sprintf("tap: Activate called in state %v", t.state))
	}

	desc := hal.TapDescription{
		UUID:    uuid.NewString(),
		Name:    "EzS2T-Mix " + target.Name,
		Private: true,
	}
	if target.ID == 0 {
		desc.Mode = hal.TapModeGlobal
	} else {
		desc.Mode = hal.TapModeProcess
		desc.ProcessObjectID = target.DeviceObjectID
		desc.MixdownStereo = true
	}

	id, err := t.sys.CreateTap(desc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTapCreate, err)
	}
	format, err := t.sys.TapFormat(id)
	if err != nil {
		if derr := t.sys.DestroyTap(id); derr != nil {
			t.log.Warnf("Failed to destroy tap %d after format query failure: %v", id, derr)
		}
		return fmt.Errorf("%w: read format: %w", ErrTapCreate, err)
	}

	t.target = target
	t.handle = Handle{TapID: id, TapUUID: desc.UUID, Format: format, Activated: true}
	t.state = Activated
	t.log.Debugf("Activated tap %d (%s) for %q at %v", id, desc.UUID, target.Name, format)
	return nil
}

type installation struct {
	device    hal.ObjectID
	aggregate hal.ObjectID
	proc      hal.IOProcID
}

// Run installs ioProc and starts delivering system audio. onInvalidate is
// called exactly once, after Invalidate has released the hardware objects
// and before any concurrent Invalidate call returns. It must not call
// Invalidate itself.
//
// Run must only be called on an Activated tap; anything else is a
// programming error and panics. If every capture strategy fails the tap
// stays Activated and the caller should Invalidate it.
func (t *Tap) Run(ioProc func(hal.IOBuffer), onInvalidate func(Teardown)) error {
	t.mu.Lock()
	if t.state != Activated {
		state := t.state
		t.mu.Unlock()
		panic(fmt.Sprintf("tap: Run called in state %v", state))
	}
	h := t.handle
	installing := make(chan struct{})
	t.installing = installing
	t.onInvalidate = onInvalidate
	t.mu.Unlock()

	cb := hal.IOCallbacks{
		Data: ioProc,
		Stopped: func() {
			// Called on the hardware thread; teardown must not run here.
			go func() {
				t.log.Warnf("System audio device stopped unexpectedly, invalidating tap %d", h.TapID)
				t.Invalidate()
			}()
		},
	}

	inst, via, err := FirstSuccess(
		Strategy[installation]{Name: "direct", Try: func() (installation, error) {
			return t.installDirect(h, cb)
		}},
		Strategy[installation]{Name: "aggregate", Try: func() (installation, error) {
			return t.installAggregate(h, cb)
		}},
	)

	t.mu.Lock()
	invalidated := t.state == Invalidated
	switch {
	case err == nil:
		// A concurrent Invalidate releases these together with the tap.
		t.handle.AggregateDeviceID = inst.aggregate
		t.handle.IOProcID = inst.proc
		t.handle.IODevice = inst.device
		t.via = via
		if !invalidated {
			t.state = Running
		}
	case !invalidated:
		t.onInvalidate = nil
	}
	t.installing = nil
	close(installing)
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to start system audio capture: %w", err)
	}
	if invalidated {
		return errors.New("tap invalidated while starting")
	}

	t.log.Infof("System audio capture running via %s strategy (tap %d)", via, h.TapID)
	return nil
}

func (t *Tap) installDirect(h Handle, cb hal.IOCallbacks) (installation, error) {
	if h.Format.SampleRate < MinPlausibleRate {
		return installation{}, fmt.Errorf("%w: %.0f Hz", errLowRate, h.Format.SampleRate)
	}
	proc, err := t.sys.CreateIOProc(h.TapID, cb)
	if err != nil {
		return installation{}, fmt.Errorf("create io proc: %w", err)
	}
	if err := t.sys.StartDevice(h.TapID, proc); err != nil {
		if derr := t.sys.DestroyIOProc(h.TapID, proc); derr != nil {
			t.log.Warnf("Failed to destroy io proc after start failure: %v", derr)
		}
		return installation{}, fmt.Errorf("start tap device: %w", err)
	}
	return installation{device: h.TapID, proc: proc}, nil
}

func (t *Tap) installAggregate(h Handle, cb hal.IOCallbacks) (installation, error) {
	out, err := t.sys.DefaultOutputDevice()
	if err != nil {
		return installation{}, fmt.Errorf("default output device: %w", err)
	}
	outUID, err := t.sys.DeviceUID(out)
	if err != nil {
		return installation{}, fmt.Errorf("output device uid: %w", err)
	}

	agg, err := t.sys.CreateAggregateDevice(hal.AggregateDescription{
		UID:               "ezs2t-mix-aggregate-" + uuid.NewString(),
		Name:              "EzS2T-Mix Capture",
		MainSubDeviceUID:  outUID,
		TapUUIDs:          []string{h.TapUUID},
		Private:           true,
		DriftCompensation: true,
	})
	if err != nil {
		return installation{}, fmt.Errorf("create aggregate device: %w", err)
	}

	proc, err := t.sys.CreateIOProc(agg, cb)
	if err != nil {
		t.destroyAggregate(agg)
		return installation{}, fmt.Errorf("create io proc: %w", err)
	}
	if err := t.sys.StartDevice(agg, proc); err != nil {
		if derr := t.sys.DestroyIOProc(agg, proc); derr != nil {
			t.log.Warnf("Failed to destroy io proc after start failure: %v", derr)
		}
		t.destroyAggregate(agg)
		return installation{}, fmt.Errorf("start aggregate device: %w", err)
	}
	return installation{device: agg, aggregate: agg, proc: proc}, nil
}

func (t *Tap) destroyAggregate(id hal.ObjectID) {
	if err := t.sys.DestroyAggregateDevice(id); err != nil {
		t.log.Warnf("Failed to destroy aggregate device %d: %v", id, err)
	}
}

// Invalidate stops capture and releases every hardware object in the order
// aggregate device, IO proc, tap. It is safe to call from any goroutine and
// any number of times; later calls block until the first teardown is done.
func (t *Tap) Invalidate() {
	t.mu.Lock()
	if t.state == Invalidated {
		t.mu.Unlock()
		<-t.torn
		return
	}
	t.state = Invalidated
	installing := t.installing
	t.mu.Unlock()

	// Let an in-flight Run record its objects so they are released here.
	if installing != nil {
		<-installing
	}

	t.mu.Lock()
	h := t.handle
	handler := t.onInvalidate
	t.handle = Handle{}
	t.onInvalidate = nil
	t.mu.Unlock()

	defer close(t.torn)
	td := t.release(h)
	if td.Err != nil {
		t.log.Warnf("Tap teardown finished with errors: %v", td.Err)
	}
	if handler != nil {
		handler(td)
	}
}

func (t *Tap) release(h Handle) Teardown {
	var td Teardown
	var errs []error
	if h.IOProcID != 0 {
		if err := t.sys.StopDevice(h.IODevice, h.IOProcID); err != nil {
			errs = append(errs, fmt.Errorf("stop device %d: %w", h.IODevice, err))
		}
	}
	if h.AggregateDeviceID != 0 {
		if err := t.sys.DestroyAggregateDevice(h.AggregateDeviceID); err != nil {
			errs = append(errs, fmt.Errorf("destroy aggregate %d: %w", h.AggregateDeviceID, err))
		} else {
			td.AggregateDestroyed = true
		}
	}
	if h.IOProcID != 0 {
		if err := t.sys.DestroyIOProc(h.IODevice, h.IOProcID); err != nil {
			errs = append(errs, fmt.Errorf("destroy io proc: %w", err))
		} else {
			td.IOProcDestroyed = true
		}
	}
	if h.TapID != 0 {
		if err := t.sys.DestroyTap(h.TapID); err != nil {
			errs = append(errs, fmt.Errorf("destroy tap %d: %w", h.TapID, err))
		} else {
			td.TapDestroyed = true
		}
	}
	td.Err = errors.Join(errs...)
	return td
}
