// Package recording owns the lifecycle of recording sessions. All state
// changes run on a single executor goroutine; callers submit commands and
// wait for them.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
	"github.com/yok-tottii/EzS2T-Mix/internal/mixer"
	"github.com/yok-tottii/EzS2T-Mix/internal/tap"
)

// State represents the current recording state
type State int32

const (
	// Idle means not recording
	Idle State = iota
	// Starting means sources are being opened
	Starting
	// Recording means currently recording audio
	Recording
	// Stopping means sources and the output file are being released
	Stopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Recording:
		return "Recording"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

var (
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("recording controller closed")
	// ErrUnknownDevice is returned when selecting a device that does not exist.
	ErrUnknownDevice = errors.New("unknown input device")
)

// Config holds configuration for the controller
type Config struct {
	MaxDuration time.Duration
	// TempDir receives the recorded WAV files.
	TempDir string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxDuration: 60 * time.Second,
		TempDir:     os.TempDir(),
	}
}

// Session describes the active recording.
type Session struct {
	ID          string           `json:"id"`
	Mode        mixer.Mode       `json:"-"`
	ModeName    string           `json:"mode"`
	State       State            `json:"-"`
	OutputPath  string           `json:"outputPath"`
	Format      hal.StreamFormat `json:"format"`
	StartedAt   time.Time        `json:"startedAt"`
	SystemAudio bool             `json:"systemAudio"`
}

// Outcome is published on Results after every finished recording.
type Outcome struct {
	Result      mixer.Result
	Err         error
	AutoStopped bool
}

type command struct {
	fn   func()
	done chan struct{}
}

// Events delivered to the executor from timers and tap callbacks. seq ties
// them to the session that produced them.
type autoStop struct{ seq uint64 }

type tapInvalidated struct {
	seq      uint64
	teardown tap.Teardown
}

// Option configures a Controller.
type Option func(*Controller)

// WithPermissionGate installs a check run before every start. A non-nil
// error refuses the start.
func WithPermissionGate(gate func() error) Option {
	return func(c *Controller) { c.gate = gate }
}

// WithMixerLogger sends session and tap logging to log instead of the
// controller's logger.
func WithMixerLogger(log slog.Logger) Option {
	return func(c *Controller) { c.mixLog = log }
}

// Controller serializes Start, Stop and device selection.
type Controller struct {
	sys    hal.System
	reg    *devices.Registry
	log    slog.Logger
	mixLog slog.Logger
	cfg    Config
	gate   func() error

	cmds    chan command
	events  chan interface{}
	meters  chan meter.Meter
	results chan Outcome
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	state atomic.Int32
	info  atomic.Pointer[Session]

	// Owned by the executor goroutine.
	seq         uint64
	session     *mixer.Session
	meterCancel context.CancelFunc
	meterGroup  *errgroup.Group
	timer       *time.Timer
}

// New creates a controller and starts its executor. Close releases it.
func New(sys hal.System, reg *devices.Registry, cfg Config, log slog.Logger, opts ...Option) *Controller {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultConfig().MaxDuration
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	c := &Controller{
		sys:     sys,
		reg:     reg,
		log:     log,
		mixLog:  log,
		cfg:     cfg,
		cmds:    make(chan command),
		events:  make(chan interface{}, 8),
		meters:  make(chan meter.Meter, 1),
		results: make(chan Outcome, 4),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			cmd.fn()
			close(cmd.done)
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			if c.session != nil {
				if _, err := c.stop(false); err != nil {
					c.log.Warnf("Failed to stop recording on shutdown: %v", err)
				}
			}
			return
		}
	}
}

// do runs fn on the executor and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	<-cmd.done
	return nil
}

// post queues an event, waiting for room unless the controller is closing.
func (c *Controller) post(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

// tryPost queues an event without blocking. It is used from callbacks that
// may run on the executor itself.
func (c *Controller) tryPost(ev interface{}) {
	select {
	case c.events <- ev:
	default:
		c.log.Warnf("Dropping recording event %T: queue full", ev)
	}
}

func (c *Controller) handle(ev interface{}) {
	switch ev := ev.(type) {
	case autoStop:
		if ev.seq != c.seq || c.session == nil {
			return
		}
		c.log.Infof("Maximum recording time of %v reached", c.cfg.MaxDuration)
		if _, err := c.stop(true); err != nil {
			c.log.Errorf("Auto-stop failed: %v", err)
		}
	case tapInvalidated:
		if ev.seq != c.seq || c.session == nil {
			return
		}
		c.log.Warnf("System audio capture ended (%+v); continuing with microphone", ev.teardown)
		if info := c.info.Load(); info != nil {
			updated := *info
			updated.SystemAudio = false
			c.info.Store(&updated)
		}
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	if info := c.info.Load(); info != nil {
		updated := *info
		updated.State = s
		c.info.Store(&updated)
	}
}

// Start begins a recording using rc. Starting while a recording is active
// is a no-op.
func (c *Controller) Start(ctx context.Context, rc config.RecordingConfig) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.start(ctx, rc) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) start(ctx context.Context, rc config.RecordingConfig) error {
	if c.session != nil {
		c.log.Debugf("Start ignored: already %v", c.State())
		return nil
	}
	if c.gate != nil {
		if err := c.gate(); err != nil {
			return err
		}
	}
	c.setState(Starting)

	mode := mixer.ModeSimple
	if rc.EnableSystemAudioMixing {
		mode = mixer.ModeMixed
	}
	c.seq++
	seq := c.seq
	id := uuid.NewString()
	opts := mixer.Options{
		Mode:            mode,
		OutputPath:      filepath.Join(c.cfg.TempDir, "ezs2t-mix-"+id+".wav"),
		Microphone:      c.resolveMicrophone(rc.SelectedMicrophoneID),
		MicrophoneGain:  rc.MicrophoneGain,
		SystemAudio:     rc.EnableSystemAudioMixing,
		SystemAudioGain: rc.SystemAudioGain,
		Channels:        rc.MixedChannels,
		OnTapInvalidated: func(td tap.Teardown) {
			c.tryPost(tapInvalidated{seq: seq, teardown: td})
		},
	}

	s, err := mixer.Start(ctx, c.sys, opts, c.mixLog)
	if err != nil {
		c.setState(Idle)
		return fmt.Errorf("failed to start recording: %w", err)
	}
	c.session = s
	c.info.Store(&Session{
		ID:          id,
		Mode:        mode,
		ModeName:    mode.String(),
		State:       Starting,
		OutputPath:  opts.OutputPath,
		Format:      s.Format(),
		StartedAt:   time.Now(),
		SystemAudio: s.SystemAudio(),
	})
	c.startMeter(s)
	c.timer = time.AfterFunc(c.cfg.MaxDuration, func() { c.post(autoStop{seq: seq}) })
	c.setState(Recording)
	return nil
}

// resolveMicrophone maps a configured device UID to a live device, falling
// back to the system default when it is unset or gone.
func (c *Controller) resolveMicrophone(uid *string) hal.ObjectID {
	if uid == nil || c.reg == nil {
		return hal.UnknownObject
	}
	d, ok := c.reg.Lookup(*uid)
	if !ok || !d.HasInput {
		c.log.Warnf("Selected microphone %q is not available, using the default input", *uid)
		return hal.UnknownObject
	}
	c.reg.SetDefaultInputDevice(d.ID)
	return d.ID
}

func (c *Controller) startMeter(s *mixer.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	lm := meter.New(s)
	g.Go(func() error { return lm.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case m := <-lm.C():
				c.publishMeter(m)
			}
		}
	})
	c.meterCancel, c.meterGroup = cancel, g
}

func (c *Controller) publishMeter(m meter.Meter) {
	select {
	case c.meters <- m:
		return
	default:
	}
	select {
	case <-c.meters:
	default:
	}
	select {
	case c.meters <- m:
	default:
	}
}

// Stop ends the active recording and returns its result once every source
// and the output file have been released. Stop without an active
// recording is a no-op returning a zero Result. A Stop issued while a
// start is in flight runs after that start completes.
func (c *Controller) Stop(ctx context.Context) (mixer.Result, error) {
	var (
		res mixer.Result
		err error
	)
	if doErr := c.do(ctx, func() { res, err = c.stop(false) }); doErr != nil {
		return mixer.Result{}, doErr
	}
	return res, err
}

func (c *Controller) stop(auto bool) (mixer.Result, error) {
	if c.session == nil {
		c.log.Debugf("Stop ignored: not recording")
		return mixer.Result{}, nil
	}
	c.setState(Stopping)
	c.seq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.meterCancel()
	_ = c.meterGroup.Wait()

	res, err := c.session.Stop()
	c.session = nil
	c.info.Store(nil)
	c.setState(Idle)
	c.publishMeter(meter.Meter{})

	select {
	case c.results <- Outcome{Result: res, Err: err, AutoStopped: auto}:
	default:
		c.log.Warnf("Dropping result for %s: no reader", res.Path)
	}
	return res, err
}

// SelectMicrophone validates uid and makes it the system default input.
// An empty uid selects the system default and returns a zero Descriptor.
func (c *Controller) SelectMicrophone(ctx context.Context, uid string) (devices.Descriptor, error) {
	var (
		d   devices.Descriptor
		err error
	)
	doErr := c.do(ctx, func() {
		if uid == "" || c.reg == nil {
			return
		}
		var ok bool
		d, ok = c.reg.Lookup(uid)
		if !ok || !d.HasInput {
			err = fmt.Errorf("%w: %s", ErrUnknownDevice, uid)
			return
		}
		c.reg.SetDefaultInputDevice(d.ID)
		c.log.Infof("Selected microphone %q (%s)", d.Name, d.UID)
	})
	if doErr != nil {
		return devices.Descriptor{}, doErr
	}
	return d, err
}

// State returns the current recording state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Session returns a snapshot of the active recording.
func (c *Controller) Session() (Session, bool) {
	info := c.info.Load()
	if info == nil {
		return Session{}, false
	}
	return *info, true
}

// Meters returns the live level stream. Only the latest unread value is
// kept; a zero value follows every stop.
func (c *Controller) Meters() <-chan meter.Meter {
	return c.meters
}

// Results returns the channel of finished recordings.
func (c *Controller) Results() <-chan Outcome {
	return c.results
}

// Close stops any active recording and shuts the executor down.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}
