package hotkey

import (
	"fmt"
	"strings"
	"sync"

	"github.com/decred/slog"
	"golang.design/x/hotkey"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
)

// RecordingMode defines how the hotkey triggers recording
type RecordingMode int

const (
	// PressToHold mode: record while key is held down
	PressToHold RecordingMode = iota
	// Toggle mode: first press starts, second press stops
	Toggle
)

func (m RecordingMode) String() string {
	if m == Toggle {
		return config.ModeToggle
	}
	return config.ModePressToHold
}

// ParseMode maps the configured recording mode name. Unknown names select
// press-to-hold.
func ParseMode(name string) RecordingMode {
	if name == config.ModeToggle {
		return Toggle
	}
	return PressToHold
}

// EventType represents the type of hotkey event
type EventType int

const (
	// Pressed asks the recorder to start
	Pressed EventType = iota
	// Released asks the recorder to stop
	Released
)

func (t EventType) String() string {
	if t == Released {
		return "released"
	}
	return "pressed"
}

// Event represents a hotkey event
type Event struct {
	Type EventType
}

// Config holds hotkey configuration
type Config struct {
	Modifiers []hotkey.Modifier
	Key       hotkey.Key
	Mode      RecordingMode
	// Label is the human readable binding, e.g. "⌃⌥Space".
	Label string
}

// FromConfig converts the persisted hotkey settings into a registrable
// binding.
func FromConfig(hc config.HotkeyConfig, mode string) (Config, error) {
	key, err := ParseKey(hc.Key)
	if err != nil {
		return Config{}, err
	}

	var mods []hotkey.Modifier
	if hc.Ctrl {
		mods = append(mods, modCtrl)
	}
	if hc.Shift {
		mods = append(mods, modShift)
	}
	if hc.Alt {
		mods = append(mods, modAlt)
	}
	if hc.Cmd {
		mods = append(mods, modCmd)
	}

	return Config{
		Modifiers: mods,
		Key:       key,
		Mode:      ParseMode(mode),
		Label:     FormatHotkey(hc),
	}, nil
}

// ParseKey resolves a key name such as "Space", "R" or "7". An empty name
// selects Space.
func ParseKey(name string) (hotkey.Key, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return hotkey.KeySpace, nil
	}
	for _, k := range keyNames {
		if strings.EqualFold(k.name, name) {
			return k.key, nil
		}
	}
	return 0, fmt.Errorf("unsupported hotkey key %q", name)
}

// FormatHotkey returns a human-readable string representation of the hotkey
func FormatHotkey(hc config.HotkeyConfig) string {
	var b strings.Builder
	if hc.Ctrl {
		b.WriteString("⌃")
	}
	if hc.Shift {
		b.WriteString("⇧")
	}
	if hc.Alt {
		b.WriteString("⌥")
	}
	if hc.Cmd {
		b.WriteString("⌘")
	}

	key := hc.Key
	if key == "" {
		key = "Space"
	}
	for _, k := range keyNames {
		if strings.EqualFold(k.name, key) {
			key = k.name
			break
		}
	}
	if key == "Escape" {
		key = "Esc"
	}
	b.WriteString(key)
	return b.String()
}

// Key codes are not contiguous on every platform, so names are listed
// explicitly.
var keyNames = []struct {
	name string
	key  hotkey.Key
}{
	{"Space", hotkey.KeySpace},
	{"Return", hotkey.KeyReturn},
	{"Escape", hotkey.KeyEscape},
	{"Tab", hotkey.KeyTab},
	{"Delete", hotkey.KeyDelete},
	{"A", hotkey.KeyA}, {"B", hotkey.KeyB}, {"C", hotkey.KeyC}, {"D", hotkey.KeyD},
	{"E", hotkey.KeyE}, {"F", hotkey.KeyF}, {"G", hotkey.KeyG}, {"H", hotkey.KeyH},
	{"I", hotkey.KeyI}, {"J", hotkey.KeyJ}, {"K", hotkey.KeyK}, {"L", hotkey.KeyL},
	{"M", hotkey.KeyM}, {"N", hotkey.KeyN}, {"O", hotkey.KeyO}, {"P", hotkey.KeyP},
	{"Q", hotkey.KeyQ}, {"R", hotkey.KeyR}, {"S", hotkey.KeyS}, {"T", hotkey.KeyT},
	{"U", hotkey.KeyU}, {"V", hotkey.KeyV}, {"W", hotkey.KeyW}, {"X", hotkey.KeyX},
	{"Y", hotkey.KeyY}, {"Z", hotkey.KeyZ},
	{"0", hotkey.Key0}, {"1", hotkey.Key1}, {"2", hotkey.Key2}, {"3", hotkey.Key3},
	{"4", hotkey.Key4}, {"5", hotkey.Key5}, {"6", hotkey.Key6}, {"7", hotkey.Key7},
	{"8", hotkey.Key8}, {"9", hotkey.Key9},
}

// Manager manages global hotkey registration and events
type Manager struct {
	log       slog.Logger
	hk        *hotkey.Hotkey
	config    Config
	eventChan chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// New creates a new hotkey manager with the default Ctrl+Option+Space
// press-to-hold binding.
func New(log slog.Logger) *Manager {
	def, _ := FromConfig(config.DefaultConfig().Hotkey, config.ModePressToHold)
	return &Manager{
		log:       log,
		config:    def,
		eventChan: make(chan Event, 10),
	}
}

// Rebind swaps the active binding without closing the event channel.
func (m *Manager) Rebind(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		if err := m.unregisterLocked(); err != nil {
			m.log.Warnf("Rebinding %s: %v", m.config.Label, err)
		}
	}
	if m.eventChan == nil {
		m.eventChan = make(chan Event, 10)
	}
	return m.registerLocked(cfg)
}

func (m *Manager) registerLocked(cfg Config) error {
	hk := hotkey.New(cfg.Modifiers, cfg.Key)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("failed to register hotkey %s: %w", cfg.Label, err)
	}

	m.config = cfg
	m.hk = hk
	m.stopChan = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		listen(hk.Keydown(), hk.Keyup(), cfg.Mode, m.eventChan, m.stopChan)
	}()

	m.log.Infof("Registered hotkey %s (%s)", cfg.Label, cfg.Mode)
	return nil
}

// unregisterLocked stops the listener and releases the OS binding. The
// manager is marked stopped even when the release fails so that a later
// Register can succeed.
func (m *Manager) unregisterLocked() error {
	close(m.stopChan)
	m.wg.Wait()

	var err error
	if m.hk != nil {
		if uerr := m.hk.Unregister(); uerr != nil {
			err = fmt.Errorf("failed to unregister hotkey: %w", uerr)
		}
		m.hk = nil
	}
	m.running = false
	return err
}

// listen turns key transitions into recorder events. In toggle mode every
// keydown alternates between Pressed and Released and keyups are ignored.
func listen(keydown, keyup <-chan hotkey.Event, mode RecordingMode, events chan<- Event, stop <-chan struct{}) {
	emit := func(t EventType) bool {
		select {
		case events <- Event{Type: t}:
			return true
		case <-stop:
			return false
		}
	}

	toggled := false
	for {
		select {
		case <-keydown:
			t := Pressed
			if mode == Toggle {
				if toggled {
					t = Released
				}
				toggled = !toggled
			}
			if !emit(t) {
				return
			}

		case <-keyup:
			if mode == PressToHold && !emit(Released) {
				return
			}

		case <-stop:
			return
		}
	}
}

// Events returns the event channel for receiving hotkey events
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventChan
}

// Close unregisters the hotkey, stops listening and closes the event
// channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	err := m.unregisterLocked()
	close(m.eventChan)
	m.eventChan = nil
	return err
}

// IsRunning returns whether the hotkey is currently registered and running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetConfig returns a copy of the current hotkey configuration
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.config
	if m.config.Modifiers != nil {
		c.Modifiers = make([]hotkey.Modifier, len(m.config.Modifiers))
		copy(c.Modifiers, m.config.Modifiers)
	}
	return c
}
