package tray

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/getlantern/systray"

	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
)

// State represents the current application state
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRecording:
		return "Recording"
	case StateProcessing:
		return "Processing"
	default:
		return "Unknown"
	}
}

const appName = "EzS2T-Mix"

// levelWidth is the number of cells in the menu level bar.
const levelWidth = 12

// Device is one entry of the input device submenu. An empty UID stands for
// the system default input.
type Device struct {
	UID       string
	Name      string
	IsCurrent bool
}

// DeviceItems builds the submenu entries for the given inputs, marking the
// selected one. A nil or unknown selection marks the system default.
func DeviceItems(inputs []devices.Descriptor, selected *string) []Device {
	items := []Device{{Name: "System Default"}}
	found := false
	for _, d := range inputs {
		cur := selected != nil && *selected == d.UID
		found = found || cur
		items = append(items, Device{UID: d.UID, Name: d.Name, IsCurrent: cur})
	}
	items[0].IsCurrent = !found
	return items
}

// LevelBar renders a meter reading as a fixed-width bar. Cells up to the
// average are solid, cells up to the peak are shaded.
func LevelBar(m meter.Meter, width int) string {
	cells := func(v float64) int {
		n := int(v*float64(width) + 0.5)
		switch {
		case n < 0:
			return 0
		case n > width:
			return width
		}
		return n
	}
	avg, peak := cells(m.AveragePower), cells(m.PeakPower)
	if peak < avg {
		peak = avg
	}
	return strings.Repeat("█", avg) + strings.Repeat("▒", peak-avg) + strings.Repeat("░", width-peak)
}

// Config holds tray manager configuration
type Config struct {
	OnReady          func() // Called when systray is ready for initialization
	OnToggleRecord   func()
	OnDeviceChange   func(uid string) // Empty uid selects the system default
	OnSystemAudio    func(enabled bool)
	OnSettings       func()
	OnQuit           func()
	SystemAudioOn    bool
	SettingsDisabled bool
}

// Manager manages the system tray icon and menu
type Manager struct {
	log slog.Logger

	mu          sync.Mutex
	ready       bool
	state       State
	level       meter.Meter
	systemAudio bool
	devices     []Device

	onReadyCallback func()
	onToggleRecord  func()
	onDeviceChange  func(uid string)
	onSystemAudio   func(bool)
	onSettings      func()
	onQuit          func()

	menuRecord        *systray.MenuItem
	menuLevel         *systray.MenuItem
	menuSystemAudio   *systray.MenuItem
	menuDevices       *systray.MenuItem
	menuSettings      *systray.MenuItem
	menuQuit          *systray.MenuItem
	deviceMenuItems   []*systray.MenuItem
	deviceCancelFuncs []context.CancelFunc

	icons map[State][]byte
}

// NewManager creates a new tray manager
func NewManager(config Config, log slog.Logger) *Manager {
	m := &Manager{
		log:             log,
		state:           StateIdle,
		systemAudio:     config.SystemAudioOn,
		onReadyCallback: config.OnReady,
		onToggleRecord:  config.OnToggleRecord,
		onDeviceChange:  config.OnDeviceChange,
		onSystemAudio:   config.OnSystemAudio,
		onQuit:          config.OnQuit,
	}
	if !config.SettingsDisabled {
		m.onSettings = config.OnSettings
	}

	m.icons = map[State][]byte{
		StateIdle:       loadIcon("idle.png", idleColor, log),
		StateRecording:  loadIcon("recording.png", recordingColor, log),
		StateProcessing: loadIcon("processing.png", processingColor, log),
	}
	return m
}

// Run starts the system tray (blocking call)
func (m *Manager) Run() {
	systray.Run(m.onReady, m.onExit)
}

func (m *Manager) onReady() {
	m.mu.Lock()
	m.menuRecord = systray.AddMenuItem("Start Recording", "Start or stop a recording")
	m.menuLevel = systray.AddMenuItem(levelTitle(meter.Meter{}), "Input level")
	m.menuLevel.Disable()
	systray.AddSeparator()
	m.menuSystemAudio = systray.AddMenuItemCheckbox("Mix System Audio", "Record what you hear together with the microphone", m.systemAudio)
	m.menuDevices = systray.AddMenuItem("Input Device", "Select input device")
	if m.onSettings != nil {
		m.menuSettings = systray.AddMenuItem("Open Settings...", "Open settings page")
	}
	systray.AddSeparator()
	m.menuQuit = systray.AddMenuItem("Quit", "Quit the application")

	m.ready = true
	m.applyStateLocked()
	m.rebuildDevicesLocked()
	m.mu.Unlock()

	go m.handleMenuEvents()

	if m.onReadyCallback != nil {
		m.onReadyCallback()
	}
}

func (m *Manager) onExit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelDeviceHandlersLocked()
	m.ready = false
}

func (m *Manager) handleMenuEvents() {
	var settings <-chan struct{}
	if m.menuSettings != nil {
		settings = m.menuSettings.ClickedCh
	}

	for {
		select {
		case <-m.menuRecord.ClickedCh:
			if m.onToggleRecord != nil {
				m.onToggleRecord()
			}
		case <-m.menuSystemAudio.ClickedCh:
			enabled := m.toggleSystemAudio()
			if m.onSystemAudio != nil {
				m.onSystemAudio(enabled)
			}
		case <-settings:
			if m.onSettings != nil {
				m.onSettings()
			}
		case <-m.menuQuit.ClickedCh:
			if m.onQuit != nil {
				m.onQuit()
			}
			systray.Quit()
			return
		}
	}
}

// SetState updates the tray icon based on the current state
func (m *Manager) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if state != StateRecording {
		m.level = meter.Meter{}
	}
	m.applyStateLocked()
}

// State returns the state last shown.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetLevel shows a meter reading in the level row.
func (m *Manager) SetLevel(v meter.Meter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = v
	if m.ready {
		m.menuLevel.SetTitle(levelTitle(v))
	}
}

// SetSystemAudio reflects the mixing setting in the checkbox.
func (m *Manager) SetSystemAudio(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemAudio = enabled
	if m.ready {
		setChecked(m.menuSystemAudio, enabled)
	}
}

func (m *Manager) toggleSystemAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemAudio = !m.systemAudio
	if m.ready {
		setChecked(m.menuSystemAudio, m.systemAudio)
	}
	return m.systemAudio
}

func (m *Manager) applyStateLocked() {
	if !m.ready {
		return
	}
	systray.SetIcon(m.icons[m.state])
	systray.SetTooltip(fmt.Sprintf("%s - %s", appName, m.state))
	m.menuLevel.SetTitle(levelTitle(m.level))

	switch m.state {
	case StateRecording:
		m.menuRecord.SetTitle("Stop Recording")
		m.menuRecord.Enable()
	case StateProcessing:
		m.menuRecord.SetTitle("Transcribing...")
		m.menuRecord.Disable()
	default:
		m.menuRecord.SetTitle("Start Recording")
		m.menuRecord.Enable()
	}
}

// UpdateDeviceMenu replaces the device submenu entries.
func (m *Manager) UpdateDeviceMenu(items []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]Device(nil), items...)
	m.rebuildDevicesLocked()
}

func (m *Manager) cancelDeviceHandlersLocked() {
	for _, cancel := range m.deviceCancelFuncs {
		cancel()
	}
	m.deviceCancelFuncs = nil
}

// systray cannot remove items, so stale entries are hidden.
func (m *Manager) rebuildDevicesLocked() {
	if !m.ready {
		return
	}
	m.cancelDeviceHandlersLocked()
	for _, item := range m.deviceMenuItems {
		item.Hide()
	}
	m.deviceMenuItems = nil

	for _, d := range m.devices {
		item := m.menuDevices.AddSubMenuItemCheckbox(d.Name, d.UID, d.IsCurrent)
		m.deviceMenuItems = append(m.deviceMenuItems, item)

		ctx, cancel := context.WithCancel(context.Background())
		m.deviceCancelFuncs = append(m.deviceCancelFuncs, cancel)

		go func(uid string, item *systray.MenuItem) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-item.ClickedCh:
					m.log.Debugf("Device menu selected %q", uid)
					if m.onDeviceChange != nil {
						m.onDeviceChange(uid)
					}
				}
			}
		}(d.UID, item)
	}
}

// Quit quits the system tray
func (m *Manager) Quit() {
	systray.Quit()
}

func levelTitle(v meter.Meter) string {
	return "Level " + LevelBar(v, levelWidth)
}

func setChecked(item *systray.MenuItem, on bool) {
	if on {
		item.Check()
	} else {
		item.Uncheck()
	}
}
