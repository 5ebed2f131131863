package hotkey

import (
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.design/x/hotkey"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
)

func TestNew(t *testing.T) {
	m := New(slog.Disabled)
	require.NotNil(t, m)

	cfg := m.GetConfig()
	assert.Equal(t, []hotkey.Modifier{modCtrl, modAlt}, cfg.Modifiers)
	assert.Equal(t, hotkey.KeySpace, cfg.Key)
	assert.Equal(t, PressToHold, cfg.Mode)
	assert.Equal(t, "⌃⌥Space", cfg.Label)
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.HotkeyConfig{Shift: true, Cmd: true, Key: "r"}, config.ModeToggle)
	require.NoError(t, err)
	assert.Equal(t, []hotkey.Modifier{modShift, modCmd}, cfg.Modifiers)
	assert.Equal(t, hotkey.KeyR, cfg.Key)
	assert.Equal(t, Toggle, cfg.Mode)
	assert.Equal(t, "⇧⌘R", cfg.Label)

	_, err = FromConfig(config.HotkeyConfig{Ctrl: true, Key: "F13"}, config.ModePressToHold)
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name string
		key  hotkey.Key
	}{
		{"", hotkey.KeySpace},
		{"Space", hotkey.KeySpace},
		{"space", hotkey.KeySpace},
		{"Return", hotkey.KeyReturn},
		{"Escape", hotkey.KeyEscape},
		{"Tab", hotkey.KeyTab},
		{"A", hotkey.KeyA},
		{"z", hotkey.KeyZ},
		{"0", hotkey.Key0},
		{"9", hotkey.Key9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
		})
	}

	_, err := ParseKey("Hyper")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Toggle, ParseMode(config.ModeToggle))
	assert.Equal(t, PressToHold, ParseMode(config.ModePressToHold))
	assert.Equal(t, PressToHold, ParseMode("bogus"))
	assert.Equal(t, config.ModeToggle, Toggle.String())
}

func TestFormatHotkey(t *testing.T) {
	tests := []struct {
		hc       config.HotkeyConfig
		expected string
	}{
		{config.HotkeyConfig{Ctrl: true, Alt: true, Key: "Space"}, "⌃⌥Space"},
		{config.HotkeyConfig{Cmd: true, Shift: true, Key: "a"}, "⇧⌘A"},
		{config.HotkeyConfig{Ctrl: true, Shift: true, Alt: true, Cmd: true, Key: "Escape"}, "⌃⇧⌥⌘Esc"},
		{config.HotkeyConfig{Key: ""}, "Space"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatHotkey(tt.hc))
		})
	}
}

func TestCheckConflicts(t *testing.T) {
	tests := []struct {
		name     string
		hc       config.HotkeyConfig
		conflict string
	}{
		{"spotlight", config.HotkeyConfig{Cmd: true, Key: "Space"}, "Spotlight"},
		{"force quit", config.HotkeyConfig{Cmd: true, Alt: true, Key: "escape"}, "Force Quit"},
		{"default binding", config.DefaultConfig().Hotkey, ""},
		{"letter", config.HotkeyConfig{Ctrl: true, Key: "R"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := CheckConflicts(tt.hc)
			if tt.conflict == "" {
				assert.Empty(t, conflicts)
				return
			}
			require.NotEmpty(t, conflicts)
			assert.Equal(t, tt.conflict, conflicts[0].Name)
		})
	}
}

func runListener(t *testing.T, mode RecordingMode) (down, up chan hotkey.Event, events chan Event) {
	t.Helper()
	down = make(chan hotkey.Event)
	up = make(chan hotkey.Event)
	events = make(chan Event, 10)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		listen(down, up, mode, events, stop)
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return down, up, events
}

func next(t *testing.T, events <-chan Event) EventType {
	t.Helper()
	select {
	case ev := <-events:
		return ev.Type
	case <-time.After(time.Second):
		t.Fatal("no hotkey event")
		return 0
	}
}

func TestListenPressToHold(t *testing.T) {
	down, up, events := runListener(t, PressToHold)

	down <- hotkey.Event{}
	assert.Equal(t, Pressed, next(t, events))
	up <- hotkey.Event{}
	assert.Equal(t, Released, next(t, events))
}

func TestListenToggle(t *testing.T) {
	down, up, events := runListener(t, Toggle)

	down <- hotkey.Event{}
	up <- hotkey.Event{}
	assert.Equal(t, Pressed, next(t, events))
	down <- hotkey.Event{}
	up <- hotkey.Event{}
	assert.Equal(t, Released, next(t, events))
	down <- hotkey.Event{}
	assert.Equal(t, Pressed, next(t, events))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestListenStopsWhileBlocked(t *testing.T) {
	down := make(chan hotkey.Event, 1)
	events := make(chan Event)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		listen(down, nil, PressToHold, events, stop)
	}()

	// Nobody reads events, so the listener blocks on delivery.
	down <- hotkey.Event{}
	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := New(slog.Disabled)
	assert.False(t, m.IsRunning())

	// Close is safe on a manager that never registered.
	assert.NoError(t, m.Close())
	assert.NotNil(t, m.Events())

	// Registering a real binding needs a desktop session and is covered
	// manually.
}

func TestGetConfigCopiesModifiers(t *testing.T) {
	m := New(slog.Disabled)

	cfg := m.GetConfig()
	cfg.Modifiers[0] = modCmd
	assert.Equal(t, modCtrl, m.GetConfig().Modifiers[0])
}
