package hotkey

import (
	"strings"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
)

// ConflictInfo describes a well-known shortcut that a binding would shadow.
type ConflictInfo struct {
	Name        string
	Description string
	Binding     config.HotkeyConfig
}

var knownConflicts = []ConflictInfo{
	{Name: "Spotlight", Description: "macOS Spotlight search", Binding: config.HotkeyConfig{Cmd: true, Key: "Space"}},
	{Name: "Alfred", Description: "Alfred launcher (common default)", Binding: config.HotkeyConfig{Alt: true, Key: "Space"}},
	{Name: "Raycast", Description: "Raycast launcher (common default)", Binding: config.HotkeyConfig{Alt: true, Key: "Space"}},
	{Name: "Input Sources", Description: "Select the previous input source", Binding: config.HotkeyConfig{Ctrl: true, Key: "Space"}},
	{Name: "Character Viewer", Description: "Emoji & Symbols", Binding: config.HotkeyConfig{Ctrl: true, Cmd: true, Key: "Space"}},
	{Name: "Force Quit", Description: "macOS Force Quit", Binding: config.HotkeyConfig{Cmd: true, Alt: true, Key: "Escape"}},
}

// CheckConflicts lists the known system shortcuts that use the same
// binding.
func CheckConflicts(hc config.HotkeyConfig) []ConflictInfo {
	var conflicts []ConflictInfo
	for _, known := range knownConflicts {
		if sameBinding(hc, known.Binding) {
			conflicts = append(conflicts, known)
		}
	}
	return conflicts
}

func sameBinding(a, b config.HotkeyConfig) bool {
	key := func(s string) string {
		if s == "" {
			return "space"
		}
		return strings.ToLower(s)
	}
	return a.Ctrl == b.Ctrl && a.Shift == b.Shift && a.Alt == b.Alt && a.Cmd == b.Cmd &&
		key(a.Key) == key(b.Key)
}
