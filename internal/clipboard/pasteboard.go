package clipboard

import (
	"runtime"

	"github.com/go-vgo/robotgo"
)

type systemPasteboard struct{}

// System returns the operating system pasteboard.
func System() Pasteboard { return systemPasteboard{} }

func (systemPasteboard) ChangeCount() int        { return changeCount() }
func (systemPasteboard) Read() (string, error)   { return robotgo.ReadAll() }
func (systemPasteboard) Write(text string) error { return robotgo.WriteAll(text) }

func (systemPasteboard) Paste() error {
	if runtime.GOOS == "darwin" {
		return robotgo.KeyTap("v", "cmd")
	}
	return robotgo.KeyTap("v", "ctrl")
}
