//go:build darwin && cgo

package main

import (
	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/coreaudio"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// openTaps opens CoreAudio process taps. Device UIDs from the PortAudio
// backend are resolved to CoreAudio devices by name.
func openTaps(_ hal.Devices, log slog.Logger) (tapBackend, error) {
	return coreaudio.New(log)
}
