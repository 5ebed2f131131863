//go:build windows

package main

import (
	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/loopback"
)

// openTaps opens miniaudio's WASAPI loopback capture.
func openTaps(devices hal.Devices, log slog.Logger) (tapBackend, error) {
	return loopback.New(devices, log)
}
