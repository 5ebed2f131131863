//go:build !windows && !(darwin && cgo)

package main

import (
	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

func openTaps(hal.Devices, slog.Logger) (tapBackend, error) {
	return nil, hal.ErrUnsupported
}
