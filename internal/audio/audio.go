// Package audio implements device queries and microphone input streams on
// PortAudio.
package audio

import "github.com/yok-tottii/EzS2T-Mix/internal/hal"

// LatencyMode represents the latency mode for audio recording
type LatencyMode int

const (
	// LowLatency mode for minimal delay
	LowLatency LatencyMode = iota
	// HighStability mode for stable recording
	HighStability
)

// Config holds audio driver configuration
type Config struct {
	Latency LatencyMode
	// FramesPerBuffer is the callback buffer size; 0 lets PortAudio choose.
	FramesPerBuffer int
	// MaxInputChannels caps the channel count requested from an input.
	MaxInputChannels int
}

// DefaultConfig returns the default audio configuration
func DefaultConfig() Config {
	return Config{
		Latency:          HighStability,
		FramesPerBuffer:  512,
		MaxInputChannels: 2,
	}
}

// ObjectID maps a PortAudio device index to a hal object id.
func ObjectID(index int) hal.ObjectID {
	return hal.ObjectID(index + 1)
}

// Index maps a hal object id back to a PortAudio device index.
func Index(id hal.ObjectID) int {
	return int(id) - 1
}

// DeviceUID builds a stable identifier from the host API and device name,
// since PortAudio exposes no persistent device UID.
func DeviceUID(hostAPI, name string) string {
	if hostAPI == "" {
		return name
	}
	return hostAPI + ":" + name
}

func inputChannels(max, limit int) int {
	if limit > 0 && max > limit {
		return limit
	}
	return max
}

var (
	_ hal.Devices = (*PortAudioDriver)(nil)
	_ hal.Inputs  = (*PortAudioDriver)(nil)
)
