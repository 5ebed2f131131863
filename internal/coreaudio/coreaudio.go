// Package coreaudio implements the system audio tap primitive on macOS
// process taps (macOS 14.2 and later). A tap is built from a
// CATapDescription and is read through a private aggregate device that
// wraps it together with the output device.
//
// The hardware calls live in the darwin cgo files; this file holds the
// platform independent pieces.
package coreaudio

import (
	"fmt"
	"strings"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// OSStatus codes the hal error values map to.
const (
	statusBadObject   int32 = 0x216f626a // '!obj'
	statusUnsupported int32 = 0x756e6f70 // 'unop'
)

// StatusError is a failed CoreAudio call.
type StatusError struct {
	Op   string
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: OSStatus %s", e.Op, fourCC(e.Code))
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case hal.ErrNotFound:
		return e.Code == statusBadObject
	case hal.ErrUnsupported:
		return e.Code == statusUnsupported
	}
	return false
}

func statusErr(op string, code int32) error {
	if code == 0 {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}

// fourCC renders an OSStatus the way Apple documents it: as four quoted
// characters when printable, as a number otherwise.
func fourCC(code int32) string {
	u := uint32(code)
	b := []byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%d", code)
		}
	}
	return "'" + string(b) + "'"
}

type device struct {
	uid  string
	name string
}

// resolveUID maps a device UID from another backend onto a CoreAudio
// device UID. An exact UID wins; otherwise uid is matched against device
// names by suffix, preferring the longest name. PortAudio reports devices
// as "<host api>:<name>", which this resolves.
func resolveUID(devs []device, uid string) (string, bool) {
	best, bestLen := "", 0
	for _, d := range devs {
		if d.uid == uid {
			return d.uid, true
		}
		if d.name != "" && strings.HasSuffix(uid, d.name) && len(d.name) > bestLen {
			best, bestLen = d.uid, len(d.name)
		}
	}
	return best, bestLen > 0
}

// tapBuffers picks the buffers of an aggregate device's input list that
// carry tap audio. Taps follow the sub-device streams, so the search runs
// from the end: the last buffer with want channels, or failing that the
// last want mono buffers. want 0 accepts the last buffer whatever its
// width. count 0 means nothing usable arrived.
func tapBuffers(channels []int, want int) (first, count int) {
	n := len(channels)
	if n == 0 {
		return 0, 0
	}
	if want <= 0 {
		return n - 1, 1
	}
	for i := n - 1; i >= 0; i-- {
		if channels[i] == want {
			return i, 1
		}
	}
	if want > n {
		return 0, 0
	}
	for _, c := range channels[n-want:] {
		if c != 1 {
			return 0, 0
		}
	}
	return n - want, want
}

// interleave writes planar mono buffers into dst as interleaved frames,
// reusing dst's storage when large enough. The shortest plane bounds the
// frame count.
func interleave(dst []float32, planes [][]float32) []float32 {
	if len(planes) == 0 {
		return dst[:0]
	}
	frames := len(planes[0])
	for _, p := range planes[1:] {
		frames = min(frames, len(p))
	}
	ch := len(planes)
	n := frames * ch
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for c, p := range planes {
		for f := 0; f < frames; f++ {
			dst[f*ch+c] = p[f]
		}
	}
	return dst
}
