package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var (
	idleColor       = color.RGBA{0xe3, 0xe3, 0xe3, 0xff}
	recordingColor  = color.RGBA{0xf1, 0x9e, 0x39, 0xff}
	processingColor = color.RGBA{0x75, 0xfb, 0x4c, 0xff}
)

// loadIcon reads assets/icon/<name> next to the executable and falls back
// to a generated dot in the state color.
func loadIcon(name string, fallback color.RGBA, log slog.Logger) []byte {
	exe, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exe), "assets", "icon", name)
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
		log.Debugf("Using generated %s icon: %v", name, err)
	}
	return dotIcon(16, fallback)
}

// dotIcon draws a filled circle on a transparent square as PNG.
func dotIcon(size int, c color.RGBA) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	r := float64(size)/2 - 1
	center := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			if dx*dx+dy*dy <= r*r {
				img.Set(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
