package coreaudio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

func TestResolveUID(t *testing.T) {
	devs := []device{
		{uid: "BuiltInSpeakerDevice", name: "MacBook Pro Speakers"},
		{uid: "AppleUSBAudioEngine:1", name: "Speakers"},
		{uid: "BlackHole2ch_UID", name: "BlackHole 2ch"},
	}

	tests := []struct {
		name string
		uid  string
		want string
		ok   bool
	}{
		{"exact uid", "BlackHole2ch_UID", "BlackHole2ch_UID", true},
		{"longest name wins", "Core Audio:MacBook Pro Speakers", "BuiltInSpeakerDevice", true},
		{"short name", "Core Audio:Speakers", "AppleUSBAudioEngine:1", true},
		{"bare name", "BlackHole 2ch", "BlackHole2ch_UID", true},
		{"unknown", "Core Audio:AirPods", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolveUID(devs, tt.uid)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTapBuffers(t *testing.T) {
	tests := []struct {
		name     string
		channels []int
		want     int
		first    int
		count    int
	}{
		{"tap only", []int{2}, 2, 0, 1},
		{"after sub-device input", []int{1, 2}, 2, 1, 1},
		{"planar tap", []int{2, 1, 1}, 2, 1, 2},
		{"unknown width", []int{1, 4}, 0, 1, 1},
		{"no match", []int{4, 3}, 2, 0, 0},
		{"too few planes", []int{1}, 2, 0, 0},
		{"empty", nil, 2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, count := tapBuffers(tt.channels, tt.want)
			assert.Equal(t, tt.count, count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, first)
			}
		})
	}
}

func TestInterleave(t *testing.T) {
	left := []float32{1, 2, 3}
	right := []float32{-1, -2, -3, -4}

	got := interleave(nil, [][]float32{left, right})
	assert.Equal(t, []float32{1, -1, 2, -2, 3, -3}, got)

	// Storage is reused when it is large enough.
	again := interleave(got, [][]float32{left[:1], right[:1]})
	assert.Equal(t, []float32{1, -1}, again)
	assert.Equal(t, &got[0], &again[0])

	assert.Empty(t, interleave(got, nil))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, statusErr("start", 0))

	err := statusErr("destroy tap", statusBadObject)
	assert.EqualError(t, err, "destroy tap: OSStatus '!obj'")
	assert.True(t, errors.Is(err, hal.ErrNotFound))
	assert.False(t, errors.Is(err, hal.ErrUnsupported))

	err = statusErr("create tap", statusUnsupported)
	assert.True(t, errors.Is(err, hal.ErrUnsupported))

	assert.EqualError(t, statusErr("start", -50), "start: OSStatus -50")
}
