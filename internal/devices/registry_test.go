package devices

import (
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal/haltest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRegistry(t *testing.T) (*Registry, *haltest.System, *fakeClock) {
	t.Helper()
	sys := haltest.New()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(sys, slog.Disabled, WithClock(clock.Now)), sys, clock
}

func names(ds []Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

func TestClassification(t *testing.T) {
	r, _, _ := newRegistry(t)

	assert.Equal(t, []string{"MacBook Pro Microphone", "USB Headset"}, names(r.ListInputDevices()))
	assert.Equal(t, []string{"MacBook Pro Speakers", "USB Headset"}, names(r.ListOutputDevices()))

	headset, ok := r.Lookup("USBHeadset-0001")
	require.True(t, ok)
	assert.Equal(t, Descriptor{ID: 3, UID: "USBHeadset-0001", Name: "USB Headset", HasInput: true, HasOutput: true}, headset)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestCacheWithinTTL(t *testing.T) {
	r, sys, clock := newRegistry(t)

	first := r.ListInputDevices()
	enumerations, reads := sys.Enumerations(), sys.PropertyReads()

	clock.Advance(4 * time.Minute)
	sys.SetDevices(haltest.DefaultDevices()[:1])
	second := r.ListInputDevices()
	_ = r.ListOutputDevices()

	assert.Equal(t, first, second)
	assert.Equal(t, enumerations, sys.Enumerations())
	assert.Equal(t, reads, sys.PropertyReads())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	r, sys, clock := newRegistry(t)

	require.Len(t, r.ListInputDevices(), 2)
	enumerations := sys.Enumerations()

	sys.SetDevices(haltest.DefaultDevices()[:1])
	clock.Advance(CacheTTL + time.Second)

	assert.Equal(t, []string{"MacBook Pro Microphone"}, names(r.ListInputDevices()))
	assert.Equal(t, enumerations+1, sys.Enumerations())
}

func TestInvalidateForcesRefresh(t *testing.T) {
	r, sys, _ := newRegistry(t)
	_ = r.ListInputDevices()
	r.Invalidate()
	_ = r.ListInputDevices()
	assert.Equal(t, 2, sys.Enumerations())
}

func TestPropertyFailureMeansNoCapability(t *testing.T) {
	r, sys, _ := newRegistry(t)
	sys.FailProperty[3] = haltest.ErrInjected

	in := r.ListInputDevices()
	assert.Equal(t, []string{"MacBook Pro Microphone"}, names(in))
	assert.Equal(t, []string{"MacBook Pro Speakers"}, names(r.ListOutputDevices()))
}

func TestNameFallback(t *testing.T) {
	r, sys, _ := newRegistry(t)
	sys.SetDevices([]haltest.Device{{ID: 9, InputChannels: 2}})
	in := r.ListInputDevices()
	require.Len(t, in, 1)
	assert.Equal(t, "Device 9", in[0].Name)
}

func TestEnumerationFailureIsNotCached(t *testing.T) {
	r, sys, _ := newRegistry(t)
	sys.FailEnumerate = haltest.ErrInjected
	assert.Empty(t, r.ListInputDevices())

	sys.FailEnumerate = nil
	assert.Len(t, r.ListInputDevices(), 2)
}

func TestSetDefaultInputDeviceIsBestEffort(t *testing.T) {
	r, sys, _ := newRegistry(t)

	r.SetDefaultInputDevice(3)
	assert.Equal(t, hal.ObjectID(3), sys.DefaultInput())

	sys.FailSetDefault = haltest.ErrInjected
	assert.NotPanics(t, func() { r.SetDefaultInputDevice(1) })
	assert.Equal(t, hal.ObjectID(3), sys.DefaultInput())
}
