// Package devices enumerates and classifies audio hardware.
package devices

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/patrickmn/go-cache"

	"github.com/yok-tottii/EzS2T-Mix/internal/hal"
)

// CacheTTL is how long a full enumeration is trusted.
const CacheTTL = 5 * time.Minute

// Descriptor describes one hardware device.
type Descriptor struct {
	ID        hal.ObjectID `json:"id"`
	UID       string       `json:"uid"`
	Name      string       `json:"name"`
	HasInput  bool         `json:"hasInput"`
	HasOutput bool         `json:"hasOutput"`
}

// Registry lists devices, caching property queries. The whole cache is
// dropped once CacheTTL has elapsed since the last full enumeration.
type Registry struct {
	sys hal.Devices
	log slog.Logger
	now func() time.Time

	mu        sync.Mutex
	entries   *cache.Cache
	ids       []hal.ObjectID
	refreshed time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty registry over sys.
func New(sys hal.Devices, log slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sys:     sys,
		log:     log,
		now:     time.Now,
		entries: cache.New(cache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListInputDevices returns devices with at least one input channel.
func (r *Registry) ListInputDevices() []Descriptor {
	return r.filter(func(d Descriptor) bool { return d.HasInput })
}

// ListOutputDevices returns devices with at least one output channel.
func (r *Registry) ListOutputDevices() []Descriptor {
	return r.filter(func(d Descriptor) bool { return d.HasOutput })
}

// Lookup finds a device by its persistent UID.
func (r *Registry) Lookup(uid string) (Descriptor, bool) {
	for _, d := range r.filter(func(Descriptor) bool { return true }) {
		if d.UID == uid {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Invalidate drops every cached entry.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

func (r *Registry) flushLocked() {
	r.entries.Flush()
	r.ids = nil
	r.refreshed = time.Time{}
}

// SetDefaultInputDevice asks the system to make id the default input.
// Failure is logged; recording then uses whatever the default already is.
func (r *Registry) SetDefaultInputDevice(id hal.ObjectID) {
	if err := r.sys.SetDefaultInputDevice(id); err != nil {
		r.log.Warnf("Failed to set default input device %d: %v", id, err)
		return
	}
	r.log.Debugf("Default input device set to %d", id)
}

func (r *Registry) filter(keep func(Descriptor) bool) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.ids != nil && now.Sub(r.refreshed) > CacheTTL {
		r.log.Debugf("Device cache expired after %v, re-enumerating", now.Sub(r.refreshed))
		r.flushLocked()
	}
	if r.ids == nil {
		ids, err := r.sys.DeviceIDs()
		if err != nil {
			r.log.Warnf("Failed to enumerate audio devices: %v", err)
			return nil
		}
		r.ids = ids
		r.refreshed = now
	}

	out := make([]Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		if d := r.describeLocked(id); keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) describeLocked(id hal.ObjectID) Descriptor {
	key := strconv.FormatUint(uint64(id), 10)
	if v, ok := r.entries.Get(key); ok {
		return v.(Descriptor)
	}

	d := Descriptor{
		ID:        id,
		HasInput:  r.hasChannels(id, hal.ScopeInput),
		HasOutput: r.hasChannels(id, hal.ScopeOutput),
	}
	name, err := r.sys.DeviceName(id)
	if err != nil || name == "" {
		name = fmt.Sprintf("Device %d", id)
	}
	d.Name = name
	if uid, err := r.sys.DeviceUID(id); err == nil {
		d.UID = uid
	}
	r.entries.Set(key, d, cache.NoExpiration)
	return d
}

// hasChannels treats a failed query as "no channels on this scope".
func (r *Registry) hasChannels(id hal.ObjectID, scope hal.Scope) bool {
	n, err := r.sys.ChannelCount(id, scope)
	if err != nil {
		r.log.Debugf("Channel query for device %d (%v) failed: %v", id, scope, err)
		return false
	}
	return n > 0
}
