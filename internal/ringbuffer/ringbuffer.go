// Package ringbuffer implements a fixed-capacity single-producer,
// single-consumer circular buffer of interleaved float32 frames.
//
// One goroutine (typically a real-time audio callback) calls Write and one
// other goroutine calls Read. Neither call blocks or allocates. A producer
// that runs more than Capacity frames ahead of the consumer silently
// overwrites the oldest unread frames; a consumer that asks for more than is
// available gets the shortfall zero-filled.
//
// Samples are stored as atomic words. Before overwriting anything the
// producer publishes how far it is about to write, and a Read that overlaps
// an overwrite discards the affected frames instead of returning a mix of
// old and new audio.
package ringbuffer

import (
	"fmt"
	"math"
	"sync/atomic"
)

// RingBuffer bridges one producer and one consumer.
type RingBuffer struct {
	buf      []atomic.Uint32 // float32 bits
	capacity uint64          // frames
	channels int

	claimPos atomic.Uint64 // frames the producer is writing up to
	writePos atomic.Uint64 // frames ever written
	readPos  atomic.Uint64 // frames ever consumed, including dropped ones

	overruns  atomic.Uint64
	underruns atomic.Uint64
}

// New returns a buffer holding capacity frames of channels samples each.
func New(capacity, channels int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid ring buffer capacity %d", capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid ring buffer channel count %d", channels)
	}
	return &RingBuffer{
		buf:      make([]atomic.Uint32, capacity*channels),
		capacity: uint64(capacity),
		channels: channels,
	}, nil
}

// Capacity returns the capacity in frames.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// Channels returns the number of interleaved channels per frame.
func (r *RingBuffer) Channels() int { return r.channels }

// WritePosition returns the number of frames ever written.
func (r *RingBuffer) WritePosition() uint64 { return r.writePos.Load() }

// ReadPosition returns the number of frames ever consumed or dropped.
func (r *RingBuffer) ReadPosition() uint64 { return r.readPos.Load() }

// Overruns returns how many frames were overwritten before being read.
func (r *RingBuffer) Overruns() uint64 { return r.overruns.Load() }

// Underruns returns how many frames Read had to zero-fill.
func (r *RingBuffer) Underruns() uint64 { return r.underruns.Load() }

// Available returns the number of unread frames, capped at Capacity.
func (r *RingBuffer) Available() int {
	w := r.writePos.Load()
	rd := r.readPos.Load()
	if w-rd > r.capacity {
		return int(r.capacity)
	}
	return int(w - rd)
}

// Write appends the interleaved frames in samples. A trailing partial frame
// is ignored. Only the producer goroutine may call Write.
func (r *RingBuffer) Write(samples []float32) {
	frames := uint64(len(samples) / r.channels)
	if frames == 0 {
		return
	}
	pos := r.writePos.Load()

	src := samples[:frames*uint64(r.channels)]
	start := pos
	if frames > r.capacity {
		// Only the newest capacity frames can survive.
		skip := frames - r.capacity
		src = src[skip*uint64(r.channels):]
		start = pos + skip
	}
	end := pos + frames
	r.claimPos.Store(end)
	r.copyIn(start, src)

	rd := r.readPos.Load()
	if lost := excess(end-rd, r.capacity) - excess(pos-rd, r.capacity); lost > 0 {
		r.overruns.Add(lost)
	}
	r.writePos.Store(end)
}

func excess(unread, capacity uint64) uint64 {
	if unread > capacity {
		return unread - capacity
	}
	return 0
}

func (r *RingBuffer) copyIn(start uint64, src []float32) {
	size := uint64(len(r.buf))
	idx := (start % r.capacity) * uint64(r.channels)
	for _, v := range src {
		r.buf[idx].Store(math.Float32bits(v))
		if idx++; idx == size {
			idx = 0
		}
	}
}

func (r *RingBuffer) copyOut(start uint64, dst []float32) {
	size := uint64(len(r.buf))
	idx := (start % r.capacity) * uint64(r.channels)
	for i := range dst {
		dst[i] = math.Float32frombits(r.buf[idx].Load())
		if idx++; idx == size {
			idx = 0
		}
	}
}

// Read fills dst with interleaved frames and returns the number of frames
// actually read. Frames beyond what is available are zeroed. Frames the
// producer overwrote while they were being copied are dropped, so a read
// never mixes old and new audio. Only the consumer goroutine may call Read.
func (r *RingBuffer) Read(dst []float32) int {
	want := uint64(len(dst) / r.channels)
	w := r.writePos.Load()
	rd := r.readPos.Load()
	if w-rd > r.capacity {
		rd = w - r.capacity
	}
	n := min(want, w-rd)

	ch := uint64(r.channels)
	if n > 0 {
		r.copyOut(rd, dst[:n*ch])
		// Frame f shares its slot with frame f+capacity, so anything below
		// claim-capacity may have been overwritten during the copy.
		if claim := r.claimPos.Load(); claim > r.capacity && claim-r.capacity > rd {
			torn := min(claim-r.capacity-rd, n)
			copy(dst, dst[torn*ch:n*ch])
			rd += torn
			n -= torn
		}
	}
	clear(dst[n*ch : want*ch])
	if n < want {
		r.underruns.Add(want - n)
	}
	r.readPos.Store(rd + n)
	return int(n)
}

// Reset discards all unread frames. It must not race with Read.
func (r *RingBuffer) Reset() {
	r.readPos.Store(r.writePos.Load())
}
