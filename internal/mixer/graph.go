package mixer

import (
	"github.com/yok-tottii/EzS2T-Mix/internal/ringbuffer"
)

// node is a pull-based stage of the signal graph. render fills dst with
// interleaved frames in the working format.
type node interface {
	render(dst []float32)
}

// pullNode reads one source's ring buffer at the graph's pace. It stays
// silent until the buffer holds preroll frames, so that producer jitter is
// absorbed by the buffer instead of showing up as gaps.
type pullNode struct {
	rb      *ringbuffer.RingBuffer
	preroll int
	primed  bool
}

func (p *pullNode) render(dst []float32) {
	if !p.primed {
		if p.rb.Available() < p.preroll {
			clear(dst)
			return
		}
		p.primed = true
	}
	p.rb.Read(dst)
}

type gainNode struct {
	in   node
	gain float32
}

func (g *gainNode) render(dst []float32) {
	g.in.render(dst)
	if g.gain == 1 {
		return
	}
	for i := range dst {
		dst[i] *= g.gain
	}
}

// summingNode adds its inputs. Its output may exceed [-1,1]; the file
// writer clips.
type summingNode struct {
	inputs  []node
	scratch []float32
}

func (s *summingNode) render(dst []float32) {
	clear(dst)
	if cap(s.scratch) < len(dst) {
		s.scratch = make([]float32, len(dst))
	}
	scratch := s.scratch[:len(dst)]
	for _, in := range s.inputs {
		in.render(scratch)
		for i, v := range scratch {
			dst[i] += v
		}
	}
}

// converter maps native interleaved buffers to the working channel count,
// reusing its output buffer between calls.
type converter struct {
	channels int
	out      []float32
}

// convert returns frames of in (native channel count nc) in the working
// channel layout. The result is only valid until the next call.
func (c *converter) convert(in []float32, nc int) []float32 {
	if nc <= 0 {
		return nil
	}
	frames := len(in) / nc
	if nc == c.channels {
		return in[:frames*nc]
	}
	need := frames * c.channels
	if cap(c.out) < need {
		c.out = make([]float32, need)
	}
	out := c.out[:need]
	switch {
	case c.channels == 1:
		inv := 1 / float32(nc)
		for f := range frames {
			var sum float32
			for ch := range nc {
				sum += in[f*nc+ch]
			}
			out[f] = sum * inv
		}
	case nc == 1:
		for f := range frames {
			for ch := range c.channels {
				out[f*c.channels+ch] = in[f]
			}
		}
	default:
		// More native channels than working ones: keep the leading ones.
		for f := range frames {
			copy(out[f*c.channels:(f+1)*c.channels], in[f*nc:f*nc+c.channels])
		}
	}
	return out
}
