package mixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/ringbuffer"
)

type constNode float32

func (c constNode) render(dst []float32) {
	for i := range dst {
		dst[i] = float32(c)
	}
}

func TestSummingWithGain(t *testing.T) {
	sum := &summingNode{inputs: []node{
		&gainNode{in: constNode(0.5), gain: 0.5},
		&gainNode{in: constNode(0.2), gain: 1},
	}}
	dst := []float32{9, 9, 9}
	sum.render(dst)
	assert.InDeltaSlice(t, []float32{0.45, 0.45, 0.45}, dst, 1e-6)
}

func TestPullNodeWaitsForPreroll(t *testing.T) {
	rb, err := ringbuffer.New(64, 1)
	require.NoError(t, err)
	p := &pullNode{rb: rb, preroll: 8}

	rb.Write([]float32{1, 2, 3, 4})
	dst := make([]float32, 4)
	p.render(dst)
	assert.Equal(t, []float32{0, 0, 0, 0}, dst)
	assert.Equal(t, 4, rb.Available(), "nothing consumed before preroll")

	rb.Write([]float32{5, 6, 7, 8})
	p.render(dst)
	assert.Equal(t, []float32{1, 2, 3, 4}, dst)

	// Once primed, underruns are zero-filled rather than re-primed.
	dst = make([]float32, 6)
	p.render(dst)
	assert.Equal(t, []float32{5, 6, 7, 8, 0, 0}, dst)
}

func TestConverter(t *testing.T) {
	mono := &converter{channels: 1}
	assert.Equal(t, []float32{0.5, -0.25}, mono.convert([]float32{1, 0, -0.5, 0}, 2))
	assert.Equal(t, []float32{0.3, 0.6}, mono.convert([]float32{0.3, 0.6}, 1))

	stereo := &converter{channels: 2}
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2}, stereo.convert([]float32{0.1, 0.2}, 1))
	assert.Equal(t, []float32{1, 2, 5, 6}, stereo.convert([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4))

	// Trailing partial frames are dropped.
	assert.Equal(t, []float32{0.5}, mono.convert([]float32{0.25, 0.75, 1}, 2))
	assert.Nil(t, mono.convert([]float32{1}, 0))
}
