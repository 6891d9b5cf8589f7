package spectrum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisemon/internal/config"
)

func TestQuantizeEndpoints(t *testing.T) {
	c := DefaultCodec()
	q := c.Quantize([]float64{-90, 10, -200, 50, math.NaN()})
	assert.Equal(t, []byte{0, 255, 0, 255, 0}, q)
}

func TestEncodeDecodeWithinOneStep(t *testing.T) {
	c := DefaultCodec()
	in := make([]float64, 513)
	for i := range in {
		in[i] = -85 + 90*float64(i)/float64(len(in))
	}
	blob := c.Encode(in)
	require.NotEmpty(t, blob)

	out, err := c.Decode(blob)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], c.Step()+1e-9)
		assert.LessOrEqual(t, out[i], in[i]+1e-9)
	}
}

func TestEmptySpectrum(t *testing.T) {
	c := DefaultCodec()
	assert.Nil(t, c.Encode(nil))
	out, err := c.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DefaultCodec().Decode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	assert.Error(t, err)
}

func TestNewCodecValidatesRange(t *testing.T) {
	_, err := NewCodec(config.SpectrumConfig{DBMin: 0, DBMax: 0})
	assert.ErrorIs(t, err, ErrRange)

	c, err := NewCodec(config.SpectrumConfig{DBMin: -100, DBMax: 0})
	require.NoError(t, err)
	assert.Equal(t, -100.0, c.Min)
}
