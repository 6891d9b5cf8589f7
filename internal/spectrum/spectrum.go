package spectrum

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"noisemon/internal/config"
)

var ErrRange = errors.New("spectrum range must have db_max above db_min")

// Codec maps dB spectra onto one byte per bin, 0 at Min and 255 at Max, and
// compresses the result with snappy.
type Codec struct {
	Min float64
	Max float64
}

func NewCodec(cfg config.SpectrumConfig) (Codec, error) {
	c := Codec{Min: cfg.DBMin, Max: cfg.DBMax}
	if !(c.Max > c.Min) {
		return Codec{}, ErrRange
	}
	return c, nil
}

func DefaultCodec() Codec {
	return Codec{Min: -90, Max: 10}
}

// Quantize clips each value to the codec range. NaN maps to 0.
func (c Codec) Quantize(values []float64) []byte {
	if len(values) == 0 {
		return nil
	}
	span := c.Max - c.Min
	out := make([]byte, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		v = math.Min(math.Max(v, c.Min), c.Max)
		out[i] = byte((v - c.Min) / span * 255)
	}
	return out
}

func (c Codec) Dequantize(data []byte) []float64 {
	if len(data) == 0 {
		return nil
	}
	span := c.Max - c.Min
	out := make([]float64, len(data))
	for i, b := range data {
		out[i] = float64(b)/255*span + c.Min
	}
	return out
}

// Step is the resolution of one quantization level in dB.
func (c Codec) Step() float64 {
	return (c.Max - c.Min) / 255
}

func (c Codec) Encode(values []float64) []byte {
	q := c.Quantize(values)
	if q == nil {
		return nil
	}
	return snappy.Encode(nil, q)
}

func (c Codec) Decode(blob []byte) ([]float64, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	q, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decode spectrum: %w", err)
	}
	return c.Dequantize(q), nil
}
