package anomaly

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentWindowInsufficientData(t *testing.T) {
	w := NewRecentWindow(50, 5, 5)
	for i := 0; i < 4; i++ {
		w.Add(-40)
		_, _, n, ok := w.Stats()
		assert.False(t, ok)
		assert.Equal(t, i+1, n)
	}
	w.Add(-40)
	_, _, _, ok := w.Stats()
	assert.True(t, ok)
}

func TestRecentWindowFIFOBound(t *testing.T) {
	const capacity = 5
	w := NewRecentWindow(capacity, 1, 5)
	for i := 1; i <= capacity+3; i++ {
		w.Add(float64(i))
	}
	require.Equal(t, capacity, w.Len())
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, w.Values())

	mean, std, n, ok := w.Stats()
	require.True(t, ok)
	assert.Equal(t, capacity, n)
	assert.InDelta(t, 6, mean, 1e-12)
	// Sample std of 4..8 uses n-1.
	assert.InDelta(t, math.Sqrt(2.5), std, 1e-12)
}

func TestRecentWindowCacheInvalidatedOnAdd(t *testing.T) {
	w := NewRecentWindow(3, 1, 5)
	w.Add(1)
	w.Add(2)
	w.Add(3)
	m1, _, _, _ := w.Stats()
	m2, _, _, _ := w.Stats()
	assert.Equal(t, m1, m2)

	w.Add(9)
	m3, _, _, _ := w.Stats()
	assert.InDelta(t, (2.0+3+9)/3, m3, 1e-12)
}

func TestRecentWindowSingleValueFallback(t *testing.T) {
	w := NewRecentWindow(10, 1, 5)
	w.Add(-30)
	mean, std, _, ok := w.Stats()
	require.True(t, ok)
	assert.Equal(t, -30.0, mean)
	assert.Equal(t, 5.0, std)
}

func TestRecentWindowLoadOnce(t *testing.T) {
	w := NewRecentWindow(3, 1, 5)
	w.Load([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, []float64{3, 4, 5}, w.Values())

	w.Load([]float64{100, 200})
	assert.Equal(t, []float64{3, 4, 5}, w.Values())
}

func TestRecentWindowIgnoresNaN(t *testing.T) {
	w := NewRecentWindow(3, 1, 5)
	w.Add(math.NaN())
	w.Add(math.Inf(-1))
	assert.Equal(t, 0, w.Len())
}
