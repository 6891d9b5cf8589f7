package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RecentWindow is a bounded FIFO of the most recent levels.
type RecentWindow struct {
	capacity    int
	minSamples  int
	stdFallback float64

	values []float64
	head   int
	count  int
	loaded bool

	gen      uint64
	cachedAt uint64
	cached   windowStats
}

type windowStats struct {
	valid bool
	mean  float64
	std   float64
}

func NewRecentWindow(capacity, minSamples int, stdFallback float64) *RecentWindow {
	if capacity <= 0 {
		capacity = 1
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	return &RecentWindow{
		capacity:    capacity,
		minSamples:  minSamples,
		stdFallback: stdFallback,
		values:      make([]float64, capacity),
	}
}

func (w *RecentWindow) Add(v float64) {
	if !finite(v) {
		return
	}
	if w.count < w.capacity {
		w.values[(w.head+w.count)%w.capacity] = v
		w.count++
	} else {
		w.values[w.head] = v
		w.head = (w.head + 1) % w.capacity
	}
	w.gen++
}

// Load seeds the window from oldest-first history. Only the first call has
// an effect.
func (w *RecentWindow) Load(history []float64) {
	if w.loaded {
		return
	}
	w.loaded = true
	if len(history) > w.capacity {
		history = history[len(history)-w.capacity:]
	}
	for _, v := range history {
		w.Add(v)
	}
}

func (w *RecentWindow) Len() int {
	return w.count
}

func (w *RecentWindow) Cap() int {
	return w.capacity
}

// Values returns the window contents oldest-first.
func (w *RecentWindow) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.values[(w.head+i)%w.capacity]
	}
	return out
}

// Stats returns the mean and sample standard deviation of the window.
// ok is false until minSamples values have been seen.
func (w *RecentWindow) Stats() (mean, std float64, n int, ok bool) {
	n = w.count
	if n < w.minSamples {
		return 0, 0, n, false
	}
	if w.cached.valid && w.cachedAt == w.gen {
		return w.cached.mean, w.cached.std, n, true
	}
	values := w.Values()
	if n > 1 {
		mean, std = stat.MeanStdDev(values, nil)
	} else {
		mean, std = values[0], w.stdFallback
	}
	if !finite(std) {
		std = w.stdFallback
	}
	w.cached = windowStats{valid: true, mean: mean, std: std}
	w.cachedAt = w.gen
	return mean, std, n, true
}

func (w *RecentWindow) Reset() {
	for i := range w.values {
		w.values[i] = 0
	}
	w.head = 0
	w.count = 0
	w.gen++
	w.cached = windowStats{}
}

func (w *RecentWindow) last() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.values[(w.head+w.count-1)%w.capacity]
}
