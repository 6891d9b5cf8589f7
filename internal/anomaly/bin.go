package anomaly

import "math"

// Bin accumulates weighted first and second moments. The zero value is an
// empty bin. Adds commute, so the result only depends on the multiset of
// (value, weight) pairs.
type Bin struct {
	Sum    float64 `json:"sum"`
	SumSq  float64 `json:"sum_sq"`
	Weight float64 `json:"weight"`
}

func (b *Bin) Add(value, weight float64) {
	if !finite(value) || !finite(weight) || weight <= 0 {
		return
	}
	b.Sum += value * weight
	b.SumSq += value * value * weight
	b.Weight += weight
}

func (b *Bin) Merge(o Bin) {
	if o.Weight <= 0 {
		return
	}
	b.Sum += o.Sum
	b.SumSq += o.SumSq
	b.Weight += o.Weight
}

// Scale multiplies all moments by f, leaving mean and variance unchanged.
func (b *Bin) Scale(f float64) {
	b.Sum *= f
	b.SumSq *= f
	b.Weight *= f
}

// Cold reports a bin with less than one unit of weight.
func (b Bin) Cold() bool {
	return b.Weight < 1
}

func (b Bin) Mean() float64 {
	if b.Weight <= 0 {
		return 0
	}
	return b.Sum / b.Weight
}

func (b Bin) MeanSquare() float64 {
	if b.Weight <= 0 {
		return 0
	}
	return b.SumSq / b.Weight
}

func (b Bin) Variance() float64 {
	if b.Weight <= 0 {
		return 0
	}
	m := b.Mean()
	return cleanVariance(b.SumSq/b.Weight-m*m, m)
}

// varianceEpsilon is the relative size below which a variance computed as
// E[x²]-E[x]² is cancellation noise.
const varianceEpsilon = 1e-9

func cleanVariance(v, mean float64) float64 {
	if v <= varianceEpsilon*mean*mean || v < 0 {
		return 0
	}
	return v
}

// Stats returns mean and population std. ok is false below minWeight. A
// zero std is replaced by stdFloor.
func (b Bin) Stats(minWeight, stdFloor float64) (mean, std float64, ok bool) {
	if b.Weight <= 0 || b.Weight < minWeight {
		return 0, 0, false
	}
	mean = b.Mean()
	std = math.Sqrt(b.Variance())
	if std == 0 {
		std = stdFloor
	}
	return mean, std, true
}

// BinFromStats rebuilds the moments of a bin summarised as mean, population
// std and sample count.
func BinFromStats(mean, std, count float64) Bin {
	if count <= 0 || !finite(mean) || !finite(std) {
		return Bin{}
	}
	return Bin{
		Sum:    mean * count,
		SumSq:  (std*std + mean*mean) * count,
		Weight: count,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
