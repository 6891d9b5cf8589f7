package monitor

import (
	"github.com/montanaflynn/stats"
)

const (
	levelHistory    = 20
	minLevelSamples = 5
)

// levelTracker keeps the last levels of one source for the statistical
// levels L10 (exceeded 10% of the time), L50 and L90 (background).
type levelTracker struct {
	levels []float64
}

func (t *levelTracker) add(level float64) {
	t.levels = append(t.levels, level)
	if len(t.levels) > levelHistory {
		t.levels = t.levels[len(t.levels)-levelHistory:]
	}
}

func (t *levelTracker) percentiles() (l10, l50, l90 float64, ok bool) {
	if len(t.levels) < minLevelSamples {
		return 0, 0, 0, false
	}
	data := stats.Float64Data(t.levels)
	var err error
	if l10, err = stats.PercentileNearestRank(data, 90); err != nil {
		return 0, 0, 0, false
	}
	if l50, err = stats.PercentileNearestRank(data, 50); err != nil {
		return 0, 0, 0, false
	}
	if l90, err = stats.PercentileNearestRank(data, 10); err != nil {
		return 0, 0, 0, false
	}
	return l10, l50, l90, true
}
