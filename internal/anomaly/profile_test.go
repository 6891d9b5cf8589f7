package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

func testProfile(t *testing.T, mutate func(*config.DetectionConfig)) *Profile {
	t.Helper()
	d := config.DefaultDetection()
	d.Timezone = "UTC"
	if mutate != nil {
		mutate(&d)
	}
	p, err := newProfile(d)
	require.NoError(t, err)
	return p
}

// 2026-03-02 is a Monday.
func monday(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func TestDayDistanceCircular(t *testing.T) {
	const penalty = 0.5
	assert.Equal(t, DayDistance(0, 6, penalty), DayDistance(6, 0, penalty))
	// Monday to Sunday is one step around the week, plus the weekend crossing.
	assert.Equal(t, 1+penalty, DayDistance(0, 6, penalty))
	assert.Equal(t, 1.0, DayDistance(0, 6, 0))
	assert.Equal(t, 1.0, DayDistance(5, 6, penalty))
	assert.Equal(t, 3.0, DayDistance(0, 3, penalty))
	assert.Equal(t, 0.0, DayDistance(2, 2, penalty))
}

func TestDayDistanceWeekendPenalty(t *testing.T) {
	const penalty = 0.5
	friSat := DayDistance(4, 5, penalty)
	monTue := DayDistance(0, 1, penalty)
	assert.InDelta(t, penalty, friSat-monTue, 1e-12)
}

func TestWeekdayMondayFirst(t *testing.T) {
	assert.Equal(t, 0, Weekday(time.Monday))
	assert.Equal(t, 5, Weekday(time.Saturday))
	assert.Equal(t, 6, Weekday(time.Sunday))
}

func TestProfileEmptyHasNoExpectation(t *testing.T) {
	p := testProfile(t, nil)
	_, _, ok := p.Expected(monday(12, 0))
	assert.False(t, ok)
}

func TestProfileSingleSample(t *testing.T) {
	for _, weekly := range []bool{false, true} {
		p := testProfile(t, func(d *config.DetectionConfig) { d.Weekly = weekly })
		ts := monday(12, 10)
		p.AddSample(ts, -42.5)

		mean, std, ok := p.Expected(ts)
		require.True(t, ok, "weekly=%v", weekly)
		assert.InDelta(t, -42.5, mean, 1e-9)
		assert.Greater(t, std, 0.0)
	}
}

func TestProfileBorrowsFromNeighbours(t *testing.T) {
	p := testProfile(t, nil)
	p.AddSample(monday(12, 0), -50)
	p.AddSample(monday(13, 0), -40)

	mean, _, ok := p.Expected(monday(12, 30))
	require.True(t, ok)
	assert.Greater(t, mean, -50.0)
	assert.Less(t, mean, -40.0)

	// Outside the kernel radius nothing is known.
	_, _, ok = p.Expected(monday(20, 0))
	assert.False(t, ok)
}

func TestProfileWrapsAroundMidnight(t *testing.T) {
	p := testProfile(t, nil)
	p.AddSample(monday(23, 50), -35)
	mean, _, ok := p.Expected(monday(0, 5))
	require.True(t, ok)
	assert.InDelta(t, -35, mean, 1e-9)
}

func TestWeeklyProfileDayRadius(t *testing.T) {
	p := testProfile(t, func(d *config.DetectionConfig) { d.Weekly = true })
	p.AddSample(monday(12, 0), -45)

	mean, _, ok := p.Expected(monday(12, 0).AddDate(0, 0, 1))
	require.True(t, ok)
	assert.InDelta(t, -45, mean, 1e-9)

	_, _, ok = p.Expected(monday(12, 0).AddDate(0, 0, 3))
	assert.False(t, ok)
}

func TestProfileZeroRadiusStaysInCell(t *testing.T) {
	p := testProfile(t, func(d *config.DetectionConfig) {
		d.Weekly = true
		d.TimeRadius = 0
		d.DayRadius = 0
	})
	for i := 0; i < 3; i++ {
		p.AddSample(monday(12, 0), -45)
	}
	mean, _, ok := p.Expected(monday(12, 0))
	require.True(t, ok)
	assert.InDelta(t, -45, mean, 1e-9)

	_, _, ok = p.Expected(monday(12, 30))
	assert.False(t, ok)
	_, _, ok = p.Expected(monday(12, 0).AddDate(0, 0, 1))
	assert.False(t, ok)
}

func TestProfileForgettingFactor(t *testing.T) {
	ts := monday(9, 0)
	p := testProfile(t, func(d *config.DetectionConfig) { d.ForgettingFactor = 0.5 })
	p.AddSample(ts, 10)
	p.AddSample(ts, 20)
	mean, _, ok := p.Expected(ts)
	require.True(t, ok)
	assert.InDelta(t, (0.5*10+20)/1.5, mean, 1e-9)

	// Replay is not subject to forgetting.
	replay := testProfile(t, func(d *config.DetectionConfig) { d.ForgettingFactor = 0.5 })
	replay.Load([]model.Measurement{{Timestamp: ts, Level: 10}, {Timestamp: ts, Level: 20}})
	mean, _, ok = replay.Expected(ts)
	require.True(t, ok)
	assert.InDelta(t, 15, mean, 1e-9)
}

func TestProfileLoadOnce(t *testing.T) {
	p := testProfile(t, nil)
	n := p.Load([]model.Measurement{{Timestamp: monday(8, 0), Level: -40}})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, p.Load([]model.Measurement{{Timestamp: monday(8, 0), Level: -10}}))
	mean, _, ok := p.Expected(monday(8, 0))
	require.True(t, ok)
	assert.InDelta(t, -40, mean, 1e-9)
}

func TestProfileSeedFromRows(t *testing.T) {
	p := testProfile(t, func(d *config.DetectionConfig) { d.Weekly = true })
	n := p.Seed([]model.BaselineRow{
		{DayOfWeek: 0, Hour: 8, Mean: -40, Std: 3, Samples: 20},
		{DayOfWeek: 0, Hour: 9, Mean: -30, Std: 3, Samples: 0},
	})
	assert.Equal(t, 1, n)

	mean, std, ok := p.Expected(monday(8, 30))
	require.True(t, ok)
	assert.InDelta(t, -40, mean, 1e-6)
	assert.InDelta(t, 3, std, 1e-6)

	// Seeding only happens into an empty grid.
	assert.Equal(t, 0, p.Seed([]model.BaselineRow{{DayOfWeek: 1, Hour: 8, Mean: 0, Std: 1, Samples: 5}}))
}

func TestProfileHourlyCountsRealSamples(t *testing.T) {
	p := testProfile(t, nil)
	p.AddSample(monday(10, 15), -44)
	hourly := p.Hourly()

	assert.Equal(t, 1.0, hourly[0][10].Weight)
	assert.InDelta(t, -44, hourly[0][10].Mean(), 1e-9)
	// The kernel spread stays out of the hourly totals, and a daily profile
	// does not copy Monday into the other days.
	assert.Equal(t, Bin{}, hourly[0][9])
	assert.Equal(t, Bin{}, hourly[3][10])
	total := 0.0
	for day := range hourly {
		for h := range hourly[day] {
			total += hourly[day][h].Weight
		}
	}
	assert.Equal(t, 1.0, total)

	p.Reset()
	assert.Equal(t, [7][24]Bin{}, p.Hourly())
}

func TestProfileSeedRestoresHourlyCounts(t *testing.T) {
	p := testProfile(t, nil)
	n := p.Seed([]model.BaselineRow{
		{DayOfWeek: 0, Hour: 8, Mean: -40, Std: 3, Samples: 20},
		{DayOfWeek: 1, Hour: 8, Mean: -44, Std: 3, Samples: 10},
		{DayOfWeek: 7, Hour: 8, Mean: -44, Std: 3, Samples: 10},
	})
	assert.Equal(t, 2, n)
	hourly := p.Hourly()
	assert.InDelta(t, 20, hourly[0][8].Weight, 1e-9)
	assert.InDelta(t, 10, hourly[1][8].Weight, 1e-9)

	p.AddSample(monday(8, 40), -40)
	assert.InDelta(t, 21, p.Hourly()[0][8].Weight, 1e-9)
	assert.InDelta(t, 10, p.Hourly()[1][8].Weight, 1e-9)
}

func TestNewProfileRejectsUnevenBins(t *testing.T) {
	_, err := NewProfile(ProfileConfig{BinMinutes: 7, TimeSigma: 2})
	assert.Error(t, err)
}
