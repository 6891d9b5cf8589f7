package anomaly

import (
	"errors"
	"fmt"
	"math"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

const (
	daysPerWeek   = 7
	minutesPerDay = 24 * 60
	// activeCellWeight is the weight from which a cell counts as active in
	// profile summaries.
	activeCellWeight = 5
)

type ProfileConfig struct {
	BinMinutes     int
	Weekly         bool
	TimeSigma      float64
	DaySigma       float64
	TimeRadius     int
	DayRadius      int
	WeekendPenalty float64
	KernelCutoff   float64
	MinWeight      float64
	StdFallback    float64
	Forgetting     float64
	Location       *time.Location
}

func ProfileConfigFrom(d config.DetectionConfig) (ProfileConfig, error) {
	loc, err := config.LoadLocation(d.Timezone)
	if err != nil {
		return ProfileConfig{}, err
	}
	return ProfileConfig{
		BinMinutes:     d.BinMinutes,
		Weekly:         d.Weekly,
		TimeSigma:      d.TimeSigma,
		DaySigma:       d.DaySigma,
		TimeRadius:     d.TimeRadius,
		DayRadius:      d.DayRadius,
		WeekendPenalty: d.WeekendPenalty,
		KernelCutoff:   d.KernelCutoff,
		MinWeight:      d.MinSeasonalWeight,
		StdFallback:    d.ProfileStdFallback,
		Forgetting:     d.ForgettingFactor,
		Location:       loc,
	}, nil
}

// Profile is a kernel-smoothed seasonal histogram over time-of-day, and
// optionally day-of-week. Cells are laid out day-major; the time axis of a
// weekly profile wraps from Sunday night into Monday morning.
type Profile struct {
	cfg        ProfileConfig
	binsPerDay int
	days       int
	cells      []Bin
	samples    int
	loaded     bool

	// hours accumulates unsmoothed measurements at their own weekday and
	// hour with unit weight, so Weight counts real samples.
	hours [daysPerWeek][24]Bin
}

type ProfileStats struct {
	Weekly      bool    `json:"weekly"`
	BinMinutes  int     `json:"bin_minutes"`
	Cells       int     `json:"cells"`
	ActiveCells int     `json:"active_cells"`
	TotalWeight float64 `json:"total_weight"`
	Samples     int     `json:"samples"`
}

func NewProfile(cfg ProfileConfig) (*Profile, error) {
	if cfg.BinMinutes <= 0 || cfg.BinMinutes > minutesPerDay || minutesPerDay%cfg.BinMinutes != 0 {
		return nil, fmt.Errorf("bin minutes must divide a day evenly: %d", cfg.BinMinutes)
	}
	if cfg.TimeSigma <= 0 || (cfg.Weekly && cfg.DaySigma <= 0) {
		return nil, errors.New("kernel sigma must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Forgetting <= 0 || cfg.Forgetting > 1 {
		cfg.Forgetting = 1
	}
	p := &Profile{cfg: cfg, binsPerDay: minutesPerDay / cfg.BinMinutes, days: 1}
	if cfg.Weekly {
		p.days = daysPerWeek
	}
	// A radius wider than half the axis would visit the same cell twice.
	if limit := (p.binsPerDay*p.days - 1) / 2; p.cfg.TimeRadius > limit {
		p.cfg.TimeRadius = limit
	}
	if p.cfg.DayRadius > daysPerWeek/2 {
		p.cfg.DayRadius = daysPerWeek / 2
	}
	p.cells = make([]Bin, p.binsPerDay*p.days)
	return p, nil
}

// DayDistance is the circular distance between two days (Monday = 0), plus
// penalty when exactly one of them falls on the weekend.
func DayDistance(a, b int, penalty float64) float64 {
	d := mod(a-b, daysPerWeek)
	if daysPerWeek-d < d {
		d = daysPerWeek - d
	}
	dist := float64(d)
	if isWeekend(a) != isWeekend(b) {
		dist += penalty
	}
	return dist
}

func (p *Profile) DayDistance(a, b int) float64 {
	return DayDistance(mod(a, daysPerWeek), mod(b, daysPerWeek), p.cfg.WeekendPenalty)
}

func isWeekend(day int) bool {
	day = mod(day, daysPerWeek)
	return day == 5 || day == 6
}

// Weekday maps time.Weekday to Monday = 0 ... Sunday = 6.
func Weekday(wd time.Weekday) int {
	return (int(wd) + 6) % daysPerWeek
}

// position returns the day, the bin within that day and the fractional
// offset into the bin.
func (p *Profile) position(ts time.Time) (day, bin int, frac float64) {
	t := ts.In(p.cfg.Location)
	minutes := float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60
	exact := minutes / float64(p.cfg.BinMinutes)
	bin = int(exact)
	frac = exact - float64(bin)
	bin = mod(bin, p.binsPerDay)
	return Weekday(t.Weekday()), bin, frac
}

func (p *Profile) index(day, slot int) int {
	if p.days == 1 {
		return mod(slot, p.binsPerDay)
	}
	return mod(day*p.binsPerDay+slot, len(p.cells))
}

// neighborhood calls fn with every cell around ts and its kernel weight.
func (p *Profile) neighborhood(ts time.Time, fn func(idx int, kernel float64)) {
	day, bin, frac := p.position(ts)
	dayRadius := 0
	if p.cfg.Weekly {
		dayRadius = p.cfg.DayRadius
	}
	for dOff := -dayRadius; dOff <= dayRadius; dOff++ {
		dayWeight := 1.0
		if p.cfg.Weekly {
			dayWeight = gaussian(p.DayDistance(day, day+dOff), p.cfg.DaySigma)
		}
		for off := -p.cfg.TimeRadius; off <= p.cfg.TimeRadius; off++ {
			dt := math.Abs(float64(off) - frac + 0.5)
			w := gaussian(dt, p.cfg.TimeSigma) * dayWeight
			if w < p.cfg.KernelCutoff {
				continue
			}
			fn(p.index(mod(day+dOff, daysPerWeek), bin+off), w)
		}
	}
}

// AddSample records a live measurement, applying the forgetting factor.
func (p *Profile) AddSample(ts time.Time, value float64) {
	if !finite(value) {
		return
	}
	if p.cfg.Forgetting < 1 {
		for i := range p.cells {
			p.cells[i].Scale(p.cfg.Forgetting)
		}
	}
	p.add(ts, value)
}

func (p *Profile) add(ts time.Time, value float64) {
	if !finite(value) {
		return
	}
	p.neighborhood(ts, func(idx int, w float64) {
		p.cells[idx].Add(value, w)
	})
	t := ts.In(p.cfg.Location)
	p.hours[Weekday(t.Weekday())][t.Hour()].Add(value, 1)
	p.samples++
}

// Expected interpolates mean and std at ts from the neighbouring cells,
// weighting each cell by kernel times accumulated weight.
func (p *Profile) Expected(ts time.Time) (mean, std float64, ok bool) {
	var sum, sumSq, total float64
	p.neighborhood(ts, func(idx int, kernel float64) {
		c := p.cells[idx]
		if c.Weight <= 0 {
			return
		}
		w := kernel * c.Weight
		sum += c.Mean() * w
		sumSq += c.MeanSquare() * w
		total += w
	})
	if total <= 0 || total < p.cfg.MinWeight {
		return 0, 0, false
	}
	mean = sum / total
	variance := cleanVariance(sumSq/total-mean*mean, mean)
	if variance > 0 {
		std = math.Sqrt(variance)
	} else {
		std = p.cfg.StdFallback
	}
	return mean, std, true
}

// Load replays oldest-first history without forgetting. Only the first call
// has an effect.
func (p *Profile) Load(history []model.Measurement) int {
	if p.loaded {
		return 0
	}
	p.loaded = true
	n := 0
	for _, m := range history {
		if !m.Valid() {
			continue
		}
		p.add(m.Timestamp, m.Level)
		n++
	}
	return n
}

func (p *Profile) Empty() bool {
	for _, c := range p.cells {
		if c.Weight > 0 {
			return false
		}
	}
	return true
}

// Seed installs stored hourly rows as prior moments, and as the starting
// hourly totals so later flushes extend the stored counts. It is a no-op
// unless the profile is empty.
func (p *Profile) Seed(rows []model.BaselineRow) int {
	if !p.Empty() {
		return 0
	}
	seeded := 0
	for _, row := range rows {
		if row.Samples <= 0 || row.Hour < 0 || row.Hour > 23 || row.DayOfWeek < 0 || row.DayOfWeek >= daysPerWeek {
			continue
		}
		cells := p.cellsInHour(row.DayOfWeek, row.Hour)
		if len(cells) == 0 {
			continue
		}
		share := float64(row.Samples) / float64(len(cells))
		b := BinFromStats(row.Mean, row.Std, share)
		for _, idx := range cells {
			p.cells[idx].Merge(b)
		}
		p.hours[row.DayOfWeek][row.Hour] = BinFromStats(row.Mean, row.Std, float64(row.Samples))
		seeded++
	}
	return seeded
}

// cellsInHour lists the cells whose span starts inside the given hour.
func (p *Profile) cellsInHour(day, hour int) []int {
	var out []int
	for slot := 0; slot < p.binsPerDay; slot++ {
		if (slot*p.cfg.BinMinutes)/60 != hour {
			continue
		}
		out = append(out, p.index(mod(day, daysPerWeek), slot))
	}
	return out
}

// Hourly returns the measurements seen per weekday and hour, unsmoothed.
// Weight is the number of samples; hours without data are empty.
func (p *Profile) Hourly() [daysPerWeek][24]Bin {
	return p.hours
}

func (p *Profile) Stats() ProfileStats {
	st := ProfileStats{
		Weekly:     p.cfg.Weekly,
		BinMinutes: p.cfg.BinMinutes,
		Cells:      len(p.cells),
		Samples:    p.samples,
	}
	for _, c := range p.cells {
		st.TotalWeight += c.Weight
		if c.Weight >= activeCellWeight {
			st.ActiveCells++
		}
	}
	return st
}

func (p *Profile) Reset() {
	for i := range p.cells {
		p.cells[i] = Bin{}
	}
	p.hours = [daysPerWeek][24]Bin{}
	p.samples = 0
}

func gaussian(distance, sigma float64) float64 {
	x := distance / sigma
	return math.Exp(-0.5 * x * x)
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
