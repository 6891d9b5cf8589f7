package anomaly

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

// History is the replay input of the detector, oldest-first.
type History struct {
	Profile []model.Measurement
	Window  []model.Measurement
	Rows    []model.BaselineRow
}

type HistoryLoader interface {
	LoadHistory(ctx context.Context) (History, error)
}

// Prior answers seasonal queries from durable hourly rows when the
// in-memory profile is still cold.
type Prior interface {
	Lookup(ts time.Time) (mean, std float64, ok bool)
}

type Component struct {
	Source string  `json:"source"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Z      float64 `json:"z"`
}

type Result struct {
	Score    float64    `json:"score"`
	Recent   *Component `json:"recent,omitempty"`
	Seasonal *Component `json:"seasonal,omitempty"`
}

type WindowSnapshot struct {
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	Ready    bool    `json:"ready"`
	Mean     float64 `json:"mean,omitempty"`
	Std      float64 `json:"std,omitempty"`
	Last     float64 `json:"last,omitempty"`
}

type Snapshot struct {
	Initialized bool           `json:"initialized"`
	Window      WindowSnapshot `json:"window"`
	Profile     ProfileStats   `json:"profile"`
}

type Detector struct {
	logger *slog.Logger
	loader HistoryLoader
	prior  Prior

	initMu      sync.Mutex
	initialized atomic.Bool

	mu      sync.Mutex
	cfg     config.DetectionConfig
	window  *RecentWindow
	profile *Profile
}

// NewDetector builds a detector from the detection config. loader and prior
// may be nil for a purely in-process model.
func NewDetector(cfg config.DetectionConfig, logger *slog.Logger, loader HistoryLoader, prior Prior) (*Detector, error) {
	config.ApplyDetectionDefaults(&cfg)
	profile, err := newProfile(cfg)
	if err != nil {
		return nil, err
	}
	return &Detector{
		logger:  logger,
		loader:  loader,
		prior:   prior,
		cfg:     cfg,
		window:  newWindow(cfg),
		profile: profile,
	}, nil
}

func newProfile(cfg config.DetectionConfig) (*Profile, error) {
	pc, err := ProfileConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	return NewProfile(pc)
}

func newWindow(cfg config.DetectionConfig) *RecentWindow {
	return NewRecentWindow(cfg.WindowSize, cfg.MinWindowSamples, cfg.WindowStdFallback)
}

// Initialize replays history once. Load failures leave the model cold.
func (d *Detector) Initialize(ctx context.Context) {
	if d.initialized.Load() {
		return
	}
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.initialized.Load() {
		return
	}
	var hist History
	if d.loader != nil {
		h, err := d.loader.LoadHistory(ctx)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("could not load detector history", "err", err)
			}
		} else {
			hist = h
		}
	}
	levels := make([]float64, 0, len(hist.Window))
	for _, m := range hist.Window {
		if m.Valid() {
			levels = append(levels, m.Level)
		}
	}

	d.mu.Lock()
	d.window.Load(levels)
	replayed := d.profile.Load(hist.Profile)
	seeded := 0
	if replayed == 0 {
		seeded = d.profile.Seed(hist.Rows)
	}
	stats := d.profile.Stats()
	windowLen := d.window.Len()
	d.mu.Unlock()

	d.initialized.Store(true)
	if d.logger != nil {
		d.logger.Info("detector initialized",
			"profile_samples", replayed,
			"profile_rows_seeded", seeded,
			"profile_active_cells", stats.ActiveCells,
			"profile_cells", stats.Cells,
			"window_values", windowLen,
		)
	}
}

func (d *Detector) Initialized() bool {
	return d.initialized.Load()
}

// Score returns the fused anomaly score of level at ts; 0 when no baseline
// can judge it yet.
func (d *Detector) Score(ts time.Time, level float64) float64 {
	return d.Evaluate(ts, level).Score
}

func (d *Detector) Evaluate(ts time.Time, level float64) Result {
	if !model.ValidLevel(level) {
		return Result{}
	}
	d.Initialize(context.Background())

	d.mu.Lock()
	stdFloor := d.cfg.StdFloor
	fusion := d.cfg.FusionWeight
	rMean, rStd, _, rOK := d.window.Stats()
	sMean, sStd, sOK := d.profile.Expected(ts)
	d.mu.Unlock()

	sSource := "profile"
	if !sOK && d.prior != nil {
		sMean, sStd, sOK = d.prior.Lookup(ts)
		sSource = "prior"
	}

	var res Result
	if rOK {
		res.Recent = &Component{Source: "recent", Mean: rMean, Std: rStd, Z: ZScore(level, rMean, rStd, stdFloor)}
	}
	if sOK {
		res.Seasonal = &Component{Source: sSource, Mean: sMean, Std: sStd, Z: ZScore(level, sMean, sStd, stdFloor)}
	}
	switch {
	case res.Recent != nil && res.Seasonal != nil:
		res.Score = round2(Fuse(res.Recent.Z, res.Seasonal.Z, fusion))
	case res.Recent != nil:
		res.Score = round2(res.Recent.Z)
	case res.Seasonal != nil:
		res.Score = round2(res.Seasonal.Z)
	}
	return res
}

// Observe feeds a measurement into both baselines. Invalid levels are
// ignored.
func (d *Detector) Observe(ts time.Time, level float64) {
	if !model.ValidLevel(level) {
		return
	}
	d.Initialize(context.Background())
	d.mu.Lock()
	d.window.Add(level)
	d.profile.AddSample(ts, level)
	d.mu.Unlock()
}

// Hourly returns the profile aggregated into day-of-week by hour bins.
func (d *Detector) Hourly() [daysPerWeek][24]Bin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile.Hourly()
}

// Reset discards the model state. History is not replayed again.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.window.Reset()
	d.profile.Reset()
	d.mu.Unlock()
}

// UpdateConfig applies the scoring parameters of cfg. Window and grid
// geometry are fixed at construction.
func (d *Detector) UpdateConfig(cfg config.DetectionConfig) {
	config.ApplyDetectionDefaults(&cfg)
	d.mu.Lock()
	d.cfg.StdFloor = cfg.StdFloor
	d.cfg.FusionWeight = cfg.FusionWeight
	d.mu.Unlock()
}

func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := WindowSnapshot{Count: d.window.Len(), Capacity: d.window.Cap()}
	if mean, std, _, ok := d.window.Stats(); ok {
		ws.Ready = true
		ws.Mean = mean
		ws.Std = std
	}
	if ws.Count > 0 {
		ws.Last = d.window.last()
	}
	return Snapshot{
		Initialized: d.initialized.Load(),
		Window:      ws,
		Profile:     d.profile.Stats(),
	}
}

// ZScore is the absolute deviation of level from mean in units of std, with
// std clamped from below by floor.
func ZScore(level, mean, std, floor float64) float64 {
	return math.Abs(level-mean) / math.Max(std, floor)
}

// Fuse blends two non-negative z-scores, weighting the larger one by w.
// The result lies between the two inputs.
func Fuse(z1, z2, w float64) float64 {
	hi, lo := math.Max(z1, z2), math.Min(z1, z2)
	return w*hi + (1-w)*lo
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
