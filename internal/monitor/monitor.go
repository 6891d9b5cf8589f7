package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"noisemon/internal/alerts"
	"noisemon/internal/config"
	"noisemon/internal/metrics"
	"noisemon/internal/model"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Store interface {
	SaveMeasurement(ctx context.Context, rec model.Record) (int64, error)
	SaveAnomaly(ctx context.Context, a model.Anomaly) (int64, error)
}

type Scorer interface {
	Score(ts time.Time, level float64) float64
	Observe(ts time.Time, level float64)
}

type Publisher interface {
	PublishRecord(ctx context.Context, rec model.Record) error
	PublishAnomaly(ctx context.Context, a model.Anomaly) error
}

// Deps are the collaborators of a Monitor. Everything but Detector is
// optional.
type Deps struct {
	Detector  Scorer
	Store     Store
	Alerts    *alerts.Store
	Latest    *metrics.Store
	Metrics   *metrics.Collectors
	Publisher Publisher
	Logger    *slog.Logger
}

type Result struct {
	Record    model.Record
	Anomaly   *model.Anomaly
	Duplicate bool
}

type Counts struct {
	Measurements int64 `json:"measurements"`
	Errors       int64 `json:"errors"`
	Anomalies    int64 `json:"anomalies"`
	Duplicates   int64 `json:"duplicates"`
}

// Monitor is the consumer side of the ingest channel: it completes each
// record, scores it, stores it and raises anomaly events.
type Monitor struct {
	deps     Deps
	cfg      atomic.Value
	cooldown *Cooldown
	dedupe   *Dedupe
	now      func() time.Time

	mu     sync.Mutex
	levels map[string]*levelTracker

	measurements atomic.Int64
	errors       atomic.Int64
	anomalies    atomic.Int64
	duplicates   atomic.Int64
}

func New(cfg *config.Config, deps Deps) *Monitor {
	m := &Monitor{
		deps:     deps,
		cooldown: NewCooldown(),
		dedupe:   NewDedupe(),
		now:      func() time.Time { return time.Now().UTC() },
		levels:   make(map[string]*levelTracker),
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Monitor) UpdateConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
}

func (m *Monitor) config() *config.Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (m *Monitor) Start(ctx context.Context, in <-chan model.Record) {
	go m.Run(ctx, in)
}

// Run processes records until ctx is done or in is closed.
func (m *Monitor) Run(ctx context.Context, in <-chan model.Record) {
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return
			}
			m.Process(ctx, rec)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) Process(ctx context.Context, rec model.Record) Result {
	cfg := m.config()
	key := rec.Source + "|" + strconv.FormatInt(rec.Timestamp.UnixNano(), 10)
	if m.dedupe.Seen(key, m.now(), cfg.Ingest.DedupeWindow) {
		m.duplicates.Add(1)
		if m.deps.Logger != nil {
			m.deps.Logger.Debug("duplicate record dropped", "source", rec.Source, "timestamp", rec.Timestamp)
		}
		return Result{Record: rec, Duplicate: true}
	}

	m.complete(&rec)
	if rec.Status == model.StatusOK {
		rec.AnomalyScore = m.deps.Detector.Score(rec.Timestamp, rec.Level())
	}
	m.measurements.Add(1)
	if rec.Status != model.StatusOK {
		m.errors.Add(1)
	}

	if m.deps.Store != nil {
		sctx, cancel := storeContext(ctx, cfg)
		id, err := m.deps.Store.SaveMeasurement(sctx, rec)
		cancel()
		if err != nil {
			m.storeError("save_measurement", err)
		} else {
			rec.ID = id
		}
	}
	m.logRecord(rec)

	if rec.Status == model.StatusOK {
		m.deps.Detector.Observe(rec.Timestamp, rec.Level())
	}

	res := Result{Record: rec}
	if a, ok := m.evaluate(cfg.Detection, rec); ok {
		m.raise(ctx, cfg, &a)
		res.Anomaly = &a
	}

	if m.deps.Latest != nil {
		m.deps.Latest.Update(rec)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveRecord(rec)
	}
	if m.deps.Publisher != nil {
		if err := m.deps.Publisher.PublishRecord(ctx, rec); err != nil {
			m.storeError("publish_record", err)
		}
	}
	return res
}

// complete fills the status and the derived features the capture side
// left out.
func (m *Monitor) complete(rec *model.Record) {
	if rec.Status == "" {
		rec.Status = model.StatusOK
	}
	if rec.MeanDB == nil || !model.ValidLevel(*rec.MeanDB) {
		rec.MeanDB = nil
		rec.Status = model.StatusCaptureError
		return
	}

	m.mu.Lock()
	t, ok := m.levels[rec.Source]
	if !ok {
		t = &levelTracker{}
		m.levels[rec.Source] = t
	}
	t.add(*rec.MeanDB)
	l10, l50, l90, ready := t.percentiles()
	m.mu.Unlock()

	if ready {
		if rec.L10DB == nil {
			rec.L10DB = model.Float(l10)
		}
		if rec.L50DB == nil {
			rec.L50DB = model.Float(l50)
		}
		if rec.L90DB == nil {
			rec.L90DB = model.Float(l90)
		}
	}
	if rec.DynamicRange == nil && rec.MaxDB != nil && rec.MinDB != nil {
		rec.DynamicRange = model.Float(*rec.MaxDB - *rec.MinDB)
	}
}

func (m *Monitor) evaluate(d config.DetectionConfig, rec model.Record) (model.Anomaly, bool) {
	if rec.Status != model.StatusOK || rec.AnomalyScore < d.AnomalyThreshold {
		return model.Anomaly{}, false
	}
	if !m.cooldown.Allow(rec.Source, rec.Timestamp, d.AlertCooldown) {
		return model.Anomaly{}, false
	}
	severity := SeverityWarning
	if rec.AnomalyScore >= 2*d.AnomalyThreshold {
		severity = SeverityCritical
	}
	return model.Anomaly{
		Timestamp:     rec.Timestamp,
		MeasurementID: rec.ID,
		Source:        rec.Source,
		Level:         rec.Level(),
		Score:         rec.AnomalyScore,
		Threshold:     d.AnomalyThreshold,
		Severity:      severity,
		Snippet:       rec.AnomalyScore >= d.SnippetThreshold,
	}, true
}

func (m *Monitor) raise(ctx context.Context, cfg *config.Config, a *model.Anomaly) {
	m.anomalies.Add(1)
	if m.deps.Store != nil {
		sctx, cancel := storeContext(ctx, cfg)
		if _, err := m.deps.Store.SaveAnomaly(sctx, *a); err != nil {
			m.storeError("save_anomaly", err)
		}
		cancel()
	}
	if m.deps.Alerts != nil {
		m.deps.Alerts.Add(*a)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveAnomaly(*a)
	}
	if m.deps.Logger != nil {
		m.deps.Logger.Warn("anomaly detected",
			"source", a.Source,
			"measurement_id", a.MeasurementID,
			"level_db", a.Level,
			"score", a.Score,
			"severity", a.Severity,
			"snippet", a.Snippet,
		)
	}
	if m.deps.Publisher != nil {
		if err := m.deps.Publisher.PublishAnomaly(ctx, *a); err != nil {
			m.storeError("publish_anomaly", err)
		}
	}
}

func (m *Monitor) logRecord(rec model.Record) {
	if m.deps.Logger == nil {
		return
	}
	if rec.Status != model.StatusOK {
		m.deps.Logger.Warn("measurement stored", "id", rec.ID, "source", rec.Source, "status", rec.Status)
		return
	}
	attrs := []any{
		"id", rec.ID,
		"source", rec.Source,
		"mean_db", *rec.MeanDB,
		"anomaly", rec.AnomalyScore,
	}
	if rec.MaxDB != nil {
		attrs = append(attrs, "max_db", *rec.MaxDB)
	}
	if rec.SilencePct != nil {
		attrs = append(attrs, "silence_pct", *rec.SilencePct)
	}
	for band, v := range rec.Bands {
		attrs = append(attrs, band, v)
	}
	m.deps.Logger.Info("measurement stored", attrs...)
}

func storeContext(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.Storage.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Storage.Timeout)
}

func (m *Monitor) storeError(op string, err error) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.StoreError(op)
	}
	if m.deps.Logger != nil {
		m.deps.Logger.Error("monitor "+op+" failed", "err", err)
	}
}

func (m *Monitor) Counts() Counts {
	return Counts{
		Measurements: m.measurements.Load(),
		Errors:       m.errors.Load(),
		Anomalies:    m.anomalies.Load(),
		Duplicates:   m.duplicates.Load(),
	}
}

// Reset drops per-source state: level history, cooldowns and seen records.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.levels = make(map[string]*levelTracker)
	m.mu.Unlock()
	m.cooldown.Reset()
	m.dedupe.Reset()
}
