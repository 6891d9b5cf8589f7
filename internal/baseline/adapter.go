package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"noisemon/internal/anomaly"
	"noisemon/internal/config"
	"noisemon/internal/model"
)

// Store is the part of the storage layer the adapter needs.
type Store interface {
	RecentMeasurements(ctx context.Context, limit int, maxAge time.Duration) ([]model.Measurement, error)
	BaselineRows(ctx context.Context) ([]model.BaselineRow, error)
	UpdateBaselineRow(ctx context.Context, row model.BaselineRow) error
}

type HourlySource interface {
	Hourly() [7][24]anomaly.Bin
}

type table struct {
	rows [7][24]model.BaselineRow
	has  [7][24]bool
}

// Adapter connects the detector to durable storage: it replays history at
// startup, flushes hourly rows periodically and serves stored rows as a
// seasonal prior.
type Adapter struct {
	store   Store
	cfg     config.DetectionConfig
	timeout time.Duration
	loc     *time.Location
	logger  *slog.Logger
	clock   Clock
	cache   *Cache[table]
}

func NewAdapter(store Store, cfg config.DetectionConfig, timeout time.Duration, logger *slog.Logger) (*Adapter, error) {
	return newAdapter(store, cfg, timeout, logger, SystemClock)
}

func newAdapter(store Store, cfg config.DetectionConfig, timeout time.Duration, logger *slog.Logger, clock Clock) (*Adapter, error) {
	config.ApplyDetectionDefaults(&cfg)
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		store:   store,
		cfg:     cfg,
		timeout: timeout,
		loc:     loc,
		logger:  logger,
		clock:   clock,
		cache:   NewCache[table](cfg.CacheTTL, clock),
	}, nil
}

// LoadHistory reads replay history oldest-first. Storage errors are logged
// and the affected part is left empty.
func (a *Adapter) LoadHistory(ctx context.Context) (anomaly.History, error) {
	var hist anomaly.History
	if a.store == nil {
		return hist, nil
	}
	profile, err := a.recent(ctx, a.cfg.ProfileHistoryLimit, a.cfg.ProfileLookback)
	if err != nil {
		a.warn("profile history unavailable", err)
	}
	window, err := a.recent(ctx, a.cfg.WindowSize, a.cfg.WindowLookback)
	if err != nil {
		a.warn("window history unavailable", err)
	}
	hist.Profile = profile
	hist.Window = window

	if len(profile) == 0 && a.cfg.PersistBaseline {
		rows, err := a.rows(ctx)
		if err != nil {
			a.warn("baseline rows unavailable", err)
		} else {
			hist.Rows = rows
			a.cache.Set(buildTable(rows))
		}
	}
	if a.logger != nil {
		a.logger.Info("history loaded",
			"profile_rows", len(hist.Profile),
			"window_rows", len(hist.Window),
			"baseline_rows", len(hist.Rows),
		)
	}
	return hist, nil
}

func (a *Adapter) recent(ctx context.Context, limit int, maxAge time.Duration) ([]model.Measurement, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	rows, err := a.store.RecentMeasurements(ctx, limit, maxAge)
	if err != nil {
		return nil, fmt.Errorf("recent measurements: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (a *Adapter) rows(ctx context.Context) ([]model.BaselineRow, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	rows, err := a.store.BaselineRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("baseline rows: %w", err)
	}
	return rows, nil
}

// Run flushes src every flush interval until ctx is done, with a last flush
// on the way out. It returns immediately when persistence is disabled.
func (a *Adapter) Run(ctx context.Context, src HourlySource) {
	if a.store == nil || !a.cfg.PersistBaseline || a.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
			a.flushAndLog(flushCtx, src)
			cancel()
			return
		case <-ticker.C:
			a.flushAndLog(ctx, src)
		}
	}
}

func (a *Adapter) flushAndLog(ctx context.Context, src HourlySource) {
	n, err := a.Flush(ctx, src)
	if err != nil {
		a.warn("baseline flush failed", err)
	}
	if a.logger != nil && n > 0 {
		a.logger.Debug("baseline flushed", "rows", n)
	}
}

// Flush writes every hour of src that holds at least one measurement as a
// baseline row and drops the cached rows. Bin weight is the sample count.
// It returns the number of rows written.
func (a *Adapter) Flush(ctx context.Context, src HourlySource) (int, error) {
	if a.store == nil || src == nil {
		return 0, nil
	}
	hourly := src.Hourly()
	now := a.clock.Now().UTC()
	written := 0
	var errs []error
	for day := range hourly {
		for hour, bin := range hourly[day] {
			mean, std, ok := bin.Stats(1, a.cfg.ProfileStdFallback)
			if !ok {
				continue
			}
			row := model.BaselineRow{
				DayOfWeek: day,
				Hour:      hour,
				Mean:      mean,
				Std:       std,
				Samples:   int(math.Round(bin.Weight)),
				UpdatedAt: now,
			}
			if err := a.update(ctx, row); err != nil {
				errs = append(errs, err)
				continue
			}
			written++
		}
	}
	a.cache.Invalidate()
	return written, errors.Join(errs...)
}

func (a *Adapter) update(ctx context.Context, row model.BaselineRow) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.UpdateBaselineRow(ctx, row); err != nil {
		return fmt.Errorf("update baseline %d/%d: %w", row.DayOfWeek, row.Hour, err)
	}
	return nil
}

// Lookup returns the stored row for the hour of ts when it carries enough
// samples. Rows are cached for the configured TTL.
func (a *Adapter) Lookup(ts time.Time) (mean, std float64, ok bool) {
	if a.store == nil {
		return 0, 0, false
	}
	tbl, err := a.cache.GetOrLoad(context.Background(), a.loadTable)
	if err != nil {
		a.warn("baseline lookup failed", err)
		if a.cache.Stale() {
			// no earlier rows: cache the empty table for one TTL
			a.cache.Set(table{})
			return 0, 0, false
		}
	}
	t := ts.In(a.loc)
	day, hour := anomaly.Weekday(t.Weekday()), t.Hour()
	if !tbl.has[day][hour] {
		return 0, 0, false
	}
	row := tbl.rows[day][hour]
	if row.Samples < a.cfg.MinPriorSamples {
		return 0, 0, false
	}
	std = row.Std
	if std <= 0 {
		std = a.cfg.ProfileStdFallback
	}
	return row.Mean, std, true
}

// Rows returns the stored rows through the cache.
func (a *Adapter) Rows(ctx context.Context) ([]model.BaselineRow, error) {
	if a.store == nil {
		return nil, nil
	}
	tbl, err := a.cache.GetOrLoad(ctx, a.loadTable)
	if err != nil {
		return nil, err
	}
	var out []model.BaselineRow
	for day := range tbl.rows {
		for hour := range tbl.rows[day] {
			if tbl.has[day][hour] {
				out = append(out, tbl.rows[day][hour])
			}
		}
	}
	return out, nil
}

// RowsFetchedAt reports when the cached rows were last read from storage.
// It is zero until the first read.
func (a *Adapter) RowsFetchedAt() time.Time {
	return a.cache.FetchedAt()
}

func (a *Adapter) loadTable(ctx context.Context) (table, error) {
	rows, err := a.rows(ctx)
	if err != nil {
		return table{}, err
	}
	return buildTable(rows), nil
}

func buildTable(rows []model.BaselineRow) table {
	var t table
	for _, row := range rows {
		if row.DayOfWeek < 0 || row.DayOfWeek > 6 || row.Hour < 0 || row.Hour > 23 {
			continue
		}
		t.rows[row.DayOfWeek][row.Hour] = row
		t.has[row.DayOfWeek][row.Hour] = true
	}
	return t
}

func (a *Adapter) warn(msg string, err error) {
	if a.logger != nil {
		a.logger.Warn(msg, "err", err)
	}
}
