package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
	"noisemon/internal/spectrum"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveMeasurement(ctx context.Context, rec model.Record) (int64, error)
	RecentMeasurements(ctx context.Context, limit int, maxAge time.Duration) ([]model.Measurement, error)
	RecentRecords(ctx context.Context, limit int) ([]model.Record, error)
	BaselineRow(ctx context.Context, dayOfWeek, hour int) (model.BaselineRow, error)
	BaselineRows(ctx context.Context) ([]model.BaselineRow, error)
	UpdateBaselineRow(ctx context.Context, row model.BaselineRow) error
	SaveAnomaly(ctx context.Context, a model.Anomaly) (int64, error)
	Anomalies(ctx context.Context, since time.Time, limit int) ([]model.Anomaly, error)
}

// Seed values of an hourly baseline row that has not seen any data.
const (
	SeedMean = -40.0
	SeedStd  = 10.0
)

func NewStore(cfg config.StorageConfig, codec spectrum.Codec) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN, codec)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, codec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// baseStore holds the queries shared by both drivers. Queries are written
// with ? placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	codec    spectrum.Codec
	numbered bool
	now      func() time.Time
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// seedBaseline inserts the neutral 7x24 rows, leaving existing rows alone.
func (b *baseStore) seedBaseline(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.q(
		`INSERT INTO baseline (day_of_week, hour, mean_db_avg, mean_db_std, samples, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (day_of_week, hour) DO NOTHING`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := b.now().UnixMilli()
	for dow := 0; dow < 7; dow++ {
		for hour := 0; hour < 24; hour++ {
			if _, err := stmt.ExecContext(ctx, dow, hour, SeedMean, SeedStd, now); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("seed baseline: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveMeasurement(ctx context.Context, rec model.Record) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	status := rec.Status
	if status == "" {
		status = model.StatusOK
	}
	var bands any
	if len(rec.Bands) > 0 {
		bands = encodeJSON(rec.Bands)
	}
	var blob any
	if enc := b.codec.Encode(rec.Spectrum); len(enc) > 0 {
		blob = enc
	}
	var id int64
	err := b.db.QueryRowContext(ctx, b.q(
		`INSERT INTO measurements (ts, source, mean_db, max_db, min_db, l10_db, l50_db, l90_db,
			bands_json, spectral_centroid, spectral_flatness, dominant_freq, silence_pct, dynamic_range,
			spectrum, sample_seconds, anomaly_score, status, annotation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		ts.UnixMilli(),
		rec.Source,
		arg(rec.MeanDB),
		arg(rec.MaxDB),
		arg(rec.MinDB),
		arg(rec.L10DB),
		arg(rec.L50DB),
		arg(rec.L90DB),
		bands,
		arg(rec.Centroid),
		arg(rec.Flatness),
		arg(rec.DominantFreq),
		arg(rec.SilencePct),
		arg(rec.DynamicRange),
		blob,
		rec.SampleSeconds,
		rec.AnomalyScore,
		string(status),
		rec.Annotation,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save measurement: %w", err)
	}
	return id, nil
}

// RecentMeasurements returns valid levels newest-first. A non-positive
// maxAge disables the age filter.
func (b *baseStore) RecentMeasurements(ctx context.Context, limit int, maxAge time.Duration) ([]model.Measurement, error) {
	if b.db == nil || limit <= 0 {
		return nil, nil
	}
	var cutoff int64
	if maxAge > 0 {
		cutoff = b.now().Add(-maxAge).UnixMilli()
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT ts, mean_db FROM measurements
		WHERE status = ? AND mean_db IS NOT NULL AND ts >= ?
		ORDER BY ts DESC LIMIT ?`),
		string(model.StatusOK), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()
	var out []model.Measurement
	for rows.Next() {
		var ts int64
		var level float64
		if err := rows.Scan(&ts, &level); err != nil {
			return nil, err
		}
		out = append(out, model.Measurement{Timestamp: fromMillis(ts), Level: level})
	}
	return out, rows.Err()
}

func (b *baseStore) RecentRecords(ctx context.Context, limit int) ([]model.Record, error) {
	if b.db == nil || limit <= 0 {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT id, ts, source, mean_db, max_db, min_db, l10_db, l50_db, l90_db,
			bands_json, spectral_centroid, spectral_flatness, dominant_freq, silence_pct, dynamic_range,
			spectrum, sample_seconds, anomaly_score, status, annotation
		FROM measurements ORDER BY ts DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		rec, err := b.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *baseStore) scanRecord(rows *sql.Rows) (model.Record, error) {
	var rec model.Record
	var ts int64
	var source, bands, annotation sql.NullString
	var meanDB, maxDB, minDB, l10, l50, l90 sql.NullFloat64
	var centroid, flatness, dominant, silence, dynamicRange sql.NullFloat64
	var sampleSeconds, score sql.NullFloat64
	var blob []byte
	var status string
	if err := rows.Scan(&rec.ID, &ts, &source, &meanDB, &maxDB, &minDB, &l10, &l50, &l90,
		&bands, &centroid, &flatness, &dominant, &silence, &dynamicRange,
		&blob, &sampleSeconds, &score, &status, &annotation); err != nil {
		return rec, err
	}
	rec.Timestamp = fromMillis(ts)
	rec.Source = source.String
	rec.MeanDB = nullable(meanDB)
	rec.MaxDB = nullable(maxDB)
	rec.MinDB = nullable(minDB)
	rec.L10DB = nullable(l10)
	rec.L50DB = nullable(l50)
	rec.L90DB = nullable(l90)
	rec.Centroid = nullable(centroid)
	rec.Flatness = nullable(flatness)
	rec.DominantFreq = nullable(dominant)
	rec.SilencePct = nullable(silence)
	rec.DynamicRange = nullable(dynamicRange)
	rec.SampleSeconds = sampleSeconds.Float64
	rec.AnomalyScore = score.Float64
	rec.Status = model.Status(status)
	rec.Annotation = annotation.String
	if bands.Valid && bands.String != "" {
		if err := json.Unmarshal([]byte(bands.String), &rec.Bands); err != nil {
			return rec, fmt.Errorf("decode bands of measurement %d: %w", rec.ID, err)
		}
	}
	spec, err := b.codec.Decode(blob)
	if err != nil {
		return rec, fmt.Errorf("measurement %d: %w", rec.ID, err)
	}
	rec.Spectrum = spec
	return rec, nil
}

func (b *baseStore) BaselineRow(ctx context.Context, dayOfWeek, hour int) (model.BaselineRow, error) {
	row := model.BaselineRow{DayOfWeek: dayOfWeek, Hour: hour}
	if b.db == nil {
		return row, sql.ErrNoRows
	}
	var updated int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT mean_db_avg, mean_db_std, samples, updated_at FROM baseline
		WHERE day_of_week = ? AND hour = ?`), dayOfWeek, hour).
		Scan(&row.Mean, &row.Std, &row.Samples, &updated)
	if err != nil {
		return row, fmt.Errorf("baseline row %d/%d: %w", dayOfWeek, hour, err)
	}
	row.UpdatedAt = fromMillis(updated)
	return row, nil
}

func (b *baseStore) BaselineRows(ctx context.Context) ([]model.BaselineRow, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT day_of_week, hour, mean_db_avg, mean_db_std, samples, updated_at FROM baseline
		ORDER BY day_of_week, hour`)
	if err != nil {
		return nil, fmt.Errorf("query baseline: %w", err)
	}
	defer rows.Close()
	var out []model.BaselineRow
	for rows.Next() {
		var row model.BaselineRow
		var updated int64
		if err := rows.Scan(&row.DayOfWeek, &row.Hour, &row.Mean, &row.Std, &row.Samples, &updated); err != nil {
			return nil, err
		}
		row.UpdatedAt = fromMillis(updated)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (b *baseStore) UpdateBaselineRow(ctx context.Context, row model.BaselineRow) error {
	if b.db == nil {
		return nil
	}
	if row.DayOfWeek < 0 || row.DayOfWeek > 6 || row.Hour < 0 || row.Hour > 23 {
		return fmt.Errorf("baseline slot out of range: %d/%d", row.DayOfWeek, row.Hour)
	}
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = b.now()
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO baseline (day_of_week, hour, mean_db_avg, mean_db_std, samples, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (day_of_week, hour) DO UPDATE SET
			mean_db_avg = excluded.mean_db_avg,
			mean_db_std = excluded.mean_db_std,
			samples = excluded.samples,
			updated_at = excluded.updated_at`),
		row.DayOfWeek, row.Hour, row.Mean, row.Std, row.Samples, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("update baseline: %w", err)
	}
	return nil
}

func (b *baseStore) SaveAnomaly(ctx context.Context, a model.Anomaly) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	snippet := 0
	if a.Snippet {
		snippet = 1
	}
	var measurementID any
	if a.MeasurementID > 0 {
		measurementID = a.MeasurementID
	}
	var id int64
	err := b.db.QueryRowContext(ctx, b.q(
		`INSERT INTO anomalies (ts, measurement_id, source, level, score, threshold, severity, snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.Timestamp.UnixMilli(),
		measurementID,
		a.Source,
		a.Level,
		a.Score,
		a.Threshold,
		a.Severity,
		snippet,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save anomaly: %w", err)
	}
	return id, nil
}

// Anomalies returns events at or after since, newest-first.
func (b *baseStore) Anomalies(ctx context.Context, since time.Time, limit int) ([]model.Anomaly, error) {
	if b.db == nil || limit <= 0 {
		return nil, nil
	}
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixMilli()
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT ts, measurement_id, source, level, score, threshold, severity, snippet
		FROM anomalies WHERE ts >= ? ORDER BY ts DESC, id DESC LIMIT ?`), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()
	var out []model.Anomaly
	for rows.Next() {
		var (
			a             model.Anomaly
			ts            int64
			measurementID sql.NullInt64
			source        sql.NullString
			snippet       int64
		)
		if err := rows.Scan(&ts, &measurementID, &source, &a.Level, &a.Score, &a.Threshold, &a.Severity, &snippet); err != nil {
			return nil, err
		}
		a.Timestamp = fromMillis(ts)
		a.MeasurementID = measurementID.Int64
		a.Source = source.String
		a.Snippet = snippet != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// arg turns an optional feature into a driver value.
func arg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return model.Float(v.Float64)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
