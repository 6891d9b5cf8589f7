package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"noisemon/internal/spectrum"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, codec spectrum.Codec) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:noisy.db?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db, codec: codec, now: nowUTC}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS measurements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			source TEXT,
			mean_db REAL,
			max_db REAL,
			min_db REAL,
			l10_db REAL,
			l50_db REAL,
			l90_db REAL,
			bands_json TEXT,
			spectral_centroid REAL,
			spectral_flatness REAL,
			dominant_freq REAL,
			silence_pct REAL,
			dynamic_range REAL,
			spectrum BLOB,
			sample_seconds REAL,
			anomaly_score REAL,
			status TEXT NOT NULL DEFAULT 'ok',
			annotation TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_ts ON measurements(ts)`,
		`CREATE TABLE IF NOT EXISTS baseline (
			day_of_week INTEGER NOT NULL,
			hour INTEGER NOT NULL,
			mean_db_avg REAL NOT NULL,
			mean_db_std REAL NOT NULL,
			samples INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (day_of_week, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			measurement_id INTEGER REFERENCES measurements(id),
			source TEXT,
			level REAL NOT NULL,
			score REAL NOT NULL,
			threshold REAL NOT NULL,
			severity TEXT NOT NULL,
			snippet INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
	}
	if err := s.exec(ctx, stmts); err != nil {
		return err
	}
	return s.seedBaseline(ctx)
}
