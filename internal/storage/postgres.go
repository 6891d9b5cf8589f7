package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"noisemon/internal/spectrum"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, codec spectrum.Codec) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/noisemon?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, codec: codec, numbered: true, now: nowUTC}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS measurements (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			source TEXT,
			mean_db DOUBLE PRECISION,
			max_db DOUBLE PRECISION,
			min_db DOUBLE PRECISION,
			l10_db DOUBLE PRECISION,
			l50_db DOUBLE PRECISION,
			l90_db DOUBLE PRECISION,
			bands_json TEXT,
			spectral_centroid DOUBLE PRECISION,
			spectral_flatness DOUBLE PRECISION,
			dominant_freq DOUBLE PRECISION,
			silence_pct DOUBLE PRECISION,
			dynamic_range DOUBLE PRECISION,
			spectrum BYTEA,
			sample_seconds DOUBLE PRECISION,
			anomaly_score DOUBLE PRECISION,
			status TEXT NOT NULL DEFAULT 'ok',
			annotation TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_ts ON measurements(ts)`,
		`CREATE TABLE IF NOT EXISTS baseline (
			day_of_week SMALLINT NOT NULL,
			hour SMALLINT NOT NULL,
			mean_db_avg DOUBLE PRECISION NOT NULL,
			mean_db_std DOUBLE PRECISION NOT NULL,
			samples INTEGER NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (day_of_week, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			measurement_id BIGINT REFERENCES measurements(id),
			source TEXT,
			level DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			snippet SMALLINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
	}
	if err := s.exec(ctx, stmts); err != nil {
		return err
	}
	return s.seedBaseline(ctx)
}
