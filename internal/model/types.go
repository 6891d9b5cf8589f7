package model

import (
	"math"
	"time"
)

type Status string

const (
	StatusOK           Status = "ok"
	StatusCaptureError Status = "capture_error"
)

// Measurement is the input of the anomaly model. A NaN Level means the
// reading is missing.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	Level     float64   `json:"level"`
	Spectrum  []float64 `json:"spectrum,omitempty"`
}

func (m Measurement) Valid() bool {
	return ValidLevel(m.Level)
}

func ValidLevel(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Record is one per-interval feature record as produced by the capture side
// and stored in the measurements table. Optional features are nil when the
// extractor did not provide them.
type Record struct {
	ID            int64              `json:"id,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	Source        string             `json:"source,omitempty"`
	MeanDB        *float64           `json:"mean_db"`
	MaxDB         *float64           `json:"max_db,omitempty"`
	MinDB         *float64           `json:"min_db,omitempty"`
	L10DB         *float64           `json:"l10_db,omitempty"`
	L50DB         *float64           `json:"l50_db,omitempty"`
	L90DB         *float64           `json:"l90_db,omitempty"`
	Bands         map[string]float64 `json:"bands,omitempty"`
	Centroid      *float64           `json:"spectral_centroid,omitempty"`
	Flatness      *float64           `json:"spectral_flatness,omitempty"`
	DominantFreq  *float64           `json:"dominant_freq,omitempty"`
	SilencePct    *float64           `json:"silence_pct,omitempty"`
	DynamicRange  *float64           `json:"dynamic_range,omitempty"`
	Spectrum      []float64          `json:"spectrum,omitempty"`
	SampleSeconds float64            `json:"sample_seconds,omitempty"`
	AnomalyScore  float64            `json:"anomaly_score"`
	Status        Status             `json:"status"`
	Annotation    string             `json:"annotation,omitempty"`
}

// Level returns the mean level or NaN when it is missing.
func (r Record) Level() float64 {
	if r.MeanDB == nil {
		return math.NaN()
	}
	return *r.MeanDB
}

func (r Record) Measurement() Measurement {
	return Measurement{Timestamp: r.Timestamp, Level: r.Level(), Spectrum: r.Spectrum}
}

// BaselineRow is the durable hourly summary of the seasonal profile.
// DayOfWeek is 0 for Monday through 6 for Sunday.
type BaselineRow struct {
	DayOfWeek int       `json:"day_of_week"`
	Hour      int       `json:"hour"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Anomaly struct {
	Timestamp     time.Time `json:"timestamp"`
	MeasurementID int64     `json:"measurement_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	Level         float64   `json:"level"`
	Score         float64   `json:"score"`
	Threshold     float64   `json:"threshold"`
	Severity      string    `json:"severity"`
	Snippet       bool      `json:"snippet"`
}

func Float(v float64) *float64 {
	return &v
}
