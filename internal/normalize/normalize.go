package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

// RecordFields is a loosely typed feature record as parsed from a line or a
// JSON object. Values holds every other key, lowercased.
type RecordFields struct {
	Timestamp  string
	Source     string
	Status     string
	Error      string
	Annotation string
	Values     map[string]string
	Spectrum   []float64
	Raw        string
}

var featureAliases = map[string][]string{
	"mean_db":           {"mean_db", "mean", "level", "leq", "db"},
	"max_db":            {"max_db", "max", "peak_db"},
	"min_db":            {"min_db", "min"},
	"l10_db":            {"l10_db", "l10"},
	"l50_db":            {"l50_db", "l50"},
	"l90_db":            {"l90_db", "l90"},
	"spectral_centroid": {"spectral_centroid", "centroid"},
	"spectral_flatness": {"spectral_flatness", "flatness"},
	"dominant_freq":     {"dominant_freq", "dominant"},
	"silence_pct":       {"silence_pct", "silence"},
	"dynamic_range":     {"dynamic_range"},
	"sample_seconds":    {"sample_seconds", "duration", "seconds"},
}

// IsFeatureKey reports whether key is a known scalar feature or a band.
func IsFeatureKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(key, "band_") {
		return true
	}
	for _, aliases := range featureAliases {
		for _, a := range aliases {
			if a == key {
				return true
			}
		}
	}
	return false
}

func Normalize(fields RecordFields, cfg *config.Config) (model.Record, error) {
	source := strings.TrimSpace(fields.Source)
	if source == "" {
		source = cfg.Ingest.Parser.DefaultSource
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := config.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Record{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	rec := model.Record{
		Timestamp:  ts,
		Source:     source,
		Spectrum:   fields.Spectrum,
		Annotation: strings.TrimSpace(fields.Annotation),
	}
	targets := map[string]**float64{
		"mean_db":           &rec.MeanDB,
		"max_db":            &rec.MaxDB,
		"min_db":            &rec.MinDB,
		"l10_db":            &rec.L10DB,
		"l50_db":            &rec.L50DB,
		"l90_db":            &rec.L90DB,
		"spectral_centroid": &rec.Centroid,
		"spectral_flatness": &rec.Flatness,
		"dominant_freq":     &rec.DominantFreq,
		"silence_pct":       &rec.SilencePct,
		"dynamic_range":     &rec.DynamicRange,
	}
	for name, dst := range targets {
		v, err := lookupFloat(fields.Values, featureAliases[name]...)
		if err != nil {
			return model.Record{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = v
	}
	if v, err := lookupFloat(fields.Values, featureAliases["sample_seconds"]...); err != nil {
		return model.Record{}, fmt.Errorf("parse sample_seconds: %w", err)
	} else if v != nil {
		rec.SampleSeconds = *v
	}
	for key, raw := range fields.Values {
		if !strings.HasPrefix(key, "band_") {
			continue
		}
		v, err := ParseFloat(raw)
		if err != nil {
			return model.Record{}, fmt.Errorf("parse %s: %w", key, err)
		}
		if v == nil {
			continue
		}
		if rec.Bands == nil {
			rec.Bands = map[string]float64{}
		}
		rec.Bands[key] = *v
	}

	rec.Status = ParseStatus(fields.Status, fields.Error)
	if rec.MeanDB == nil {
		rec.Status = model.StatusCaptureError
	}
	return rec, nil
}

// ParseStatus maps a capture status and error text onto a record status.
func ParseStatus(status string, errText string) model.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "error", "capture_error", "fail", "failure", "failed":
		return model.StatusCaptureError
	}
	if strings.TrimSpace(errText) != "" {
		return model.StatusCaptureError
	}
	return model.StatusOK
}

// ParseFloat returns nil for empty, null and NaN values.
func ParseFloat(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "null", "none", "<nil>", "nan", "-":
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, nil
	}
	return &v, nil
}

func lookupFloat(values map[string]string, keys ...string) (*float64, error) {
	for _, k := range keys {
		raw, ok := values[k]
		if !ok {
			continue
		}
		return ParseFloat(raw)
	}
	return nil, nil
}

// ParseSpectrum accepts a JSON array or a list of numbers separated by
// semicolons, spaces or pipes.
func ParseSpectrum(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []float64
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("parse spectrum: %w", err)
		}
		return out, nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ' ' || r == '|' || r == '\t'
	})
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("parse spectrum: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if hasZone(layout) {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func hasZone(layout string) bool {
	return strings.Contains(layout, "Z07") || strings.Contains(layout, "-07")
}

func isNumeric(value string) bool {
	dot := false
	for i, ch := range value {
		if ch == '.' && !dot && i > 0 {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads seconds, fractional seconds or milliseconds since the
// epoch.
func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
