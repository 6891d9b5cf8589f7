package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest.Parser.Timezone = "UTC"
	return cfg
}

func TestNormalizeFeatures(t *testing.T) {
	rec, err := Normalize(RecordFields{
		Timestamp: "2026-03-02T10:00:00Z",
		Values: map[string]string{
			"level":       "-41.5",
			"max":         "-30",
			"l90_db":      "-48",
			"centroid":    "1200.5",
			"band_0_200":  "-55",
			"band_8k_24k": "nan",
			"duration":    "10",
		},
		Spectrum: []float64{-80, -70},
	}, testConfig())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, "capture", rec.Source)
	require.NotNil(t, rec.MeanDB)
	assert.Equal(t, -41.5, *rec.MeanDB)
	assert.Equal(t, -30.0, *rec.MaxDB)
	assert.Equal(t, -48.0, *rec.L90DB)
	assert.Nil(t, rec.MinDB)
	assert.Equal(t, 1200.5, *rec.Centroid)
	assert.Equal(t, map[string]float64{"band_0_200": -55}, rec.Bands)
	assert.Equal(t, 10.0, rec.SampleSeconds)
	assert.Equal(t, model.StatusOK, rec.Status)
	assert.Len(t, rec.Spectrum, 2)
}

func TestNormalizeMissingLevelIsCaptureError(t *testing.T) {
	rec, err := Normalize(RecordFields{Source: "mic1", Values: map[string]string{"mean_db": "null"}}, testConfig())
	require.NoError(t, err)
	assert.Nil(t, rec.MeanDB)
	assert.Equal(t, model.StatusCaptureError, rec.Status)
	assert.Equal(t, "mic1", rec.Source)
	assert.True(t, math.IsNaN(rec.Level()))
}

func TestNormalizeRejectsBadNumbers(t *testing.T) {
	_, err := Normalize(RecordFields{Values: map[string]string{"mean_db": "loud"}}, testConfig())
	assert.Error(t, err)
	_, err = Normalize(RecordFields{Timestamp: "yesterday", Values: map[string]string{"mean_db": "-40"}}, testConfig())
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, model.StatusOK, ParseStatus("", ""))
	assert.Equal(t, model.StatusOK, ParseStatus("ok", ""))
	assert.Equal(t, model.StatusCaptureError, ParseStatus("capture_error", ""))
	assert.Equal(t, model.StatusCaptureError, ParseStatus("", "device busy"))
}

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-02T10:00:00Z", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"2026-03-02 11:00:00", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"2026-03-02T11:00:00.250000", time.Date(2026, 3, 2, 10, 0, 0, 250*int(time.Millisecond), time.UTC)},
		{"1772445600", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"1772445600000", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"1772445600.5", time.Date(2026, 3, 2, 10, 0, 0, 500*int(time.Millisecond), time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in, loc)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "%s: got %s", tc.in, got)
	}
	_, err := ParseTimestamp("", loc)
	assert.Error(t, err)
}

func TestParseSpectrum(t *testing.T) {
	got, err := ParseSpectrum("[-80, -70.5]")
	require.NoError(t, err)
	assert.Equal(t, []float64{-80, -70.5}, got)

	got, err = ParseSpectrum("-80;-70.5;-60")
	require.NoError(t, err)
	assert.Equal(t, []float64{-80, -70.5, -60}, got)

	_, err = ParseSpectrum("-80;x")
	assert.Error(t, err)
}

func TestIsFeatureKey(t *testing.T) {
	assert.True(t, IsFeatureKey("mean_db"))
	assert.True(t, IsFeatureKey("L90"))
	assert.True(t, IsFeatureKey("band_1k_2k"))
	assert.False(t, IsFeatureKey("reader_id"))
}
