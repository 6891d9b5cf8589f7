package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := "2026-02-23 12:34:56 mic1 mean_db=-41.5 max_db=-30 l90_db=-48 band_0_200=-55.2"
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "2026-02-23 12:34:56", fields.Timestamp)
	assert.Equal(t, "mic1", fields.Source)
	assert.Equal(t, "-41.5", fields.Values["mean_db"])
	assert.Equal(t, "-55.2", fields.Values["band_0_200"])
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("timestamp,source,mean_db,l50_db,status")
	require.NoError(t, err)
	assert.Nil(t, fields, "header lines yield no record")

	fields, err = p.ParseLine("2026-02-23T12:34:56Z,mic2,-39.25,-41,ok")
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "mic2", fields.Source)
	assert.Equal(t, "-39.25", fields.Values["mean_db"])
	assert.Equal(t, "-41", fields.Values["l50_db"])
	assert.Equal(t, "ok", fields.Status)
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("2026-02-23T12:34:56Z,-39.25,-20,-60")
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "2026-02-23T12:34:56Z", fields.Timestamp)
	assert.Equal(t, "-39.25", fields.Values["mean_db"])
	assert.Equal(t, "-60", fields.Values["min_db"])
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":1772452800.5,"device":"mic3","mean_db":-42.5,"bands":{"0_200":-50,"band_200_500":-48},"spectrum":[-80,-70.5]}`
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "1772452800.5", fields.Timestamp)
	assert.Equal(t, "mic3", fields.Source)
	assert.Equal(t, "-42.5", fields.Values["mean_db"])
	assert.Equal(t, "-50", fields.Values["band_0_200"])
	assert.Equal(t, "-48", fields.Values["band_200_500"])
	assert.Equal(t, []float64{-80, -70.5}, fields.Spectrum)
}

func TestParseJSONRejectsBadSpectrum(t *testing.T) {
	_, err := ParseJSONBytes([]byte(`{"mean_db":-40,"spectrum":["loud"]}`))
	assert.Error(t, err)
}

func TestParseSkipsBlankAndComments(t *testing.T) {
	p := NewParser()
	for _, line := range []string{"", "   ", "# capture started"} {
		fields, err := p.ParseLine(line)
		require.NoError(t, err)
		assert.Nil(t, fields)
	}
}

func TestParseErrorStatus(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`2026-02-23 12:34:56 mic1 status=error error=device_busy`)
	require.NoError(t, err)
	assert.Equal(t, "error", fields.Status)
	assert.Equal(t, "device_busy", fields.Error)
}
