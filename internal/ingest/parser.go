package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"noisemon/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_][a-zA-Z0-9_]*)=([^\s]+)`)
)

// Parser turns one line of capture output into record fields. It accepts
// JSON objects, CSV with or without a header, and key=value text.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.RecordFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*normalize.RecordFields, error) {
	fields := &normalize.RecordFields{Values: map[string]string{}}
	ts, rest := extractTimestamp(line)

	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		fields.Values[strings.ToLower(match[1])] = match[2]
	}
	if err := liftKnown(fields, fields.Values); err != nil {
		return nil, err
	}
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.Source == "" && rest != "" {
		if tok := strings.Fields(rest); len(tok) > 0 && !strings.Contains(tok[0], "=") {
			fields.Source = tok[0]
		}
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header line it sees. Without a header the
// columns are timestamp, mean_db, max_db, min_db.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var positionalColumns = []string{"timestamp", "mean_db", "max_db", "min_db"}

func (p *CSVParser) Parse(line string) (*normalize.RecordFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = positionalColumns
	}
	fields := &normalize.RecordFields{Values: map[string]string{}}
	for i, name := range header {
		if i >= len(record) {
			break
		}
		fields.Values[name] = strings.TrimSpace(record[i])
	}
	if err := liftKnown(fields, fields.Values); err != nil {
		return nil, err
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "timestamp", "time", "ts", "source", "status":
			return true
		}
		if normalize.IsFeatureKey(v) {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
