package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"noisemon/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.RecordFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj)
}

// ParseJSONMap flattens a JSON record. A nested "bands" object becomes
// band_* values and "spectrum" may be an array of numbers.
func ParseJSONMap(obj map[string]interface{}) (*normalize.RecordFields, error) {
	fields := &normalize.RecordFields{Values: map[string]string{}}
	for key, val := range obj {
		key = strings.ToLower(strings.TrimSpace(key))
		switch v := val.(type) {
		case nil:
			continue
		case map[string]interface{}:
			if key != "bands" {
				continue
			}
			for name, bv := range v {
				name = strings.ToLower(name)
				if !strings.HasPrefix(name, "band_") {
					name = "band_" + name
				}
				if bv != nil {
					fields.Values[name] = fmt.Sprint(bv)
				}
			}
		case []interface{}:
			if key != "spectrum" {
				continue
			}
			spec := make([]float64, 0, len(v))
			for _, item := range v {
				f, ok := item.(float64)
				if !ok {
					return nil, fmt.Errorf("spectrum value %v is not a number", item)
				}
				spec = append(spec, f)
			}
			fields.Spectrum = spec
		case float64:
			fields.Values[key] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			fields.Values[key] = fmt.Sprint(v)
		}
	}
	if err := liftKnown(fields, fields.Values); err != nil {
		return nil, err
	}
	return fields, nil
}

// liftKnown moves the descriptive keys out of kv into their fields.
func liftKnown(fields *normalize.RecordFields, kv map[string]string) error {
	fields.Timestamp = firstNonEmpty(kv, "timestamp", "time", "ts", "unix_time")
	fields.Source = firstNonEmpty(kv, "source", "device", "sensor", "mic")
	fields.Status = firstNonEmpty(kv, "status", "result")
	fields.Error = firstNonEmpty(kv, "error", "err", "capture_error")
	fields.Annotation = firstNonEmpty(kv, "annotation", "note")
	if fields.Spectrum == nil {
		if raw := firstNonEmpty(kv, "spectrum"); raw != "" {
			spec, err := normalize.ParseSpectrum(raw)
			if err != nil {
				return err
			}
			fields.Spectrum = spec
		}
	}
	return nil
}
