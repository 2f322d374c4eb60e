package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// aliases lists, per canonical field, the payload keys accepted for it in priority order.
type aliases struct {
	recipe       []string
	batch        []string
	timestamp    []string
	measurements []string
	sampleSize   []string
}

var canonical = aliases{
	recipe:       []string{"recipeId"},
	batch:        []string{"batchNo"},
	timestamp:    []string{"timestamp"},
	measurements: []string{"measurements"},
	sampleSize:   []string{"sampleSize"},
}

func (a aliases) with(extra aliases) aliases {
	return aliases{
		recipe:       append(append([]string{}, a.recipe...), extra.recipe...),
		batch:        append(append([]string{}, a.batch...), extra.batch...),
		timestamp:    append(append([]string{}, a.timestamp...), extra.timestamp...),
		measurements: append(append([]string{}, a.measurements...), extra.measurements...),
		sampleSize:   append(append([]string{}, a.sampleSize...), extra.sampleSize...),
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", schema.ErrMalformedSource, fmt.Sprintf(format, args...))
}

func decodeJSON(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	return v, nil
}

// lookup returns the first present, non-empty value among keys.
func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, err
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(t), 64); err != nil {
			return 0, fmt.Errorf("%q is not a number", t)
		}
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", v)
	}
	return f, nil
}

// parseMeasurements accepts a name→number object, its serialized text, or a list of
// {name, value} pairs.
func parseMeasurements(v any) (map[string]float64, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]float64, len(t))
		for name, raw := range t {
			f, err := toFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("measurement %q: %w", name, err)
			}
			out[name] = f
		}
		return out, nil
	case string:
		m, err := decodeMeasurementText(t)
		if err != nil {
			return nil, err
		}
		return parseMeasurements(m)
	case []any:
		out := make(map[string]float64, len(t))
		for i, item := range t {
			pair, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parameter %d is not an object", i)
			}
			name, _ := toString(pair["name"])
			if name == "" {
				return nil, fmt.Errorf("parameter %d has no name", i)
			}
			f, err := toFloat(pair["value"])
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			out[name] = f
		}
		return out, nil
	}
	return nil, errors.New("measurements must be an object")
}

// decodeMeasurementText parses a serialized measurements object. The text may still be a
// JSON string literal, or wrapped in an outer quote with doubled inner quotes as CSV
// writers produce; up to three layers are peeled.
func decodeMeasurementText(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	for i := 0; i < 3; i++ {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err == nil && m != nil {
			return m, nil
		}
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			s = strings.TrimSpace(inner)
			continue
		}
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			s = strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
			continue
		}
		break
	}
	return nil, errors.New("measurements is not a JSON object")
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// unixMillisThreshold separates unix seconds from unix milliseconds.
const unixMillisThreshold = 1e12

func fromUnix(n float64) time.Time {
	if math.Abs(n) >= unixMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// parseTime accepts the supported text layouts or unix seconds/milliseconds. An absent
// value yields the zero time, which the store replaces with the ingestion time.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return fromUnix(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromUnix(f), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %v", v)
}

// buildRecord maps one payload object onto the canonical record.
func buildRecord(obj map[string]any, a aliases, defaultNotes string) (schema.MeasurementRecord, error) {
	var rec schema.MeasurementRecord

	if v, ok := lookup(obj, a.recipe); ok {
		rec.RecipeID, _ = toString(v)
	}
	if rec.RecipeID == "" {
		return rec, errors.New("missing recipe id")
	}
	if v, ok := lookup(obj, a.batch); ok {
		rec.BatchNo, _ = toString(v)
	}
	if rec.BatchNo == "" {
		return rec, errors.New("missing batch number")
	}

	v, ok := lookup(obj, a.measurements)
	if !ok {
		return rec, errors.New("missing measurements")
	}
	m, err := parseMeasurements(v)
	if err != nil {
		return rec, err
	}
	if len(m) == 0 {
		return rec, errors.New("no measurements")
	}
	rec.Measurements = m

	ts, _ := lookup(obj, a.timestamp)
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return rec, err
	}

	if v, ok := lookup(obj, a.sampleSize); ok {
		f, err := toFloat(v)
		if err != nil {
			return rec, fmt.Errorf("sample size: %w", err)
		}
		if f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
			return rec, fmt.Errorf("sample size %v is not a positive integer", v)
		}
		rec.SampleSize = int(f)
	}

	rec.Operator = optionalString(obj, "operator")
	rec.Shift = optionalString(obj, "shift")
	rec.Notes = optionalString(obj, "notes")
	if rec.Notes == "" {
		rec.Notes = defaultNotes
	}
	if s := optionalString(obj, "status"); s != "" {
		rec.Status = schema.Status(strings.ToLower(s))
		if !rec.Status.Valid() {
			return rec, fmt.Errorf("unsupported status %q", s)
		}
	}
	return rec, nil
}

func optionalString(obj map[string]any, key string) string {
	v, ok := lookup(obj, []string{key})
	if !ok {
		return ""
	}
	s, _ := toString(v)
	return s
}

// objects converts a decoded JSON array into its object elements.
func objects(v any, what string) ([]map[string]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, malformed("%s must be an array", what)
	}
	out := make([]map[string]any, len(arr))
	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, malformed("%s[%d] is not an object", what, i)
		}
		out[i] = obj
	}
	return out, nil
}

// buildAll builds every object, failing on the first invalid one so nothing is stored.
func buildAll(kind Kind, objs []map[string]any, a aliases, notes func(map[string]any) string) ([]schema.MeasurementRecord, error) {
	if len(objs) == 0 {
		return nil, malformed("%s payload contains no records", kind)
	}
	out := make([]schema.MeasurementRecord, 0, len(objs))
	for i, obj := range objs {
		rec, err := buildRecord(obj, a, notes(obj))
		if err != nil {
			return nil, malformed("%s record %d: %v", kind, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func fixedNotes(s string) func(map[string]any) string {
	return func(map[string]any) string { return s }
}
