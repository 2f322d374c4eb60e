package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// csvColumns maps normalized CSV header names onto canonical record fields.
var csvColumns = map[string]string{
	"recipeid":     "recipeId",
	"recipe_id":    "recipeId",
	"recipe":       "recipeId",
	"product":      "recipeId",
	"batchno":      "batchNo",
	"batch_no":     "batchNo",
	"batch":        "batchNo",
	"lot":          "batchNo",
	"timestamp":    "timestamp",
	"time":         "timestamp",
	"sampled_at":   "timestamp",
	"measurements": "measurements",
	"samplesize":   "sampleSize",
	"sample_size":  "sampleSize",
	"operator":     "operator",
	"shift":        "shift",
	"notes":        "notes",
	"status":       "status",
}

// Columns that belong to exported records but are assigned by the store on import.
var csvIgnored = map[string]bool{"id": true, "createdat": true, "created_at": true, "updatedat": true, "updated_at": true}

func trimBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
}

// csvObjects reads a header row and one object per data row. Without a measurements column
// every other numeric column becomes a measurement.
func csvObjects(raw []byte, delim rune) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	if delim != 0 {
		r.Comma = delim
	}
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, malformed("CSV has no header row")
	}
	if err != nil {
		return nil, malformed("CSV header: %v", err)
	}

	fields := make([]string, len(header))
	wide := true
	for i, h := range header {
		name := strings.TrimSpace(h)
		if canon, ok := csvColumns[strings.ToLower(name)]; ok {
			fields[i] = canon
			if canon == "measurements" {
				wide = false
			}
			continue
		}
		if csvIgnored[strings.ToLower(name)] {
			continue
		}
		fields[i] = "+" + name
	}

	var out []map[string]any
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("CSV line %d: %v", line, err)
		}
		if blank(row) {
			continue
		}
		obj := map[string]any{}
		extra := map[string]any{}
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			switch f := fields[i]; {
			case f == "" || cell == "":
			case strings.HasPrefix(f, "+"):
				if wide {
					if _, err := toFloat(cell); err == nil {
						extra[f[1:]] = cell
					}
				}
			default:
				obj[f] = cell
			}
		}
		if wide {
			obj["measurements"] = extra
		}
		out = append(out, obj)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
