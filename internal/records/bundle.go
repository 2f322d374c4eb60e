package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Export snapshots the whole dataset.
func (s *Store) Export() (schema.Bundle, error) {
	recs, err := s.all()
	if err != nil {
		return schema.Bundle{}, err
	}
	limits, err := s.allLimits()
	if err != nil {
		return schema.Bundle{}, err
	}
	return schema.Bundle{
		ExportedAt: s.now(),
		Dataset:    s.dataset,
		Data:       recs,
		Limits:     limits,
	}, nil
}

// Import replaces the full dataset with the bundle contents in one write, so importing
// the same snapshot twice leaves the store unchanged. Records keep their ids and audit
// timestamps; records without an id get a fresh one.
func (s *Store) Import(b schema.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make(map[string]any, len(b.Data))
	for i, rec := range b.Data {
		rec = rec.Clone()
		if strings.TrimSpace(rec.RecipeID) == "" || strings.TrimSpace(rec.BatchNo) == "" {
			return fmt.Errorf("%w: record %d needs recipeId and batchNo", schema.ErrInvalidRecord, i)
		}
		if rec.Status != "" && !rec.Status.Valid() {
			return fmt.Errorf("%w: record %d has unsupported status %q", schema.ErrInvalidRecord, i, rec.Status)
		}
		if rec.ID == "" {
			rec.ID = s.newID()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		if rec.SampleSize <= 0 {
			rec.SampleSize = 1
		}
		if rec.Status == "" {
			rec.Status = schema.StatusNormal
		}
		if rec.Measurements == nil {
			rec.Measurements = map[string]float64{}
		}
		recs[rec.ID] = rec
	}
	limits := make(map[string]any, len(b.Limits))
	for i, l := range b.Limits {
		if l.RecipeID == "" || l.Parameter == "" {
			return fmt.Errorf("%w: limit %d needs recipeId and parameter", schema.ErrInvalidRecord, i)
		}
		limits[limitKey(l.RecipeID, l.Parameter)] = l
	}
	err := s.kv.ReplaceBuckets(s.dataset, map[string]map[string]any{
		BucketRecords: recs,
		BucketLimits:  limits,
	})
	if err != nil {
		return persistErr("import", err)
	}
	return nil
}

// ParseBundle decodes the textual form of an export. It also accepts the export wrapped
// once more as a JSON string.
func ParseBundle(data []byte) (schema.Bundle, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return schema.Bundle{}, fmt.Errorf("%w: %v", schema.ErrMalformedSource, err)
		}
		data = []byte(inner)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return schema.Bundle{}, fmt.Errorf("%w: bundle is not a JSON object: %v", schema.ErrMalformedSource, err)
	}
	if _, ok := probe["data"]; !ok {
		return schema.Bundle{}, fmt.Errorf("%w: bundle has no data collection", schema.ErrMalformedSource)
	}
	var b schema.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return schema.Bundle{}, fmt.Errorf("%w: %v", schema.ErrMalformedSource, err)
	}
	return b, nil
}
