// Package schema defines universal data structures used across the Celerix SPC platform.
package schema

import "time"

// Status is the control state attached to a measurement record.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
	// StatusUnknown is produced by classification when no usable limit set exists.
	// It is never stored on a record.
	StatusUnknown Status = "unknown"
)

// Severity orders statuses so that the highest one wins when combining signals.
func (s Status) Severity() int {
	switch s {
	case StatusAlert:
		return 3
	case StatusWarning:
		return 2
	case StatusNormal:
		return 1
	}
	return 0
}

// Valid reports whether s may be stored on a record.
func (s Status) Valid() bool {
	return s == StatusNormal || s == StatusWarning || s == StatusAlert
}

// MeasurementRecord is the canonical measurement shape used by import, export and the API.
type MeasurementRecord struct {
	ID           string             `json:"id"`
	RecipeID     string             `json:"recipeId"`
	BatchNo      string             `json:"batchNo"`
	Timestamp    time.Time          `json:"timestamp"`
	Measurements map[string]float64 `json:"measurements"`
	SampleSize   int                `json:"sampleSize"`
	Operator     string             `json:"operator,omitempty"`
	Shift        string             `json:"shift,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	Status       Status             `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    *time.Time         `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy so callers never share the measurements map.
func (r MeasurementRecord) Clone() MeasurementRecord {
	out := r
	if r.Measurements != nil {
		out.Measurements = make(map[string]float64, len(r.Measurements))
		for k, v := range r.Measurements {
			out.Measurements[k] = v
		}
	}
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// RecordPatch carries the fields of an explicit record edit. Nil fields are left untouched;
// a non-nil Measurements map replaces the existing one.
type RecordPatch struct {
	RecipeID     *string            `json:"recipeId,omitempty"`
	BatchNo      *string            `json:"batchNo,omitempty"`
	Timestamp    *time.Time         `json:"timestamp,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	SampleSize   *int               `json:"sampleSize,omitempty"`
	Operator     *string            `json:"operator,omitempty"`
	Shift        *string            `json:"shift,omitempty"`
	Notes        *string            `json:"notes,omitempty"`
	Status       *Status            `json:"status,omitempty"`
}
