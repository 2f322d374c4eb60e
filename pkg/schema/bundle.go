package schema

import "time"

// Bundle is the self-describing bulk export/import structure.
type Bundle struct {
	ExportedAt time.Time           `json:"exportedAt"`
	Dataset    string              `json:"dataset,omitempty"`
	Data       []MeasurementRecord `json:"data"`
	Limits     []ControlLimit      `json:"limits"`
}
