package schema

import "time"

// LimitSource records how a control limit came to exist.
type LimitSource string

const (
	LimitComputed LimitSource = "computed"
	LimitManual   LimitSource = "manual"
)

// ControlLimit holds the statistical control bounds and the engineering specification
// bounds for one (RecipeID, Parameter) pair.
type ControlLimit struct {
	RecipeID  string      `json:"recipeId"`
	Parameter string      `json:"parameter"`
	UCL       float64     `json:"ucl"`
	LCL       float64     `json:"lcl"`
	CL        float64     `json:"cl"`
	USL       *float64    `json:"usl,omitempty"`
	LSL       *float64    `json:"lsl,omitempty"`
	Target    *float64    `json:"target,omitempty"`
	Source    LimitSource `json:"source,omitempty"`
	// SampleCount is the number of points the bounds were computed from.
	SampleCount int        `json:"sampleCount,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// HasControlBounds reports whether the limit can be used for control evaluation.
func (l ControlLimit) HasControlBounds() bool {
	return l.UCL > l.LCL
}

// HasSpec reports whether both specification bounds are present and ordered.
func (l ControlLimit) HasSpec() bool {
	return l.USL != nil && l.LSL != nil && *l.USL > *l.LSL
}

// Float returns a pointer to v, handy for optional limit fields.
func Float(v float64) *float64 {
	return &v
}
