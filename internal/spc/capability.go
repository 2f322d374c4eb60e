package spc

import (
	"fmt"
	"math"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Grade is a letter grade for a capability index. The zero value means ungraded.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeE Grade = "E"
)

// Label returns the human-readable meaning of a grade.
func (g Grade) Label() string {
	switch g {
	case GradeA:
		return "excellent"
	case GradeB:
		return "good"
	case GradeC:
		return "adequate"
	case GradeD:
		return "needs improvement"
	case GradeE:
		return "inadequate"
	}
	return "ungraded"
}

// GradeIndex maps a capability index to a grade; nil indices are ungraded.
func GradeIndex(index *float64) Grade {
	if index == nil {
		return ""
	}
	switch v := *index; {
	case v >= 2.0:
		return GradeA
	case v >= 1.67:
		return GradeB
	case v >= 1.33:
		return GradeC
	case v >= 1.0:
		return GradeD
	default:
		return GradeE
	}
}

// OutOfSpec counts values beyond the specification bounds.
type OutOfSpec struct {
	Above   int     `json:"above"`
	Below   int     `json:"below"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// CapabilityGrades groups the grades of each index.
type CapabilityGrades struct {
	Cp  Grade `json:"cp"`
	Cpk Grade `json:"cpk"`
	Pp  Grade `json:"pp"`
	Ppk Grade `json:"ppk"`
}

// CapabilityResult is derived on demand and never persisted. Nil indices were not
// computable, which is different from an index computed as zero.
type CapabilityResult struct {
	N            int     `json:"n"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stdDev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	USL          float64 `json:"usl"`
	LSL          float64 `json:"lsl"`
	SubgroupSize int     `json:"subgroupSize"`

	// Long-term performance from the overall sample standard deviation.
	Pp       *float64 `json:"pp"`
	Ppk      *float64 `json:"ppk"`
	PpkUpper *float64 `json:"ppkUpper"`
	PpkLower *float64 `json:"ppkLower"`

	// Short-term capability from R̄/d2.
	ShortTermSigma *float64 `json:"shortTermSigma"`
	Cp             *float64 `json:"cp"`
	Cpk            *float64 `json:"cpk"`
	CpkUpper       *float64 `json:"cpkUpper"`
	CpkLower       *float64 `json:"cpkLower"`

	Grades CapabilityGrades `json:"grades"`

	Shift        float64   `json:"shift"`
	ShiftPercent float64   `json:"shiftPercent"`
	OutOfSpec    OutOfSpec `json:"outOfSpec"`

	// LowConfidence is set when fewer than MinCapabilityPoints values were used.
	LowConfidence bool `json:"lowConfidence"`
}

func ptr(v float64) *float64 { return &v }

// ValidateSpec checks that usl and lsl are finite and usl > lsl.
func ValidateSpec(usl, lsl float64) error {
	for _, v := range []float64{usl, lsl} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: specification bounds must be finite numbers", schema.ErrInvalidSpec)
		}
	}
	if usl <= lsl {
		return fmt.Errorf("%w: usl %g must exceed lsl %g", schema.ErrInvalidSpec, usl, lsl)
	}
	return nil
}

// Capability computes long- and short-term capability of values against [lsl, usl].
// subgroupSize <= 1 selects DefaultSubgroupSize.
func Capability(values []float64, usl, lsl float64, subgroupSize int) (CapabilityResult, error) {
	if err := ValidateSpec(usl, lsl); err != nil {
		return CapabilityResult{}, err
	}
	if len(values) == 0 {
		return CapabilityResult{}, fmt.Errorf("%w: capability needs at least one value", schema.ErrInsufficientData)
	}
	if subgroupSize < 2 {
		subgroupSize = DefaultSubgroupSize
	}

	desc := Describe(values)
	width := usl - lsl
	res := CapabilityResult{
		N:             desc.N,
		Mean:          desc.Mean,
		StdDev:        desc.StdDev,
		Min:           desc.Min,
		Max:           desc.Max,
		USL:           usl,
		LSL:           lsl,
		SubgroupSize:  subgroupSize,
		LowConfidence: desc.N < MinCapabilityPoints,
	}

	if s := desc.StdDev; s > 0 {
		upper := (usl - desc.Mean) / (3 * s)
		lower := (desc.Mean - lsl) / (3 * s)
		res.Pp = ptr(width / (6 * s))
		res.PpkUpper = ptr(upper)
		res.PpkLower = ptr(lower)
		res.Ppk = ptr(math.Min(upper, lower))
	}

	if desc.N >= subgroupSize {
		if sigma := ShortTermSigma(values, subgroupSize); sigma > 0 {
			upper := (usl - desc.Mean) / (3 * sigma)
			lower := (desc.Mean - lsl) / (3 * sigma)
			res.ShortTermSigma = ptr(sigma)
			res.Cp = ptr(width / (6 * sigma))
			res.CpkUpper = ptr(upper)
			res.CpkLower = ptr(lower)
			res.Cpk = ptr(math.Min(upper, lower))
		}
	}

	res.Grades = CapabilityGrades{
		Cp:  GradeIndex(res.Cp),
		Cpk: GradeIndex(res.Cpk),
		Pp:  GradeIndex(res.Pp),
		Ppk: GradeIndex(res.Ppk),
	}

	res.Shift = desc.Mean - (usl+lsl)/2
	res.ShiftPercent = res.Shift / width * 100

	for _, v := range values {
		switch {
		case v > usl:
			res.OutOfSpec.Above++
		case v < lsl:
			res.OutOfSpec.Below++
		}
	}
	res.OutOfSpec.Total = res.OutOfSpec.Above + res.OutOfSpec.Below
	res.OutOfSpec.Percent = float64(res.OutOfSpec.Total) * 100 / float64(desc.N)

	return res, nil
}
