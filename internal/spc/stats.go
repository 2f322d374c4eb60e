// Package spc implements the statistical process-control engine: descriptive statistics,
// control limits, process capability and rule-based out-of-control detection.
//
// Every function is pure and works on a snapshot of the values it is given.
package spc

import (
	"math"
)

// Thresholds for minimum series lengths.
const (
	MinLimitPoints       = 20
	MinCapabilityPoints  = 30
	DefaultSubgroupSize  = 5
	controlSigmaMultiple = 3
)

// d2 unbiasing constants for converting a mean subgroup range into a sigma estimate.
var d2Table = map[int]float64{
	2:  1.128,
	3:  1.693,
	4:  2.059,
	5:  2.326,
	6:  2.534,
	7:  2.704,
	8:  2.847,
	9:  2.970,
	10: 3.078,
}

// D2 returns the unbiasing constant for a subgroup size, falling back to the size-5
// constant outside the 2–10 table.
func D2(subgroupSize int) float64 {
	if v, ok := d2Table[subgroupSize]; ok {
		return v
	}
	return d2Table[DefaultSubgroupSize]
}

// Mean is the arithmetic average; 0 for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStdDev is the n-1 corrected standard deviation; 0 for fewer than 2 values.
func SampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return math.Sqrt(sumSquaredDeviations(values) / float64(len(values)-1))
}

// PopulationStdDev is the n-denominator standard deviation; 0 for empty input.
func PopulationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return math.Sqrt(sumSquaredDeviations(values) / float64(len(values)))
}

// sumSquaredDeviations is exactly 0 for a constant series; summing then dividing can
// otherwise leave a rounding residue in the mean.
func sumSquaredDeviations(values []float64) float64 {
	constant := true
	for _, v := range values[1:] {
		if v != values[0] {
			constant = false
			break
		}
	}
	if constant {
		return 0
	}
	m := Mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return ss
}

// SubgroupRangeEstimate slides a window of subgroupSize over the ordered values with
// stride 1 and returns the mean of the window ranges (R̄). Windows overlap. It returns 0
// when there are fewer values than subgroupSize.
func SubgroupRangeEstimate(values []float64, subgroupSize int) float64 {
	if subgroupSize < 2 {
		subgroupSize = DefaultSubgroupSize
	}
	if len(values) < subgroupSize {
		return 0
	}
	windows := len(values) - subgroupSize + 1
	total := 0.0
	for i := 0; i < windows; i++ {
		lo, hi := values[i], values[i]
		for _, v := range values[i+1 : i+subgroupSize] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		total += hi - lo
	}
	return total / float64(windows)
}

// ShortTermSigma estimates within-subgroup sigma as R̄ / d2.
func ShortTermSigma(values []float64, subgroupSize int) float64 {
	if subgroupSize < 2 {
		subgroupSize = DefaultSubgroupSize
	}
	return SubgroupRangeEstimate(values, subgroupSize) / D2(subgroupSize)
}

// Description summarizes a series.
type Description struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Describe returns count, mean, sample standard deviation, min and max.
func Describe(values []float64) Description {
	d := Description{N: len(values), Mean: Mean(values), StdDev: SampleStdDev(values)}
	if len(values) == 0 {
		return d
	}
	d.Min, d.Max = values[0], values[0]
	for _, v := range values[1:] {
		d.Min = math.Min(d.Min, v)
		d.Max = math.Max(d.Max, v)
	}
	return d
}
