package spc

import (
	"fmt"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Rules holds the heuristic constants of the detection rules.
type Rules struct {
	// WarningBuffer is the fraction of the ucl-lcl span, measured inward from either
	// bound, inside which a value is a warning.
	WarningBuffer float64 `json:"warningBuffer" yaml:"warning_buffer"`
	TrendLength   int     `json:"trendLength" yaml:"trend_length"`
	RunLength     int     `json:"runLength" yaml:"run_length"`
}

// DefaultRules returns the stock rule constants.
func DefaultRules() Rules {
	return Rules{WarningBuffer: 0.15, TrendLength: 7, RunLength: 8}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.WarningBuffer <= 0 {
		r.WarningBuffer = d.WarningBuffer
	}
	if r.TrendLength < 2 {
		r.TrendLength = d.TrendLength
	}
	if r.RunLength < 1 {
		r.RunLength = d.RunLength
	}
	return r
}

// Classify places a single value against a limit set. Without a usable limit set the
// result is StatusUnknown, never StatusNormal.
func Classify(value float64, limit *schema.ControlLimit, rules Rules) schema.Status {
	if limit == nil || !limit.HasControlBounds() {
		return schema.StatusUnknown
	}
	rules = rules.withDefaults()
	if value > limit.UCL || value < limit.LCL {
		return schema.StatusAlert
	}
	buffer := (limit.UCL - limit.LCL) * rules.WarningBuffer
	if value >= limit.UCL-buffer || value <= limit.LCL+buffer {
		return schema.StatusWarning
	}
	return schema.StatusNormal
}

// TrendSignal names a monotonic trend; empty means no signal.
type TrendSignal string

const (
	TrendIncreasing TrendSignal = "increasing"
	TrendDecreasing TrendSignal = "decreasing"
)

// Trend inspects the last TrendLength values in time order.
func Trend(values []float64, rules Rules) TrendSignal {
	rules = rules.withDefaults()
	n := rules.TrendLength
	if len(values) < n {
		return ""
	}
	window := values[len(values)-n:]
	up, down := true, true
	for i := 1; i < len(window); i++ {
		if window[i] <= window[i-1] {
			up = false
		}
		if window[i] >= window[i-1] {
			down = false
		}
	}
	switch {
	case up:
		return TrendIncreasing
	case down:
		return TrendDecreasing
	}
	return ""
}

// RunSignal names a run on one side of the center line; empty means no signal.
type RunSignal string

const (
	RunAbove RunSignal = "run_above"
	RunBelow RunSignal = "run_below"
)

// Run inspects the last RunLength values against center. A value equal to the center
// counts as neither above nor below.
func Run(values []float64, center float64, rules Rules) RunSignal {
	rules = rules.withDefaults()
	n := rules.RunLength
	if len(values) < n {
		return ""
	}
	above, below := true, true
	for _, v := range values[len(values)-n:] {
		if !(v > center) {
			above = false
		}
		if !(v < center) {
			below = false
		}
	}
	switch {
	case above:
		return RunAbove
	case below:
		return RunBelow
	}
	return ""
}

// Alert is one fired rule.
type Alert struct {
	Rule     string        `json:"rule"`
	Severity schema.Status `json:"severity"`
	Message  string        `json:"message"`
}

// ParameterStatus combines the control, trend and run checks for one parameter.
type ParameterStatus struct {
	N       int           `json:"n"`
	Latest  *float64      `json:"latest"`
	Control schema.Status `json:"control"`
	Trend   TrendSignal   `json:"trend,omitempty"`
	Run     RunSignal     `json:"run,omitempty"`
	Alerts  []Alert       `json:"alerts"`
	// Status is the highest severity among fired alerts.
	Status schema.Status `json:"status"`
}

// Evaluate runs every rule over a time-ordered series. With no usable limit set the
// control check is unknown and the run rule, which needs a center line, is skipped.
func Evaluate(values []float64, limit *schema.ControlLimit, rules Rules) ParameterStatus {
	rules = rules.withDefaults()
	ps := ParameterStatus{N: len(values), Control: schema.StatusUnknown, Alerts: []Alert{}}
	usable := limit != nil && limit.HasControlBounds()

	if len(values) > 0 {
		latest := values[len(values)-1]
		ps.Latest = &latest
		ps.Control = Classify(latest, limit, rules)
		switch ps.Control {
		case schema.StatusAlert:
			ps.Alerts = append(ps.Alerts, Alert{
				Rule: "control_limit", Severity: schema.StatusAlert,
				Message: fmt.Sprintf("value %g outside control limits [%g, %g]", latest, limit.LCL, limit.UCL),
			})
		case schema.StatusWarning:
			ps.Alerts = append(ps.Alerts, Alert{
				Rule: "control_limit", Severity: schema.StatusWarning,
				Message: fmt.Sprintf("value %g near control limits [%g, %g]", latest, limit.LCL, limit.UCL),
			})
		}
	}

	if ps.Trend = Trend(values, rules); ps.Trend != "" {
		ps.Alerts = append(ps.Alerts, Alert{
			Rule: "trend", Severity: schema.StatusWarning,
			Message: fmt.Sprintf("%d consecutive %s values", rules.TrendLength, ps.Trend),
		})
	}

	if usable {
		if ps.Run = Run(values, limit.CL, rules); ps.Run != "" {
			side := "above"
			if ps.Run == RunBelow {
				side = "below"
			}
			ps.Alerts = append(ps.Alerts, Alert{
				Rule: string(ps.Run), Severity: schema.StatusWarning,
				Message: fmt.Sprintf("%d consecutive values %s center line %g", rules.RunLength, side, limit.CL),
			})
		}
	}

	ps.Status = schema.StatusNormal
	if !usable {
		ps.Status = schema.StatusUnknown
	}
	for _, a := range ps.Alerts {
		if a.Severity.Severity() > ps.Status.Severity() {
			ps.Status = a.Severity
		}
	}
	return ps
}
