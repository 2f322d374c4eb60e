package spc

import (
	"fmt"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// ControlLimits are the 3-sigma bounds derived from observed process behaviour.
type ControlLimits struct {
	UCL   float64 `json:"ucl"`
	LCL   float64 `json:"lcl"`
	CL    float64 `json:"cl"`
	Sigma float64 `json:"sigma"`
	N     int     `json:"n"`
}

// ComputeControlLimits derives mean ± 3σ using the population standard deviation.
// It needs at least MinLimitPoints values.
func ComputeControlLimits(values []float64) (ControlLimits, error) {
	if len(values) < MinLimitPoints {
		return ControlLimits{}, fmt.Errorf("%w: control limits need %d points, have %d",
			schema.ErrInsufficientData, MinLimitPoints, len(values))
	}
	mean := Mean(values)
	sigma := PopulationStdDev(values)
	return ControlLimits{
		UCL:   mean + controlSigmaMultiple*sigma,
		LCL:   mean - controlSigmaMultiple*sigma,
		CL:    mean,
		Sigma: sigma,
		N:     len(values),
	}, nil
}
