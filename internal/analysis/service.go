// Package analysis joins the record store with the statistical engine: it extracts
// parameter series, maintains computed limits and classifies records.
package analysis

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/records"
	"github.com/celerix-dev/celerix-spc/internal/spc"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Options configure a Service. Zero values select the engine defaults.
type Options struct {
	Rules               spc.Rules
	SubgroupSize        int
	MinCapabilityPoints int
	Logger              *zap.Logger
}

// Service runs analyses against one record store.
type Service struct {
	store     *records.Store
	rules     spc.Rules
	subgroup  int
	minPoints int
	log       *zap.Logger
}

// New creates a Service over store.
func New(store *records.Store, opts Options) *Service {
	if opts.SubgroupSize < 2 {
		opts.SubgroupSize = spc.DefaultSubgroupSize
	}
	if opts.MinCapabilityPoints <= 0 {
		opts.MinCapabilityPoints = spc.MinCapabilityPoints
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Rules == (spc.Rules{}) {
		opts.Rules = spc.DefaultRules()
	}
	return &Service{
		store:     store,
		rules:     opts.Rules,
		subgroup:  opts.SubgroupSize,
		minPoints: opts.MinCapabilityPoints,
		log:       opts.Logger,
	}
}

// Store returns the underlying record store.
func (s *Service) Store() *records.Store { return s.store }

// Rules returns the rule constants in effect.
func (s *Service) Rules() spc.Rules { return s.rules }

// Series returns the time-ordered values of one parameter for a recipe. Records that did
// not measure the parameter are skipped.
func (s *Service) Series(recipeID, parameter string) ([]float64, error) {
	recs, err := s.store.ListByRecipe(recipeID)
	if err != nil {
		return nil, err
	}
	return series(recs, parameter), nil
}

func series(recs []schema.MeasurementRecord, parameter string) []float64 {
	out := make([]float64, 0, len(recs))
	for _, r := range recs {
		if v, ok := r.Measurements[parameter]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Parameters lists every parameter measured for a recipe, sorted.
func (s *Service) Parameters(recipeID string) ([]string, error) {
	recs, err := s.store.ListByRecipe(recipeID)
	if err != nil {
		return nil, err
	}
	return parameters(recs), nil
}

func parameters(recs []schema.MeasurementRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range recs {
		for p := range r.Measurements {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// limitOrNil returns the stored limit or nil when none exists.
func (s *Service) limitOrNil(recipeID, parameter string) (*schema.ControlLimit, error) {
	l, err := s.store.GetLimit(recipeID, parameter)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ComputeLimits derives control limits from the recipe's history and upserts them.
// Specification bounds and target of an existing limit are kept.
func (s *Service) ComputeLimits(recipeID, parameter string) (schema.ControlLimit, error) {
	values, err := s.Series(recipeID, parameter)
	if err != nil {
		return schema.ControlLimit{}, err
	}
	cl, err := spc.ComputeControlLimits(values)
	if err != nil {
		return schema.ControlLimit{}, fmt.Errorf("%s/%s: %w", recipeID, parameter, err)
	}
	existing, err := s.limitOrNil(recipeID, parameter)
	if err != nil {
		return schema.ControlLimit{}, err
	}

	limit := schema.ControlLimit{
		RecipeID:    recipeID,
		Parameter:   parameter,
		UCL:         cl.UCL,
		LCL:         cl.LCL,
		CL:          cl.CL,
		Source:      schema.LimitComputed,
		SampleCount: cl.N,
	}
	if existing != nil {
		limit.USL, limit.LSL, limit.Target = existing.USL, existing.LSL, existing.Target
	}
	saved, err := s.store.SetLimit(limit)
	if err != nil {
		return schema.ControlLimit{}, err
	}
	s.log.Debug("control limits computed",
		zap.String("recipe", recipeID),
		zap.String("parameter", parameter),
		zap.Int("points", cl.N),
		zap.Float64("ucl", cl.UCL),
		zap.Float64("lcl", cl.LCL))
	return saved, nil
}

// LimitsReport is the outcome of computing limits for every parameter of a recipe.
type LimitsReport struct {
	Computed []schema.ControlLimit `json:"computed"`
	// Skipped maps parameters without enough history to the reason.
	Skipped map[string]string `json:"skipped"`
}

// ComputeAllLimits computes limits for each parameter of a recipe. Parameters with too
// little history are reported as skipped; any other failure aborts.
func (s *Service) ComputeAllLimits(recipeID string) (LimitsReport, error) {
	params, err := s.Parameters(recipeID)
	if err != nil {
		return LimitsReport{}, err
	}
	if len(params) == 0 {
		return LimitsReport{}, fmt.Errorf("%w: no measurements for recipe %s", schema.ErrNotFound, recipeID)
	}
	report := LimitsReport{Computed: []schema.ControlLimit{}, Skipped: map[string]string{}}
	for _, p := range params {
		l, err := s.ComputeLimits(recipeID, p)
		if errors.Is(err, schema.ErrInsufficientData) {
			report.Skipped[p] = err.Error()
			continue
		}
		if err != nil {
			return report, err
		}
		report.Computed = append(report.Computed, l)
	}
	return report, nil
}

// SpecRequest carries optional overrides for a capability study.
type SpecRequest struct {
	USL          *float64
	LSL          *float64
	SubgroupSize int
}

// Capability runs a capability study. Bounds missing from req fall back to the stored
// limit; with neither source the study fails with InvalidSpec.
func (s *Service) Capability(recipeID, parameter string, req SpecRequest) (spc.CapabilityResult, error) {
	values, err := s.Series(recipeID, parameter)
	if err != nil {
		return spc.CapabilityResult{}, err
	}
	if len(values) < s.minPoints {
		return spc.CapabilityResult{}, fmt.Errorf("%w: capability needs %d points, have %d",
			schema.ErrInsufficientData, s.minPoints, len(values))
	}

	usl, lsl := req.USL, req.LSL
	if usl == nil || lsl == nil {
		limit, err := s.limitOrNil(recipeID, parameter)
		if err != nil {
			return spc.CapabilityResult{}, err
		}
		if limit != nil {
			if usl == nil {
				usl = limit.USL
			}
			if lsl == nil {
				lsl = limit.LSL
			}
		}
	}
	if usl == nil || lsl == nil {
		return spc.CapabilityResult{}, fmt.Errorf("%w: no specification limits for %s/%s",
			schema.ErrInvalidSpec, recipeID, parameter)
	}

	size := req.SubgroupSize
	if size < 2 {
		size = s.subgroup
	}
	return spc.Capability(values, *usl, *lsl, size)
}

// Status evaluates the control rules for one parameter.
func (s *Service) Status(recipeID, parameter string) (spc.ParameterStatus, error) {
	values, err := s.Series(recipeID, parameter)
	if err != nil {
		return spc.ParameterStatus{}, err
	}
	if len(values) == 0 {
		return spc.ParameterStatus{}, fmt.Errorf("%w: no measurements of %s for recipe %s",
			schema.ErrNotFound, parameter, recipeID)
	}
	limit, err := s.limitOrNil(recipeID, parameter)
	if err != nil {
		return spc.ParameterStatus{}, err
	}
	return spc.Evaluate(values, limit, s.rules), nil
}

// ParameterSummary describes one parameter within a recipe summary.
type ParameterSummary struct {
	Parameter string               `json:"parameter"`
	Stats     spc.Description      `json:"stats"`
	Limit     *schema.ControlLimit `json:"limit,omitempty"`
	Status    spc.ParameterStatus  `json:"status"`
}

// Summary is a recipe-wide overview.
type Summary struct {
	RecipeID     string                `json:"recipeId"`
	Records      int                   `json:"records"`
	Batches      int                   `json:"batches"`
	StatusCounts map[schema.Status]int `json:"statusCounts"`
	Parameters   []ParameterSummary    `json:"parameters"`
	// Status is the highest parameter status; unknown parameters do not raise it.
	Status schema.Status `json:"status"`
}

// Summary describes every parameter of a recipe.
func (s *Service) Summary(recipeID string) (Summary, error) {
	recs, err := s.store.ListByRecipe(recipeID)
	if err != nil {
		return Summary{}, err
	}
	if len(recs) == 0 {
		return Summary{}, fmt.Errorf("%w: no records for recipe %s", schema.ErrNotFound, recipeID)
	}
	limits, err := s.limitMap(recipeID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		RecipeID:     recipeID,
		Records:      len(recs),
		StatusCounts: map[schema.Status]int{},
		Parameters:   []ParameterSummary{},
		Status:       schema.StatusNormal,
	}
	batches := map[string]struct{}{}
	for _, r := range recs {
		batches[r.BatchNo] = struct{}{}
		sum.StatusCounts[r.Status]++
	}
	sum.Batches = len(batches)

	for _, p := range parameters(recs) {
		values := series(recs, p)
		ps := ParameterSummary{Parameter: p, Stats: spc.Describe(values)}
		if l, ok := limits[p]; ok {
			ps.Limit = &l
		}
		ps.Status = spc.Evaluate(values, ps.Limit, s.rules)
		if ps.Status.Status.Severity() > sum.Status.Severity() {
			sum.Status = ps.Status.Status
		}
		sum.Parameters = append(sum.Parameters, ps)
	}
	return sum, nil
}

func (s *Service) limitMap(recipeID string) (map[string]schema.ControlLimit, error) {
	limits, err := s.store.GetLimits(recipeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.ControlLimit, len(limits))
	for _, l := range limits {
		out[l.Parameter] = l
	}
	return out, nil
}

// classify returns the highest severity over the record's parameters that have usable
// limits. Without any, the supplied status is kept, defaulting to normal.
func (s *Service) classify(rec schema.MeasurementRecord, limits map[string]schema.ControlLimit) schema.Status {
	result := schema.StatusUnknown
	for p, v := range rec.Measurements {
		l, ok := limits[p]
		if !ok || !l.HasControlBounds() {
			continue
		}
		if st := spc.Classify(v, &l, s.rules); st.Severity() > result.Severity() {
			result = st
		}
	}
	if result != schema.StatusUnknown {
		return result
	}
	if rec.Status.Valid() {
		return rec.Status
	}
	return schema.StatusNormal
}

// ClassifyRecord computes the status a record should carry.
func (s *Service) ClassifyRecord(rec schema.MeasurementRecord) (schema.Status, error) {
	limits, err := s.limitMap(rec.RecipeID)
	if err != nil {
		return "", err
	}
	return s.classify(rec, limits), nil
}

// ClassifyRecords sets Status on each record, loading each recipe's limits once.
func (s *Service) ClassifyRecords(recs []schema.MeasurementRecord) ([]schema.MeasurementRecord, error) {
	cache := map[string]map[string]schema.ControlLimit{}
	out := make([]schema.MeasurementRecord, len(recs))
	for i, r := range recs {
		limits, ok := cache[r.RecipeID]
		if !ok {
			var err error
			if limits, err = s.limitMap(r.RecipeID); err != nil {
				return nil, err
			}
			cache[r.RecipeID] = limits
		}
		r = r.Clone()
		r.Status = s.classify(r, limits)
		out[i] = r
	}
	return out, nil
}

// RecomputeStatuses reclassifies every record of a recipe against its current limits and
// returns how many records changed.
func (s *Service) RecomputeStatuses(recipeID string) (int, error) {
	recs, err := s.store.ListByRecipe(recipeID)
	if err != nil {
		return 0, err
	}
	limits, err := s.limitMap(recipeID)
	if err != nil {
		return 0, err
	}
	changed := map[string]schema.Status{}
	for _, r := range recs {
		if st := s.classify(r, limits); st != r.Status {
			changed[r.ID] = st
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.store.SetStatuses(changed); err != nil {
		return 0, err
	}
	s.log.Info("record statuses recomputed", zap.String("recipe", recipeID), zap.Int("changed", len(changed)))
	return len(changed), nil
}
