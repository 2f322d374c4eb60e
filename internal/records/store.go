// Package records owns persistence of measurement records and control-limit definitions
// on top of the key-value contract in pkg/sdk.
package records

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
	"github.com/celerix-dev/celerix-spc/pkg/sdk"
)

// Buckets used inside a dataset.
const (
	BucketRecords = "records"
	BucketLimits  = "limits"
)

// Store is the record store for one managed dataset. All mutations go through a single
// mutex so the dataset has exactly one logical writer.
type Store struct {
	kv      sdk.Store
	dataset string
	mu      sync.Mutex
	now     func() time.Time
	newID   func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New returns a Store over kv for the named dataset.
func New(kv sdk.Store, dataset string, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		dataset: dataset,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dataset returns the managed dataset name.
func (s *Store) Dataset() string { return s.dataset }

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", schema.ErrPersistenceFailure, op, err)
}

// prepare validates rec and fills creation defaults.
func (s *Store) prepare(rec schema.MeasurementRecord, now time.Time) (schema.MeasurementRecord, error) {
	rec = rec.Clone()
	rec.RecipeID = strings.TrimSpace(rec.RecipeID)
	rec.BatchNo = strings.TrimSpace(rec.BatchNo)
	if rec.RecipeID == "" {
		return rec, fmt.Errorf("%w: recipeId is required", schema.ErrInvalidRecord)
	}
	if rec.BatchNo == "" {
		return rec, fmt.Errorf("%w: batchNo is required", schema.ErrInvalidRecord)
	}
	if rec.Status != "" && !rec.Status.Valid() {
		return rec, fmt.Errorf("%w: unsupported status %q", schema.ErrInvalidRecord, rec.Status)
	}
	rec.ID = s.newID()
	rec.CreatedAt = now
	rec.UpdatedAt = nil
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.SampleSize <= 0 {
		rec.SampleSize = 1
	}
	if rec.Measurements == nil {
		rec.Measurements = map[string]float64{}
	}
	if rec.Status == "" {
		rec.Status = schema.StatusNormal
	}
	return rec, nil
}

// Create stores a new record with a fresh id. It never deduplicates.
func (s *Store) Create(rec schema.MeasurementRecord) (schema.MeasurementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.prepare(rec, s.now())
	if err != nil {
		return schema.MeasurementRecord{}, err
	}
	if err := s.kv.Set(s.dataset, BucketRecords, out.ID, out); err != nil {
		return schema.MeasurementRecord{}, persistErr("create record", err)
	}
	return out.Clone(), nil
}

// BulkCreate validates every record first, then writes them all in one batch.
func (s *Store) BulkCreate(recs []schema.MeasurementRecord) ([]schema.MeasurementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]schema.MeasurementRecord, 0, len(recs))
	batch := make(map[string]any, len(recs))
	for i, rec := range recs {
		prepared, err := s.prepare(rec, now)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, prepared)
		batch[prepared.ID] = prepared
	}
	if err := s.kv.SetMany(s.dataset, BucketRecords, batch); err != nil {
		return nil, persistErr("bulk create", err)
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (schema.MeasurementRecord, error) {
	val, err := s.kv.Get(s.dataset, BucketRecords, id)
	if sdk.IsNotFound(err) {
		return schema.MeasurementRecord{}, fmt.Errorf("%w: record %s", schema.ErrNotFound, id)
	}
	if err != nil {
		return schema.MeasurementRecord{}, persistErr("read record", err)
	}
	rec, err := sdk.Decode[schema.MeasurementRecord](val)
	if err != nil {
		return schema.MeasurementRecord{}, persistErr("decode record", err)
	}
	return rec.Clone(), nil
}

func (s *Store) all() ([]schema.MeasurementRecord, error) {
	vals, err := s.kv.Bucket(s.dataset, BucketRecords).All()
	if err != nil {
		return nil, persistErr("list records", err)
	}
	out := make([]schema.MeasurementRecord, 0, len(vals))
	for _, v := range vals {
		rec, err := sdk.Decode[schema.MeasurementRecord](v)
		if err != nil {
			return nil, persistErr("decode record", err)
		}
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

// sortRecords orders by sample time ascending; ties fall back to creation time then id.
func sortRecords(recs []schema.MeasurementRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// List returns every record in time order.
func (s *Store) List() ([]schema.MeasurementRecord, error) {
	return s.all()
}

// ListByRecipe returns the records of one recipe, oldest sample first.
func (s *Store) ListByRecipe(recipeID string) ([]schema.MeasurementRecord, error) {
	return s.filter(func(r schema.MeasurementRecord) bool { return r.RecipeID == recipeID })
}

// ListByBatch returns every record carrying batchNo, across recipes.
func (s *Store) ListByBatch(batchNo string) ([]schema.MeasurementRecord, error) {
	return s.filter(func(r schema.MeasurementRecord) bool { return r.BatchNo == batchNo })
}

func (s *Store) filter(keep func(schema.MeasurementRecord) bool) ([]schema.MeasurementRecord, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Recipes lists the distinct recipe ids that have records or limits.
func (s *Store) Recipes() ([]string, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	limits, err := s.allLimits()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, r := range recs {
		seen[r.RecipeID] = struct{}{}
	}
	for _, l := range limits {
		seen[l.RecipeID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Update merges the provided fields into the record and stamps updatedAt.
func (s *Store) Update(id string, patch schema.RecordPatch) (schema.MeasurementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return schema.MeasurementRecord{}, err
	}
	if err := applyPatch(&rec, patch); err != nil {
		return schema.MeasurementRecord{}, err
	}
	now := s.now()
	rec.UpdatedAt = &now
	if err := s.kv.Set(s.dataset, BucketRecords, id, rec); err != nil {
		return schema.MeasurementRecord{}, persistErr("update record", err)
	}
	return rec.Clone(), nil
}

func applyPatch(rec *schema.MeasurementRecord, p schema.RecordPatch) error {
	if p.RecipeID != nil {
		if strings.TrimSpace(*p.RecipeID) == "" {
			return fmt.Errorf("%w: recipeId cannot be empty", schema.ErrInvalidRecord)
		}
		rec.RecipeID = strings.TrimSpace(*p.RecipeID)
	}
	if p.BatchNo != nil {
		if strings.TrimSpace(*p.BatchNo) == "" {
			return fmt.Errorf("%w: batchNo cannot be empty", schema.ErrInvalidRecord)
		}
		rec.BatchNo = strings.TrimSpace(*p.BatchNo)
	}
	if p.Timestamp != nil {
		rec.Timestamp = p.Timestamp.UTC()
	}
	if p.Measurements != nil {
		m := make(map[string]float64, len(p.Measurements))
		for k, v := range p.Measurements {
			m[k] = v
		}
		rec.Measurements = m
	}
	if p.SampleSize != nil {
		if *p.SampleSize <= 0 {
			return fmt.Errorf("%w: sampleSize must be positive", schema.ErrInvalidRecord)
		}
		rec.SampleSize = *p.SampleSize
	}
	if p.Operator != nil {
		rec.Operator = *p.Operator
	}
	if p.Shift != nil {
		rec.Shift = *p.Shift
	}
	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unsupported status %q", schema.ErrInvalidRecord, *p.Status)
		}
		rec.Status = *p.Status
	}
	return nil
}

// SetStatuses applies recomputed statuses in one batch write. Unknown ids fail with NotFound
// before anything is written.
func (s *Store) SetStatuses(statuses map[string]schema.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	batch := make(map[string]any, len(statuses))
	for id, st := range statuses {
		if !st.Valid() {
			return fmt.Errorf("%w: unsupported status %q", schema.ErrInvalidRecord, st)
		}
		rec, err := s.Get(id)
		if err != nil {
			return err
		}
		if rec.Status == st {
			continue
		}
		rec.Status = st
		rec.UpdatedAt = &now
		batch[id] = rec
	}
	if err := s.kv.SetMany(s.dataset, BucketRecords, batch); err != nil {
		return persistErr("update statuses", err)
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := s.kv.Delete(s.dataset, BucketRecords, id); err != nil {
		return persistErr("delete record", err)
	}
	return nil
}

// limitKey builds the bucket key for a (recipe, parameter) pair.
func limitKey(recipeID, parameter string) string {
	return url.PathEscape(recipeID) + "/" + url.PathEscape(parameter)
}

func (s *Store) allLimits() ([]schema.ControlLimit, error) {
	vals, err := s.kv.Bucket(s.dataset, BucketLimits).All()
	if err != nil {
		return nil, persistErr("list limits", err)
	}
	out := make([]schema.ControlLimit, 0, len(vals))
	for _, v := range vals {
		l, err := sdk.Decode[schema.ControlLimit](v)
		if err != nil {
			return nil, persistErr("decode limit", err)
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipeID != out[j].RecipeID {
			return out[i].RecipeID < out[j].RecipeID
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out, nil
}

// GetLimits returns every limit defined for a recipe, ordered by parameter.
func (s *Store) GetLimits(recipeID string) ([]schema.ControlLimit, error) {
	all, err := s.allLimits()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.RecipeID == recipeID {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetLimit returns the limit for one (recipe, parameter) pair.
func (s *Store) GetLimit(recipeID, parameter string) (schema.ControlLimit, error) {
	val, err := s.kv.Get(s.dataset, BucketLimits, limitKey(recipeID, parameter))
	if sdk.IsNotFound(err) {
		return schema.ControlLimit{}, fmt.Errorf("%w: limit %s/%s", schema.ErrNotFound, recipeID, parameter)
	}
	if err != nil {
		return schema.ControlLimit{}, persistErr("read limit", err)
	}
	l, err := sdk.Decode[schema.ControlLimit](val)
	if err != nil {
		return schema.ControlLimit{}, persistErr("decode limit", err)
	}
	return l, nil
}

// SetLimit upserts the limit for its (recipe, parameter) pair.
func (s *Store) SetLimit(limit schema.ControlLimit) (schema.ControlLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit.RecipeID = strings.TrimSpace(limit.RecipeID)
	limit.Parameter = strings.TrimSpace(limit.Parameter)
	if limit.RecipeID == "" || limit.Parameter == "" {
		return schema.ControlLimit{}, fmt.Errorf("%w: limit needs recipeId and parameter", schema.ErrInvalidRecord)
	}
	if limit.USL != nil && limit.LSL != nil && *limit.USL <= *limit.LSL {
		return schema.ControlLimit{}, fmt.Errorf("%w: usl %g must exceed lsl %g", schema.ErrInvalidSpec, *limit.USL, *limit.LSL)
	}
	if limit.Source == "" {
		limit.Source = schema.LimitManual
	}
	now := s.now()
	limit.UpdatedAt = &now
	if err := s.kv.Set(s.dataset, BucketLimits, limitKey(limit.RecipeID, limit.Parameter), limit); err != nil {
		return schema.ControlLimit{}, persistErr("set limit", err)
	}
	return limit, nil
}

// DeleteLimit removes the limit for one (recipe, parameter) pair.
func (s *Store) DeleteLimit(recipeID, parameter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetLimit(recipeID, parameter); err != nil {
		return err
	}
	if err := s.kv.Delete(s.dataset, BucketLimits, limitKey(recipeID, parameter)); err != nil {
		return persistErr("delete limit", err)
	}
	return nil
}
