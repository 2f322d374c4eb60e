package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-spc/pkg/engine"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) (*Store, *engine.MemStore) {
	t.Helper()
	kv := engine.NewMemStore(nil, nil)
	clock := &fixedClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	seq := 0
	s := New(kv, "plant-a",
		WithClock(clock.now),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("rec-%03d", seq) }))
	return s, kv
}

func sample(recipe, batch string, ts time.Time, vals map[string]float64) schema.MeasurementRecord {
	return schema.MeasurementRecord{RecipeID: recipe, BatchNo: batch, Timestamp: ts, Measurements: vals}
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1", Measurements: map[string]float64{"ph": 7}})
	require.NoError(t, err)
	assert.Equal(t, "rec-001", rec.ID)
	assert.Equal(t, 1, rec.SampleSize)
	assert.Equal(t, schema.StatusNormal, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, rec.CreatedAt, rec.Timestamp, "timestamp defaults to ingestion time")
	assert.Nil(t, rec.UpdatedAt)

	// Identical payloads are never deduplicated.
	again, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1", Measurements: map[string]float64{"ph": 7}})
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, again.ID)
}

func TestCreateRequiresRecipeAndBatch(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(schema.MeasurementRecord{BatchNo: "B1"})
	assert.ErrorIs(t, err, schema.ErrInvalidRecord)
	_, err = s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "  "})
	assert.ErrorIs(t, err, schema.ErrInvalidRecord)
}

func TestListByRecipeIsTimeOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Create(sample("R1", "B3", base.Add(2*time.Hour), map[string]float64{"x": 3}))
	require.NoError(t, err)
	_, err = s.Create(sample("R1", "B1", base, map[string]float64{"x": 1}))
	require.NoError(t, err)
	_, err = s.Create(sample("R2", "B1", base.Add(time.Hour), map[string]float64{"x": 9}))
	require.NoError(t, err)
	_, err = s.Create(sample("R1", "B2", base.Add(time.Hour), map[string]float64{"x": 2}))
	require.NoError(t, err)

	recs, err := s.ListByRecipe("R1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"B1", "B2", "B3"}, []string{recs[0].BatchNo, recs[1].BatchNo, recs[2].BatchNo})

	byBatch, err := s.ListByBatch("B1")
	require.NoError(t, err)
	assert.Len(t, byBatch, 2, "batch numbers are not unique across recipes")

	recipes, err := s.Recipes()
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, recipes)
}

func TestUpdateMergesFields(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1", Operator: "ann", Measurements: map[string]float64{"a": 1}})
	require.NoError(t, err)

	notes := "re-measured"
	status := schema.StatusWarning
	updated, err := s.Update(rec.ID, schema.RecordPatch{Notes: &notes, Status: &status, Measurements: map[string]float64{"b": 2}})
	require.NoError(t, err)

	assert.Equal(t, "ann", updated.Operator, "unspecified fields survive")
	assert.Equal(t, notes, updated.Notes)
	assert.Equal(t, schema.StatusWarning, updated.Status)
	assert.Equal(t, map[string]float64{"b": 2}, updated.Measurements)
	require.NotNil(t, updated.UpdatedAt)
	assert.True(t, updated.UpdatedAt.After(rec.CreatedAt))

	_, err = s.Update("missing", schema.RecordPatch{Notes: &notes})
	assert.ErrorIs(t, err, schema.ErrNotFound)

	bad := schema.Status("meh")
	_, err = s.Update(rec.ID, schema.RecordPatch{Status: &bad})
	assert.ErrorIs(t, err, schema.ErrInvalidRecord)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(rec.ID))
	_, err = s.Get(rec.ID)
	assert.ErrorIs(t, err, schema.ErrNotFound)
	assert.ErrorIs(t, s.Delete(rec.ID), schema.ErrNotFound)
}

func TestBulkCreateIsAllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.BulkCreate([]schema.MeasurementRecord{
		{RecipeID: "R1", BatchNo: "B1"},
		{RecipeID: "R1"},
	})
	require.ErrorIs(t, err, schema.ErrInvalidRecord)
	all, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, all)

	out, err := s.BulkCreate([]schema.MeasurementRecord{{RecipeID: "R1", BatchNo: "B1"}, {RecipeID: "R1", BatchNo: "B2"}})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSetStatuses(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1"})
	require.NoError(t, err)

	require.NoError(t, s.SetStatuses(map[string]schema.Status{rec.ID: schema.StatusAlert}))
	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAlert, got.Status)
	assert.ErrorIs(t, s.SetStatuses(map[string]schema.Status{"nope": schema.StatusAlert}), schema.ErrNotFound)
}

func TestLimitsUpsertOnPair(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "ph", UCL: 8, LCL: 6, CL: 7})
	require.NoError(t, err)
	_, err = s.SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "ph", UCL: 9, LCL: 5, CL: 7})
	require.NoError(t, err)
	_, err = s.SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "brix", UCL: 12, LCL: 10, CL: 11})
	require.NoError(t, err)

	limits, err := s.GetLimits("R1")
	require.NoError(t, err)
	require.Len(t, limits, 2, "setLimit replaces, never appends")
	assert.Equal(t, "brix", limits[0].Parameter)
	assert.Equal(t, 9.0, limits[1].UCL)
	assert.Equal(t, schema.LimitManual, limits[1].Source)

	_, err = s.SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "ph", USL: schema.Float(1), LSL: schema.Float(2)})
	assert.ErrorIs(t, err, schema.ErrInvalidSpec)

	require.NoError(t, s.DeleteLimit("R1", "ph"))
	_, err = s.GetLimit("R1", "ph")
	assert.ErrorIs(t, err, schema.ErrNotFound)
	assert.ErrorIs(t, s.DeleteLimit("R1", "ph"), schema.ErrNotFound)
}

func TestLimitKeysDoNotCollide(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.SetLimit(schema.ControlLimit{RecipeID: "a/b", Parameter: "c", UCL: 1})
	require.NoError(t, err)
	_, err = s.SetLimit(schema.ControlLimit{RecipeID: "a", Parameter: "b/c", UCL: 2})
	require.NoError(t, err)

	l1, err := s.GetLimit("a/b", "c")
	require.NoError(t, err)
	l2, err := s.GetLimit("a", "b/c")
	require.NoError(t, err)
	assert.Equal(t, 1.0, l1.UCL)
	assert.Equal(t, 2.0, l2.UCL)
}

type brokenKV struct{ *engine.MemStore }

func (brokenKV) Set(string, string, string, any) error { return errors.New("disk gone") }

func TestPersistenceFailureIsTyped(t *testing.T) {
	s := New(brokenKV{engine.NewMemStore(nil, nil)}, "plant")
	_, err := s.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1"})
	assert.ErrorIs(t, err, schema.ErrPersistenceFailure)
}

func TestExportImportRoundTrip(t *testing.T) {
	s, kv := newTestStore(t)
	base := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Create(schema.MeasurementRecord{
			RecipeID: "R1", BatchNo: fmt.Sprintf("B%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute),
			Measurements: map[string]float64{"ph": 7 + float64(i)/10}, Operator: "kim", Shift: "A", Notes: "n",
		})
		require.NoError(t, err)
	}
	notes := "edited"
	first, _ := s.ListByRecipe("R1")
	_, err := s.Update(first[0].ID, schema.RecordPatch{Notes: &notes})
	require.NoError(t, err)
	_, err = s.SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "ph", UCL: 8, LCL: 6, CL: 7, USL: schema.Float(9), LSL: schema.Float(5)})
	require.NoError(t, err)

	before, err := s.Export()
	require.NoError(t, err)
	text, err := json.Marshal(before)
	require.NoError(t, err)

	// Wipe, then restore from the textual form through a fresh store over the same kv.
	require.NoError(t, s.Import(schema.Bundle{}))
	empty, _ := s.List()
	require.Empty(t, empty)

	parsed, err := ParseBundle(text)
	require.NoError(t, err)
	restored := New(kv, "plant-a")
	require.NoError(t, restored.Import(parsed))
	require.NoError(t, restored.Import(parsed), "re-import of the same snapshot is idempotent")

	after, err := restored.Export()
	require.NoError(t, err)
	if diff := cmp.Diff(before.Data, after.Data); diff != "" {
		t.Errorf("records changed across export/import (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Limits, after.Limits); diff != "" {
		t.Errorf("limits changed across export/import (-before +after):\n%s", diff)
	}
}

func TestParseBundle(t *testing.T) {
	_, err := ParseBundle([]byte(`{"limits": []}`))
	assert.ErrorIs(t, err, schema.ErrMalformedSource)

	_, err = ParseBundle([]byte(`not json`))
	assert.ErrorIs(t, err, schema.ErrMalformedSource)

	wrapped, _ := json.Marshal(`{"data":[{"recipeId":"R","batchNo":"B"}],"limits":[]}`)
	b, err := ParseBundle(wrapped)
	require.NoError(t, err)
	assert.Len(t, b.Data, 1)
}

func TestImportRejectsUnknownStatus(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(sample("R1", "B0", time.Time{}, map[string]float64{"ph": 7}))
	require.NoError(t, err)

	for _, st := range []schema.Status{schema.StatusUnknown, "critical"} {
		err := s.Import(schema.Bundle{Data: []schema.MeasurementRecord{
			sample("R1", "B1", time.Time{}, map[string]float64{"ph": 7}),
			{RecipeID: "R1", BatchNo: "B2", Measurements: map[string]float64{"ph": 8}, Status: st},
		}})
		assert.ErrorIs(t, err, schema.ErrInvalidRecord, "status %q", st)
	}

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 1, "a rejected import leaves the dataset untouched")
	assert.Equal(t, "B0", recs[0].BatchNo)
}
