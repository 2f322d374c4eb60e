package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-spc/internal/analysis"
	"github.com/celerix-dev/celerix-spc/internal/archive"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/metrics"
	"github.com/celerix-dev/celerix-spc/internal/records"
	"github.com/celerix-dev/celerix-spc/internal/scheduler"
	"github.com/celerix-dev/celerix-spc/internal/signature"
	"github.com/celerix-dev/celerix-spc/pkg/engine"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

const testSecret = "whsec_api"

func setupTestRouter(t *testing.T, fetchers map[ingest.Kind]ingest.Fetcher) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := records.New(engine.NewMemStore(nil, nil), "plant-a")
	svc := analysis.New(store, analysis.Options{})
	m := metrics.New()
	verifier, err := signature.New(signature.SchemeHMAC, signature.Options{})
	if err != nil {
		t.Fatal(err)
	}
	sink, err := archive.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(scheduler.Options{Metrics: m})
	t.Cleanup(func() {
		sched.Stop()
		sched.Wait()
	})

	h := &Handler{
		Analysis:     svc,
		Pipeline:     ingest.NewPipeline(svc, ingest.Options{Verifier: verifier, Secret: testSecret, Fetchers: fetchers, Metrics: m}),
		Scheduler:    sched,
		Archive:      sink,
		Metrics:      m,
		SyncInterval: time.Hour,
	}
	return NewRouter(h), h
}

func do(r *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func seedSeries(t *testing.T, h *Handler, recipe, parameter string, values ...float64) {
	t.Helper()
	recs := make([]schema.MeasurementRecord, len(values))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range values {
		recs[i] = schema.MeasurementRecord{
			RecipeID: recipe, BatchNo: "B1",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Measurements: map[string]float64{parameter: v},
		}
	}
	if _, err := h.Analysis.Store().BulkCreate(recs); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	r, _ := setupTestRouter(t, nil)

	w := do(r, "POST", "/api/records", `{"recipeId":"R1","batchNo":"B1","measurements":{"temp":5}}`)
	expectStatus(t, w, http.StatusCreated)
	var rec schema.MeasurementRecord
	decode(t, w, &rec)
	if rec.ID == "" || rec.Status != schema.StatusNormal || rec.Notes != "Manual entry" {
		t.Errorf("Unexpected record: %+v", rec)
	}

	w = do(r, "GET", "/api/records/"+rec.ID, "")
	expectStatus(t, w, http.StatusOK)

	w = do(r, "GET", "/api/records?recipe=R1&batch=B1", "")
	expectStatus(t, w, http.StatusOK)
	var list []schema.MeasurementRecord
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 record, got %d", len(list))
	}

	w = do(r, "GET", "/api/records?batch=other", "")
	decode(t, w, &list)
	if len(list) != 0 {
		t.Errorf("Expected no records for another batch, got %d", len(list))
	}
}

func TestErrorStatuses(t *testing.T) {
	r, _ := setupTestRouter(t, nil)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"missing record", "GET", "/api/records/nope", "", http.StatusNotFound},
		{"delete missing", "DELETE", "/api/records/nope", "", http.StatusNotFound},
		{"malformed manual", "POST", "/api/records", `{"batchNo":"B1"}`, http.StatusBadRequest},
		{"invalid json patch", "PATCH", "/api/records/x", `nope`, http.StatusBadRequest},
		{"unknown kind", "POST", "/api/ingest/ftp", `{}`, http.StatusBadRequest},
		{"webhook via ingest", "POST", "/api/ingest/webhook", `{}`, http.StatusBadRequest},
		{"missing limit", "DELETE", "/api/recipes/R1/limits/temp", "", http.StatusNotFound},
		{"compute without data", "POST", "/api/recipes/R1/limits/temp/compute", "", http.StatusUnprocessableEntity},
		{"bad usl", "GET", "/api/recipes/R1/parameters/temp/capability?usl=hot", "", http.StatusBadRequest},
		{"inverted spec", "PUT", "/api/recipes/R1/limits/temp", `{"usl":1,"lsl":2}`, http.StatusBadRequest},
		{"import without data", "POST", "/api/import", `{"limits":[]}`, http.StatusBadRequest},
		{"unknown route", "GET", "/api/nothing", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			expectStatus(t, w, tt.want)
			var body map[string]any
			decode(t, w, &body)
			if _, ok := body["error"]; !ok {
				t.Errorf("Expected an error message, got %v", body)
			}
		})
	}
}

func TestUpdateRecordReclassifies(t *testing.T) {
	r, h := setupTestRouter(t, nil)
	if _, err := h.Analysis.Store().SetLimit(schema.ControlLimit{RecipeID: "R1", Parameter: "temp", UCL: 10, LCL: 0, CL: 5}); err != nil {
		t.Fatal(err)
	}

	w := do(r, "POST", "/api/records", `{"recipeId":"R1","batchNo":"B1","measurements":{"temp":5}}`)
	var rec schema.MeasurementRecord
	decode(t, w, &rec)

	w = do(r, "PATCH", "/api/records/"+rec.ID, `{"measurements":{"temp":12},"notes":"recheck"}`)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &rec)
	if rec.Status != schema.StatusAlert || rec.Notes != "recheck" || rec.UpdatedAt == nil {
		t.Errorf("Unexpected record after patch: %+v", rec)
	}
}

func TestLimitsFlow(t *testing.T) {
	r, h := setupTestRouter(t, nil)
	values := make([]float64, 30)
	for i := range values {
		values[i] = 9
		if i%2 == 1 {
			values[i] = 11
		}
	}
	seedSeries(t, h, "R1", "temp", values...)

	w := do(r, "GET", "/api/recipes/R1/parameters/temp/capability", "")
	expectStatus(t, w, http.StatusBadRequest)

	w = do(r, "PUT", "/api/recipes/R1/limits/temp", `{"ucl":10.5,"lcl":9.5,"cl":10,"usl":16,"lsl":4}`)
	expectStatus(t, w, http.StatusOK)
	var put struct {
		Limit   schema.ControlLimit `json:"limit"`
		Changed int                 `json:"statusesChanged"`
	}
	decode(t, w, &put)
	if put.Changed != 30 || put.Limit.Source != schema.LimitManual {
		t.Errorf("Expected every record to become an alert, got %+v", put)
	}

	w = do(r, "POST", "/api/recipes/R1/limits/temp/compute", "")
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &put)
	if put.Limit.UCL != 13 || put.Limit.Source != schema.LimitComputed || put.Limit.USL == nil {
		t.Errorf("Unexpected computed limit: %+v", put.Limit)
	}

	w = do(r, "GET", "/api/recipes/R1/parameters/temp/capability?subgroup=4", "")
	expectStatus(t, w, http.StatusOK)
	var capRes map[string]any
	decode(t, w, &capRes)
	if capRes["pp"] == nil || capRes["usl"] != 16.0 {
		t.Errorf("Unexpected capability: %v", capRes)
	}

	w = do(r, "GET", "/api/recipes/R1/parameters/temp/status", "")
	expectStatus(t, w, http.StatusOK)

	w = do(r, "GET", "/api/recipes/R1/summary", "")
	expectStatus(t, w, http.StatusOK)

	w = do(r, "GET", "/api/recipes", "")
	var recipes []string
	decode(t, w, &recipes)
	if len(recipes) != 1 || recipes[0] != "R1" {
		t.Errorf("Expected [R1], got %v", recipes)
	}

	w = do(r, "POST", "/api/recipes/R1/compute", "")
	expectStatus(t, w, http.StatusOK)

	w = do(r, "DELETE", "/api/recipes/R1/limits/temp", "")
	expectStatus(t, w, http.StatusOK)
	w = do(r, "GET", "/api/recipes/R1/limits", "")
	var limits []schema.ControlLimit
	decode(t, w, &limits)
	if len(limits) != 0 {
		t.Errorf("Expected no limits, got %v", limits)
	}
}

func TestCapabilityNeedsThirtyPoints(t *testing.T) {
	r, h := setupTestRouter(t, nil)
	seedSeries(t, h, "R1", "temp", 1, 2, 3)
	w := do(r, "GET", "/api/recipes/R1/parameters/temp/capability?usl=10&lsl=0", "")
	expectStatus(t, w, http.StatusUnprocessableEntity)
}

func TestWebhook(t *testing.T) {
	r, h := setupTestRouter(t, nil)
	body := `{"event":"measurement","data":{"recipeId":"R1","batchNo":"B1","measurements":{"temp":5}}}`
	v, _ := signature.New(signature.SchemeHMAC, signature.Options{})
	good, _ := v.Sign([]byte(body), testSecret)

	w := do(r, "POST", "/api/webhook", body, "X-Webhook-Signature", good)
	expectStatus(t, w, http.StatusOK)

	w = do(r, "POST", "/api/webhook", body, "X-Webhook-Signature", strings.Repeat("0", 64))
	expectStatus(t, w, http.StatusUnauthorized)
	var res map[string]any
	decode(t, w, &res)
	if res["valid"] != false {
		t.Errorf("Expected valid=false, got %v", res)
	}

	w = do(r, "POST", "/api/webhook", body)
	expectStatus(t, w, http.StatusUnauthorized)

	all, _ := h.Analysis.Store().List()
	if len(all) != 1 {
		t.Errorf("Expected only the signed webhook to be stored, got %d", len(all))
	}
}

func TestIngestFileMultipart(t *testing.T) {
	r, _ := setupTestRouter(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "batch.csv")
	part.Write([]byte("recipeId;batchNo;temp;ph\nR1;B1;10;7\nR1;B2;11;7.2\n"))
	mw.Close()

	req, _ := http.NewRequest("POST", "/api/ingest/file?delimiter=%3B", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusCreated)

	var res ingest.Result
	decode(t, w, &res)
	if res.Count != 2 || res.Source != ingest.KindFile {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestIngestRawBody(t *testing.T) {
	r, _ := setupTestRouter(t, nil)
	w := do(r, "POST", "/api/ingest/gateway", `{"deviceId":"gw-9","telemetry":[{"recipe":"R1","batch":"B1","ts":1709280000000,"readings":{"temp":4}}]}`)
	expectStatus(t, w, http.StatusCreated)
}

func TestExportImportRoundTrip(t *testing.T) {
	r, h := setupTestRouter(t, nil)
	seedSeries(t, h, "R1", "temp", 1, 2, 3)
	do(r, "PUT", "/api/recipes/R1/limits/temp", `{"ucl":10,"lcl":0,"cl":5}`)

	w := do(r, "GET", "/api/export?archive=true", "")
	expectStatus(t, w, http.StatusOK)
	if w.Header().Get("X-Archive-Location") == "" {
		t.Error("Expected an archive location header")
	}
	exported := w.Body.String()
	var before schema.Bundle
	decode(t, w, &before)

	names, err := h.Archive.List(context.Background())
	if err != nil || len(names) != 1 {
		t.Fatalf("Expected one archived bundle, got %v (%v)", names, err)
	}

	// Mutate, then restore from the bundle given as text.
	do(r, "DELETE", "/api/records/"+before.Data[0].ID, "")
	text, _ := json.Marshal(exported)
	w = do(r, "POST", "/api/import", string(text))
	expectStatus(t, w, http.StatusOK)

	w = do(r, "GET", "/api/export", "")
	var after schema.Bundle
	decode(t, w, &after)
	if len(after.Data) != len(before.Data) || len(after.Limits) != 1 {
		t.Fatalf("Round trip lost data: before %d, after %d", len(before.Data), len(after.Data))
	}
	for i := range before.Data {
		b, a := before.Data[i], after.Data[i]
		if a.ID != b.ID || a.Status != b.Status || a.Measurements["temp"] != b.Measurements["temp"] || !a.Timestamp.Equal(b.Timestamp) {
			t.Errorf("Record %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestSyncEndpoints(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"records":[{"recipe":"R1","batch":"B%d","values":{"temp":5}}]}`, n)
	}))
	defer upstream.Close()

	r, h := setupTestRouter(t, map[ingest.Kind]ingest.Fetcher{
		ingest.KindAPI: &ingest.HTTPFetcher{URL: upstream.URL},
	})

	w := do(r, "POST", "/api/sync/run", `{"source":"api"}`)
	expectStatus(t, w, http.StatusOK)

	w = do(r, "POST", "/api/sync/run", `{"source":"platform"}`)
	expectStatus(t, w, http.StatusBadRequest)

	w = do(r, "POST", "/api/sync/start", `{"source":"api","interval":"1h"}`)
	expectStatus(t, w, http.StatusOK)
	w = do(r, "GET", "/api/sync", "")
	var status map[string]any
	decode(t, w, &status)
	if status["active"] != true || status["source"] != "api" {
		t.Errorf("Unexpected sync status: %v", status)
	}

	// The first tick runs right away; wait for it before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for {
		all, _ := h.Analysis.Store().List()
		if len(all) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected one record from the manual run and one from the first tick, got %d", len(all))
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = do(r, "POST", "/api/sync/stop", "")
	expectStatus(t, w, http.StatusOK)
	h.Scheduler.Wait()
	if _, active := h.Scheduler.Active(); active {
		t.Error("Expected no active sync after stop")
	}

	w = do(r, "POST", "/api/sync/start", `{"source":"api","interval":"soon"}`)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := setupTestRouter(t, nil)
	do(r, "POST", "/api/records", `{"recipeId":"R1","batchNo":"B1","measurements":{"temp":5}}`)

	w := do(r, "GET", "/metrics", "")
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `celerix_spc_records_ingested_total{source="manual"} 1`) {
		t.Errorf("Expected manual ingestion counter in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := setupTestRouter(t, nil)
	w := do(r, "OPTIONS", "/api/records", "")
	expectStatus(t, w, http.StatusNoContent)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
