package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/analysis"
	"github.com/celerix-dev/celerix-spc/internal/archive"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/metrics"
	"github.com/celerix-dev/celerix-spc/internal/records"
	"github.com/celerix-dev/celerix-spc/internal/scheduler"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// maxBodyBytes caps request bodies read by ingestion and import.
const maxBodyBytes = 32 << 20

type Handler struct {
	Analysis  *analysis.Service
	Pipeline  *ingest.Pipeline
	Scheduler *scheduler.Scheduler
	// Archive and Metrics are optional.
	Archive archive.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// SyncInterval is used by sync/start when the request names none.
	SyncInterval time.Duration
	// BaseContext parents scheduled syncs, which outlive the request that started them.
	BaseContext context.Context
}

func (h *Handler) store() *records.Store { return h.Analysis.Store() }

func (h *Handler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrInvalidSpec),
		errors.Is(err, schema.ErrMalformedSource),
		errors.Is(err, schema.ErrInvalidRecord),
		errors.Is(err, ingest.ErrNoPollSource):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", schema.ErrMalformedSource, err)
	}
	return body, nil
}

// Records

func (h *Handler) ListRecords(c *gin.Context) {
	recipe, batch := c.Query("recipe"), c.Query("batch")
	var (
		recs []schema.MeasurementRecord
		err  error
	)
	switch {
	case recipe != "":
		recs, err = h.store().ListByRecipe(recipe)
	case batch != "":
		recs, err = h.store().ListByBatch(batch)
	default:
		recs, err = h.store().List()
	}
	if err != nil {
		fail(c, err)
		return
	}
	if recipe != "" && batch != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if r.BatchNo == batch {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	c.JSON(http.StatusOK, recs)
}

// CreateRecord stores a manual entry: one record object, or an array of them.
func (h *Handler) CreateRecord(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.Pipeline.Ingest(c.Request.Context(), ingest.Manual{}, body)
	if err != nil {
		fail(c, err)
		return
	}
	if len(res.Records) == 1 && strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		c.JSON(http.StatusCreated, res.Records[0])
		return
	}
	c.JSON(http.StatusCreated, res.Records)
}

func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.store().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// UpdateRecord applies a partial update. When measurements change and no status is given,
// the status is reclassified against the current limits.
func (h *Handler) UpdateRecord(c *gin.Context) {
	var patch schema.RecordPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.store().Update(c.Param("id"), patch)
	if err != nil {
		fail(c, err)
		return
	}
	if patch.Measurements != nil && patch.Status == nil {
		st, err := h.Analysis.ClassifyRecord(rec)
		if err != nil {
			fail(c, err)
			return
		}
		if st != rec.Status {
			if err := h.store().SetStatuses(map[string]schema.Status{rec.ID: st}); err != nil {
				fail(c, err)
				return
			}
			if rec, err = h.store().Get(rec.ID); err != nil {
				fail(c, err)
				return
			}
		}
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.store().Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Recipes and limits

func (h *Handler) ListRecipes(c *gin.Context) {
	recipes, err := h.store().Recipes()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recipes)
}

func (h *Handler) GetLimits(c *gin.Context) {
	limits, err := h.store().GetLimits(c.Param("recipe"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

// PutLimit upserts a manual limit and reclassifies the recipe's records against it.
func (h *Handler) PutLimit(c *gin.Context) {
	var limit schema.ControlLimit
	if err := c.ShouldBindJSON(&limit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit.RecipeID = c.Param("recipe")
	limit.Parameter = c.Param("parameter")
	limit.Source = schema.LimitManual
	limit.SampleCount = 0

	saved, err := h.store().SetLimit(limit)
	if err != nil {
		fail(c, err)
		return
	}
	h.recompute(c, saved)
}

func (h *Handler) recompute(c *gin.Context, limit schema.ControlLimit) {
	changed, err := h.Analysis.RecomputeStatuses(limit.RecipeID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit": limit, "statusesChanged": changed})
}

func (h *Handler) DeleteLimit(c *gin.Context) {
	recipe := c.Param("recipe")
	if err := h.store().DeleteLimit(recipe, c.Param("parameter")); err != nil {
		fail(c, err)
		return
	}
	if _, err := h.Analysis.RecomputeStatuses(recipe); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) ComputeLimit(c *gin.Context) {
	limit, err := h.Analysis.ComputeLimits(c.Param("recipe"), c.Param("parameter"))
	if err != nil {
		fail(c, err)
		return
	}
	h.recompute(c, limit)
}

func (h *Handler) ComputeAllLimits(c *gin.Context) {
	recipe := c.Param("recipe")
	report, err := h.Analysis.ComputeAllLimits(recipe)
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := h.Analysis.RecomputeStatuses(recipe); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Analysis

func optionalFloat(c *gin.Context, name string) (*float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q is not a number", schema.ErrInvalidSpec, name, raw)
	}
	return &f, nil
}

func (h *Handler) Capability(c *gin.Context) {
	usl, err := optionalFloat(c, "usl")
	if err != nil {
		fail(c, err)
		return
	}
	lsl, err := optionalFloat(c, "lsl")
	if err != nil {
		fail(c, err)
		return
	}
	req := analysis.SpecRequest{USL: usl, LSL: lsl}
	if raw := c.Query("subgroup"); raw != "" {
		if req.SubgroupSize, err = strconv.Atoi(raw); err != nil {
			fail(c, fmt.Errorf("%w: subgroup=%q is not an integer", schema.ErrInvalidSpec, raw))
			return
		}
	}
	res, err := h.Analysis.Capability(c.Param("recipe"), c.Param("parameter"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ParameterStatus(c *gin.Context) {
	st, err := h.Analysis.Status(c.Param("recipe"), c.Param("parameter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.Analysis.Summary(c.Param("recipe"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Ingestion

// Ingest accepts a raw payload for any source kind except webhook, which must go through
// the signed endpoint. File uploads may be multipart with a "file" part.
func (h *Handler) Ingest(c *gin.Context) {
	kind := ingest.Kind(strings.ToLower(c.Param("kind")))
	if kind == ingest.KindWebhook {
		fail(c, fmt.Errorf("%w: webhook payloads must be posted to /api/webhook", schema.ErrMalformedSource))
		return
	}
	src, err := ingest.ForKind(kind)
	if err != nil {
		fail(c, err)
		return
	}
	if kind == ingest.KindFile {
		if d := c.Query("delimiter"); d != "" {
			src = ingest.File{Delimiter: []rune(d)[0]}
		}
	}

	var body []byte
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			fail(c, fmt.Errorf("%w: %v", schema.ErrMalformedSource, err))
			return
		}
		f, err := fh.Open()
		if err != nil {
			fail(c, fmt.Errorf("%w: %v", schema.ErrMalformedSource, err))
			return
		}
		defer f.Close()
		body, err = io.ReadAll(io.LimitReader(f, maxBodyBytes))
		if err != nil {
			fail(c, fmt.Errorf("%w: %v", schema.ErrMalformedSource, err))
			return
		}
	} else if body, err = readBody(c); err != nil {
		fail(c, err)
		return
	}

	res, err := h.Pipeline.Ingest(c.Request.Context(), src, body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Webhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.Pipeline.HandleWebhook(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		if errors.Is(err, schema.ErrSignatureInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Import / export

func (h *Handler) Export(c *gin.Context) {
	bundle, err := h.store().Export()
	if err != nil {
		fail(c, err)
		return
	}
	if c.Query("archive") == "true" {
		if h.Archive == nil {
			fail(c, fmt.Errorf("%w: no archive is configured", schema.ErrInvalidRecord))
			return
		}
		data, err := json.Marshal(bundle)
		if err != nil {
			fail(c, err)
			return
		}
		loc, err := h.Archive.Put(c.Request.Context(), archive.BundleName(bundle.Dataset, bundle.ExportedAt), data)
		if err != nil {
			fail(c, err)
			return
		}
		h.log().Info("export archived", zap.String("location", loc), zap.Int("records", len(bundle.Data)))
		c.Header("X-Archive-Location", loc)
	}
	c.JSON(http.StatusOK, bundle)
}

// Import replaces the dataset with a bundle given as a JSON object or as its text.
func (h *Handler) Import(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		fail(c, err)
		return
	}
	bundle, err := records.ParseBundle(body)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.store().Import(bundle); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "records": len(bundle.Data), "limits": len(bundle.Limits)})
}

// Sync

type syncRequest struct {
	Source   string `json:"source" binding:"required"`
	Interval string `json:"interval"`
}

func (h *Handler) syncTask(kind ingest.Kind) scheduler.Task {
	return func(ctx context.Context) error {
		_, err := h.Pipeline.Sync(ctx, kind)
		return err
	}
}

func (h *Handler) pollSource(name string) (ingest.Kind, error) {
	kind := ingest.Kind(strings.ToLower(name))
	for _, k := range h.Pipeline.PollSources() {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ingest.ErrNoPollSource, name)
}

func (h *Handler) SyncStatus(c *gin.Context) {
	name, active := h.Scheduler.Active()
	c.JSON(http.StatusOK, gin.H{
		"active":   active,
		"source":   name,
		"interval": h.SyncInterval.String(),
		"sources":  h.Pipeline.PollSources(),
	})
}

func (h *Handler) StartSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := h.pollSource(req.Source)
	if err != nil {
		fail(c, err)
		return
	}
	interval := h.SyncInterval
	if req.Interval != "" {
		if interval, err = time.ParseDuration(req.Interval); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	base := h.BaseContext
	if base == nil {
		base = context.Background()
	}
	if err := h.Scheduler.Start(base, string(kind), interval, h.syncTask(kind)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "source": kind, "interval": interval.String()})
}

func (h *Handler) StopSync(c *gin.Context) {
	h.Scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// RunSync performs one sync immediately, sharing the overlap guard with scheduled ticks.
func (h *Handler) RunSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := h.pollSource(req.Source)
	if err != nil {
		fail(c, err)
		return
	}
	var res ingest.Result
	err = h.Scheduler.RunOnce(c.Request.Context(), string(kind), func(ctx context.Context) error {
		var err error
		res, err = h.Pipeline.Sync(ctx, kind)
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
