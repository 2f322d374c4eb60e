package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/analysis"
	"github.com/celerix-dev/celerix-spc/internal/metrics"
	"github.com/celerix-dev/celerix-spc/internal/signature"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Options configure a Pipeline.
type Options struct {
	// Verifier and Secret authenticate webhooks. A nil Verifier rejects every webhook.
	Verifier signature.Verifier
	Secret   string
	// Fetchers are the poll sources available to Sync.
	Fetchers map[Kind]Fetcher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Pipeline runs payloads through normalization, classification and storage.
type Pipeline struct {
	analysis *analysis.Service
	verifier signature.Verifier
	secret   string
	fetchers map[Kind]Fetcher
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Result reports what an ingestion stored.
type Result struct {
	Source  Kind                       `json:"source"`
	Count   int                        `json:"count"`
	Records []schema.MeasurementRecord `json:"records"`
}

func NewPipeline(svc *analysis.Service, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	fetchers := make(map[Kind]Fetcher, len(opts.Fetchers))
	for k, f := range opts.Fetchers {
		fetchers[k] = f
	}
	return &Pipeline{
		analysis: svc,
		verifier: opts.Verifier,
		secret:   opts.Secret,
		fetchers: fetchers,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Ingest normalizes raw with src, classifies every record against the current limits and
// stores them all or none.
func (p *Pipeline) Ingest(ctx context.Context, src Source, raw []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res, err := p.ingest(src, raw)
	if err != nil {
		p.fail(src.Kind(), err)
		return Result{}, err
	}
	if p.metrics != nil {
		p.metrics.RecordsIngested.WithLabelValues(string(src.Kind())).Add(float64(res.Count))
	}
	p.log.Info("records ingested", zap.String("source", string(src.Kind())), zap.Int("count", res.Count))
	return res, nil
}

func (p *Pipeline) ingest(src Source, raw []byte) (Result, error) {
	recs, err := src.Transform(raw)
	if err != nil {
		return Result{}, err
	}
	classified, err := p.analysis.ClassifyRecords(recs)
	if err != nil {
		return Result{}, err
	}
	stored, err := p.analysis.Store().BulkCreate(classified)
	if err != nil {
		return Result{}, err
	}
	return Result{Source: src.Kind(), Count: len(stored), Records: stored}, nil
}

func (p *Pipeline) fail(kind Kind, err error) {
	if p.metrics != nil {
		p.metrics.IngestFailures.WithLabelValues(string(kind)).Inc()
	}
	p.log.Warn("ingestion rejected", zap.String("source", string(kind)), zap.Error(err))
}

// HandleWebhook verifies the payload signature found in headers and ingests it through the
// webhook source. Nothing is stored when verification fails.
func (p *Pipeline) HandleWebhook(ctx context.Context, raw []byte, headers map[string][]string) (Result, error) {
	if p.verifier == nil {
		err := fmt.Errorf("%w: webhook verification is not configured", schema.ErrSignatureInvalid)
		p.fail(KindWebhook, err)
		return Result{}, err
	}
	sig := signature.ExtractSignature(headers, p.verifier)
	verdict := p.verifier.Verify(raw, sig, p.secret)
	if p.metrics != nil {
		p.metrics.WebhookVerified.WithLabelValues(string(p.verifier.Scheme()), metrics.Outcome(verdict.Err())).Inc()
	}
	if !verdict.Valid {
		err := verdict.Err()
		p.fail(KindWebhook, err)
		return Result{}, err
	}
	return p.Ingest(ctx, Webhook{}, raw)
}

// ErrNoPollSource is returned by Sync for a kind without a configured fetcher.
var ErrNoPollSource = errors.New("poll source not configured")

// Sync fetches the configured poll source for kind and ingests the payload. Transport
// errors are returned as-is.
func (p *Pipeline) Sync(ctx context.Context, kind Kind) (Result, error) {
	fetcher, ok := p.fetchers[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPollSource, kind)
	}
	src, err := ForKind(kind)
	if err != nil {
		return Result{}, err
	}
	raw, err := fetcher.Fetch(ctx)
	if err != nil {
		p.fail(kind, err)
		return Result{}, fmt.Errorf("fetch %s: %w", kind, err)
	}
	return p.Ingest(ctx, src, raw)
}

// PollSources lists the kinds Sync can fetch, sorted.
func (p *Pipeline) PollSources() []Kind {
	out := make([]Kind, 0, len(p.fetchers))
	for k := range p.fetchers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
