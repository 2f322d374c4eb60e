package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-spc/internal/config"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/signature"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Dataset = "plant-a"
	return cfg
}

func TestNewWiresServices(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.Secret = "s3cret"
	cfg.Sources[config.SourceAPI] = config.SourceConfig{URL: "http://127.0.0.1:1/feed"}

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, err = a.Records.Create(schema.MeasurementRecord{RecipeID: "R1", BatchNo: "B1", Measurements: map[string]float64{"t": 1}})
	require.NoError(t, err)
	assert.Equal(t, []ingest.Kind{ingest.KindAPI}, a.Pipeline.PollSources())
	assert.Equal(t, signature.SchemeHMAC, a.Verifier.Scheme())
	require.NoError(t, a.Close())

	// Reopening the file backend sees the record.
	b, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	recs, err := b.Records.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "floppy"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewVerifierSchemes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.Scheme = "raw-hash"
	cfg.Webhook.HashAlgorithm = "blake3"
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	assert.Equal(t, signature.SchemeRawHash, v.Scheme())

	cfg.Webhook.Scheme = "md5"
	_, err = NewVerifier(cfg)
	assert.Error(t, err)
}

func TestNewArchive(t *testing.T) {
	cfg := testConfig(t)
	sink, err := NewArchive(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "fs", sink.Driver())

	cfg.Archive.Driver = "tape"
	_, err = NewArchive(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrNoArchive))
}
