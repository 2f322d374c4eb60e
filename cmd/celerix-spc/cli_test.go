package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-spc/internal/persistence"
)

type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "celerix-spc.yaml")
	body := "dataset: plant-a\ndata_dir: " + filepath.Join(dir, "data") + "\nwebhook:\n  secret: cli-secret\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return testEnv{dir: dir, config: cfg}
}

func (e testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (e testEnv) run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const sampleCSV = "recipeId,batchNo,timestamp,temp\nR1,B1,2024-03-01T10:00:00Z,4\nR1,B2,2024-03-01T11:00:00Z,12\n"

func TestIngestLimitsAnalyze(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("ingest", "file", env.write(t, "batch.csv", sampleCSV))
	require.NoError(t, err, out)
	assert.Contains(t, out, "ingested 2 records from file")

	out, err = env.run("limits", "set", "R1", "temp", "--ucl", "10", "--lcl", "0", "--cl", "5")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 record statuses changed")

	out, err = env.run("analyze", "R1", "temp")
	require.NoError(t, err, out)
	start := strings.Index(out, "{")
	require.GreaterOrEqual(t, start, 0, out)
	var report struct {
		Status struct {
			N      int    `json:"n"`
			Status string `json:"status"`
		} `json:"status"`
		CapabilityError string `json:"capabilityError"`
	}
	require.NoError(t, json.Unmarshal([]byte(out[start:]), &report))
	assert.Equal(t, 2, report.Status.N)
	assert.Equal(t, "alert", report.Status.Status)
	assert.Contains(t, report.CapabilityError, "insufficient data")

	out, err = env.run("limits", "R1")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"parameter": "temp"`)
}

func TestIngestRejectsWebhookKind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run("ingest", "webhook", env.write(t, "hook.json", `{}`))
	assert.Error(t, err)
}

func TestExportImportArchive(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run("ingest", "file", env.write(t, "batch.csv", sampleCSV))
	require.NoError(t, err)

	bundlePath := filepath.Join(env.dir, "bundle.json")
	out, err := env.run("export", "-o", bundlePath, "--archive")
	require.NoError(t, err, out)
	assert.Contains(t, out, "archived to")

	out, err = env.run("archive")
	require.NoError(t, err, out)
	names := strings.Fields(out)
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "plant-a-"))

	out, err = env.run("--dataset", "plant-b", "import", bundlePath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported 2 records and 0 limits into plant-b")

	out, err = env.run("--dataset", "plant-c", "import", "--from-archive", names[0])
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported 2 records")
}

func TestSignVerify(t *testing.T) {
	env := newTestEnv(t)
	payload := env.write(t, "payload.json", `{"event":"measurement","data":{}}`)

	out, err := env.run("sign", payload)
	require.NoError(t, err, out)
	header, sig, ok := strings.Cut(strings.TrimSpace(out), ": ")
	require.True(t, ok, out)
	assert.Equal(t, "x-webhook-signature", header)

	out, err = env.run("verify", payload, "--signature", sig)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"valid": true`)

	_, err = env.run("verify", payload, "--signature", sig, "--secret", "other")
	assert.Error(t, err)

	out, err = env.run("sign", payload, "--scheme", "raw-hash", "--algorithm", "blake3")
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(out, "x-webhook-hash: "))
}

func TestMigrateToSQLite(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run("ingest", "file", env.write(t, "batch.csv", sampleCSV))
	require.NoError(t, err)

	dbPath := filepath.Join(env.dir, "spc.db")
	out, err := env.run("migrate", "--to-driver", "sqlite", "--to-dsn", dbPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "migrated 1 datasets from file to sqlite")

	kv, closer, err := persistence.Open(context.Background(), persistence.Options{Driver: persistence.DriverSQLite, DSN: dbPath}, nil)
	require.NoError(t, err)
	defer closer.Close()
	recs, err := kv.GetBucket("plant-a", "records")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
