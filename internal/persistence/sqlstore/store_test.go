package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-spc/pkg/engine"
)

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "spc.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, "sqlite", s.Dialect().Name)

	data := map[string]map[string]any{"records": {"r1": map[string]any{"recipeId": "R1"}}}
	require.NoError(t, s.SaveDataset("plant", data))

	// Second save overwrites the snapshot rather than adding a row.
	data["records"]["r2"] = map[string]any{"recipeId": "R2"}
	require.NoError(t, s.SaveDataset("plant", data))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all["plant"]["records"], 2)
}

func TestSQLiteBackedMemStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spc.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	ms := engine.NewMemStore(nil, s)
	require.NoError(t, ms.Set("plant", "limits", "k", "v"))
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	all, err := s2.LoadAll()
	require.NoError(t, err)

	val, err := engine.NewMemStore(all, s2).Get("plant", "limits", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestOpenReportsDriverErrors(t *testing.T) {
	orig := sqlOpen
	t.Cleanup(func() { sqlOpen = orig })
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }

	_, err := OpenPostgres(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open postgres")
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("CELERIX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CELERIX_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SaveDataset("pg-test", map[string]map[string]any{"b": {"k": 1.0}}))
	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, 1.0, all["pg-test"]["b"]["k"])
}
