package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDrivers(t *testing.T) {
	for _, driver := range []string{DriverFile, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			opts := Options{Driver: driver, DataDir: dir}

			store, closer, err := Open(context.Background(), opts, nil)
			require.NoError(t, err)
			require.NoError(t, store.Set("plant", "records", "r1", "x"))
			require.NoError(t, closer.Close())

			reopened, closer2, err := Open(context.Background(), opts, nil)
			require.NoError(t, err)
			defer closer2.Close()
			got, err := reopened.Get("plant", "records", "r1")
			require.NoError(t, err)
			assert.Equal(t, "x", got)
		})
	}
}

func TestOpenSQLiteHonorsDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.db")
	_, closer, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: path}, nil)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), Options{Driver: "etcd"}, nil)
	require.Error(t, err)
}
