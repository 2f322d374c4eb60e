// Package engine implements the in-memory key-value engine behind the SPC record store.
package engine

import "github.com/celerix-dev/celerix-spc/pkg/sdk"

// Persister durably stores whole datasets. Implementations must make SaveDataset atomic:
// after a failure the previously saved state is still the one LoadAll returns.
type Persister interface {
	SaveDataset(datasetID string, data map[string]map[string]any) error
	LoadAll() (map[string]map[string]map[string]any, error)
}

var _ sdk.Store = (*MemStore)(nil)
