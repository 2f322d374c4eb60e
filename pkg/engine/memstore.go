package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-spc/pkg/sdk"
)

// MemStore is the thread-safe in-memory engine. Every mutation is written through to the
// persister before it becomes visible, so a failed save leaves memory untouched.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [datasetID][bucketID][key]value
	data      map[string]map[string]map[string]any
	persister Persister
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and an optional persister.
func NewMemStore(initialData map[string]map[string]map[string]any, p Persister) *MemStore {
	if initialData == nil {
		initialData = make(map[string]map[string]map[string]any)
	}
	return &MemStore{
		data:      initialData,
		persister: p,
	}
}

func (m *MemStore) Get(datasetID, bucketID, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dataset, ok := m.data[datasetID]
	if !ok {
		return nil, sdk.ErrDatasetNotFound
	}

	bucket, ok := dataset[bucketID]
	if !ok {
		return nil, sdk.ErrBucketNotFound
	}

	val, ok := bucket[key]
	if !ok {
		return nil, sdk.ErrKeyNotFound
	}

	return val, nil
}

func (m *MemStore) Set(datasetID, bucketID, key string, val any) error {
	return m.mutate(datasetID, func(ds map[string]map[string]any) {
		bucketFor(ds, bucketID)[key] = val
	})
}

func (m *MemStore) SetMany(datasetID, bucketID string, vals map[string]any) error {
	if len(vals) == 0 {
		return nil
	}
	return m.mutate(datasetID, func(ds map[string]map[string]any) {
		b := bucketFor(ds, bucketID)
		for k, v := range vals {
			b[k] = v
		}
	})
}

func (m *MemStore) ReplaceBuckets(datasetID string, buckets map[string]map[string]any) error {
	return m.mutate(datasetID, func(ds map[string]map[string]any) {
		for bucketID, vals := range buckets {
			b := make(map[string]any, len(vals))
			for k, v := range vals {
				b[k] = v
			}
			ds[bucketID] = b
		}
	})
}

func (m *MemStore) Delete(datasetID, bucketID, key string) error {
	return m.mutate(datasetID, func(ds map[string]map[string]any) {
		if b, ok := ds[bucketID]; ok {
			delete(b, key)
		}
	})
}

// mutate applies fn to a copy of the dataset, persists the copy and only then swaps it in.
func (m *MemStore) mutate(datasetID string, fn func(map[string]map[string]any)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.copyDatasetData(datasetID)
	fn(next)

	if m.persister != nil {
		if err := m.persister.SaveDataset(datasetID, next); err != nil {
			return fmt.Errorf("save dataset %s: %w", datasetID, err)
		}
	}
	m.data[datasetID] = next
	return nil
}

func bucketFor(ds map[string]map[string]any, bucketID string) map[string]any {
	b, ok := ds[bucketID]
	if !ok {
		b = make(map[string]any)
		ds[bucketID] = b
	}
	return b
}

// copyDatasetData creates a copy of a dataset's bucket maps. Values are shared; callers
// store immutable values.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyDatasetData(datasetID string) map[string]map[string]any {
	datasetCopy := make(map[string]map[string]any)
	for bucketID, bucketData := range m.data[datasetID] {
		bucketCopy := make(map[string]any, len(bucketData))
		for k, v := range bucketData {
			bucketCopy[k] = v
		}
		datasetCopy[bucketID] = bucketCopy
	}
	return datasetCopy
}

func (m *MemStore) GetDatasets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.data))
	for id := range m.data {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}

func (m *MemStore) GetBuckets(datasetID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []string
	if buckets, ok := m.data[datasetID]; ok {
		for bucketID := range buckets {
			list = append(list, bucketID)
		}
	}
	sort.Strings(list)
	return list, nil
}

func (m *MemStore) GetBucket(datasetID, bucketID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if d, ok := m.data[datasetID]; ok {
		if b, ok := d[bucketID]; ok {
			// Return a copy to prevent external mutation of the internal map
			out := make(map[string]any, len(b))
			for k, v := range b {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, sdk.ErrBucketNotFound
}

// Bucket returns a scoped view of a single dataset and bucket.
func (m *MemStore) Bucket(datasetID, bucketID string) sdk.BucketScope {
	return &LocalBucketScope{store: m, datasetID: datasetID, bucketID: bucketID}
}

// LocalBucketScope is a scoped view that "remembers" its dataset and bucket IDs.
type LocalBucketScope struct {
	store     *MemStore
	datasetID string
	bucketID  string
}

func (b *LocalBucketScope) Get(key string) (any, error) {
	return b.store.Get(b.datasetID, b.bucketID, key)
}

func (b *LocalBucketScope) Set(key string, val any) error {
	return b.store.Set(b.datasetID, b.bucketID, key, val)
}

func (b *LocalBucketScope) Delete(key string) error {
	return b.store.Delete(b.datasetID, b.bucketID, key)
}

func (b *LocalBucketScope) SetMany(vals map[string]any) error {
	return b.store.SetMany(b.datasetID, b.bucketID, vals)
}

func (b *LocalBucketScope) All() (map[string]any, error) {
	vals, err := b.store.GetBucket(b.datasetID, b.bucketID)
	if sdk.IsNotFound(err) {
		return map[string]any{}, nil
	}
	return vals, err
}
