// Package sdk defines the narrow key-value contract the SPC core uses to reach durable
// storage, plus typed helpers on top of it.
package sdk

import "errors"

var (
	// ErrDatasetNotFound is returned when a requested dataset does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrBucketNotFound is returned when a requested bucket does not exist within a dataset.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrKeyNotFound is returned when a requested key does not exist within a bucket.
	ErrKeyNotFound = errors.New("key not found")
)

// --- Functional Interfaces (Interface Segregation) ---

// KVReader defines the basic read operations for the store.
type KVReader interface {
	Get(datasetID, bucketID, key string) (any, error)
}

// KVWriter defines the basic write and delete operations for the store.
type KVWriter interface {
	Set(datasetID, bucketID, key string, val any) error
	Delete(datasetID, bucketID, key string) error
}

// BatchWriter applies several changes as one durable write.
type BatchWriter interface {
	// SetMany stores every entry of vals in a single write; either all land or none do.
	SetMany(datasetID, bucketID string, vals map[string]any) error
	// ReplaceBuckets swaps the full contents of each named bucket in a single write.
	ReplaceBuckets(datasetID string, buckets map[string]map[string]any) error
}

// DatasetEnumeration allows discovering datasets and buckets.
type DatasetEnumeration interface {
	GetDatasets() ([]string, error)
	GetBuckets(datasetID string) ([]string, error)
}

// BatchExporter allows retrieving bulk data.
type BatchExporter interface {
	GetBucket(datasetID, bucketID string) (map[string]any, error)
}

// --- Composite Interfaces ---

// Store is the primary interface for interacting with the durable store.
type Store interface {
	KVReader
	KVWriter
	BatchWriter
	DatasetEnumeration
	BatchExporter

	// Bucket returns a BucketScope that pins a dataset and bucket.
	Bucket(datasetID, bucketID string) BucketScope
}

// BucketScope provides a simplified, scoped interface for a specific dataset and bucket.
type BucketScope interface {
	Get(key string) (any, error)
	Set(key string, val any) error
	Delete(key string) error
	SetMany(vals map[string]any) error
	// All returns every key in the bucket; a missing bucket yields an empty map.
	All() (map[string]any, error)
}
