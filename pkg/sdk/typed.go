package sdk

import (
	"encoding/json"
	"errors"
)

// Get retrieves a type-safe value using Go generics.
// It handles JSON unmarshaling into the target type automatically.
func Get[T any](s KVReader, datasetID, bucketID, key string) (T, error) {
	var target T
	val, err := s.Get(datasetID, bucketID, key)
	if err != nil {
		return target, err
	}
	return Decode[T](val)
}

// Set stores a type-safe value using Go generics.
func Set[T any](s KVWriter, datasetID, bucketID, key string, val T) error {
	return s.Set(datasetID, bucketID, key, val)
}

// Decode converts a stored value into T. Values written in-process keep their Go type;
// values reloaded from disk come back as generic JSON maps and are re-marshaled.
func Decode[T any](val any) (T, error) {
	var target T
	if v, ok := val.(T); ok {
		return v, nil
	}
	bytes, err := json.Marshal(val)
	if err != nil {
		return target, err
	}
	err = json.Unmarshal(bytes, &target)
	return target, err
}

// IsNotFound reports whether err is any of the store's not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrBucketNotFound) || errors.Is(err, ErrDatasetNotFound)
}
