package schema

import "errors"

// Error taxonomy shared by every component. Call sites wrap these with detail using %w,
// callers match them with errors.Is.
var (
	// ErrNotFound is returned by id-based lookups that miss.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientData is returned when a series is too short for the requested statistic.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidSpec is returned when specification bounds are unusable (usl <= lsl, non-numeric).
	ErrInvalidSpec = errors.New("invalid specification limits")
	// ErrMalformedSource is returned when an ingestion payload lacks its required shape.
	ErrMalformedSource = errors.New("malformed source payload")
	// ErrSignatureInvalid is returned when a pushed payload fails authentication.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrPersistenceFailure wraps errors from the underlying durable store.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvalidRecord is returned when a record misses required fields.
	ErrInvalidRecord = errors.New("invalid record")
)
