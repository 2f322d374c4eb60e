// Package archive stores export bundles outside the live dataset, on the local filesystem
// or in an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Sink persists named export bundles.
type Sink interface {
	Driver() string
	// Put stores data under name and returns where it landed.
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns archived names, oldest first.
	List(ctx context.Context) ([]string, error)
}

// BundleName builds the archive name for an export of dataset taken at t.
func BundleName(dataset string, t time.Time) string {
	return fmt.Sprintf("%s-%s.json", dataset, t.UTC().Format("20060102T150405Z"))
}

// sanitizeName rejects names that could escape the archive root.
func sanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty archive name", schema.ErrInvalidRecord)
	case strings.Contains(name, ".."), strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: invalid archive name %q", schema.ErrInvalidRecord, name)
	}
	return name, nil
}
