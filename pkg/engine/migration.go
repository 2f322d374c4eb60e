package engine

import (
	"fmt"

	"github.com/celerix-dev/celerix-spc/pkg/sdk"
)

// Migrate copies every dataset and bucket from src into dst, one batch write per bucket.
// This works for moving between storage backends, e.g. file → sqlite, or for backups.
func Migrate(src, dst sdk.Store) error {
	datasets, err := src.GetDatasets()
	if err != nil {
		return fmt.Errorf("failed to list datasets: %w", err)
	}

	for _, dID := range datasets {
		buckets, err := src.GetBuckets(dID)
		if err != nil {
			return fmt.Errorf("failed to list buckets for dataset %s: %w", dID, err)
		}

		for _, bID := range buckets {
			data, err := src.GetBucket(dID, bID)
			if err != nil {
				return fmt.Errorf("failed to dump bucket %s: %w", bID, err)
			}
			if err := dst.SetMany(dID, bID, data); err != nil {
				return fmt.Errorf("failed to write bucket %s in destination: %w", bID, err)
			}
		}
	}

	return nil
}
