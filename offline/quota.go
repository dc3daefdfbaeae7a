package offline

import (
	"context"
	"os"
)

// StorageEstimate is a platform report of persistent storage consumption.
type StorageEstimate struct {
	Usage int64
	Quota int64
}

// QuotaEstimator reports current storage usage and the platform quota.
//
// A nil estimator, an estimator error, or a zero quota all skip the
// pre-flight storage check.
type QuotaEstimator interface {
	Estimate(ctx context.Context) (StorageEstimate, error)
}

// StoreEstimator estimates usage from the size of a store file on disk
// against a fixed byte budget.
type StoreEstimator struct {
	path  string
	quota int64
}

// NewStoreEstimator builds an estimator for the store file at path with the
// given quota in bytes.
func NewStoreEstimator(path string, quota int64) *StoreEstimator {
	return &StoreEstimator{path: path, quota: quota}
}

// Estimate reports the store file's current size and the configured quota.
// A missing file counts as zero usage.
func (e *StoreEstimator) Estimate(_ context.Context) (StorageEstimate, error) {
	info, err := os.Stat(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StorageEstimate{Quota: e.quota}, nil
		}
		return StorageEstimate{}, err
	}
	return StorageEstimate{Usage: info.Size(), Quota: e.quota}, nil
}
