package table

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/devrev/pairdb/disktable/internal/storage/diskmanager"
	"github.com/devrev/pairdb/disktable/internal/util/workerpool"
	"github.com/devrev/pairdb/disktable/internal/validation"
	"go.uber.org/zap"
)

const (
	defaultDeletedIndexBatch = 1000
	defaultGcBatch           = 512
)

// Options carries the process-wide knobs of a table
type Options struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// TraverseBudget caps the physical entries a TraverseIterator examines
	// between seeks. Zero means unbounded.
	TraverseBudget uint64

	// GCSafeOffset is subtracted from every record's age before the
	// absolute ttl is applied
	GCSafeOffset time.Duration

	// DeletedIndexBatch bounds how many entries of a deleted index one
	// SchedGc pass removes
	DeletedIndexBatch int

	// GcBatch bounds the records trimmed under one bucket lock
	GcBatch int

	// Storage is the substrate template; DataDir is set per table
	Storage service.StorageConfig

	Pool        *workerpool.WorkerPool
	DiskManager *diskmanager.DiskManager
	Validator   *validation.Validator
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.DeletedIndexBatch <= 0 {
		o.DeletedIndexBatch = defaultDeletedIndexBatch
	}
	if o.GcBatch <= 0 {
		o.GcBatch = defaultGcBatch
	}
	if o.Validator == nil {
		o.Validator = validation.NewValidator()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) nowMs() int64 {
	return o.Clock().UnixMilli()
}

// RootPaths are the root directories of the two storage tiers
type RootPaths struct {
	SSD string
	HDD string
}

// For returns the root of the given tier
func (r RootPaths) For(mode model.StorageMode) (string, error) {
	var root string
	switch mode {
	case model.StorageModeSSD:
		root = r.SSD
	case model.StorageModeHDD, "":
		root = r.HDD
	default:
		return "", fmt.Errorf("unknown storage mode %q", mode)
	}
	if root == "" {
		return "", fmt.Errorf("no root path configured for storage mode %q", mode)
	}
	return root, nil
}
