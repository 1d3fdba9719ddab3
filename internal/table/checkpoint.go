package table

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateCheckPoint writes a self-contained copy of the table to path, or
// to SnapshotPath when path is empty. The copy is built next to path and
// renamed into place, replacing any previous checkpoint.
func (t *DiskTable) CreateCheckPoint(ctx context.Context, path string) (err error) {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if path == "" {
		path = t.snapshotPath
	}
	start := time.Now()
	defer func() {
		t.metrics.RecordCheckpoint(t.name, time.Since(start), err)
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.IOError("failed to create checkpoint parent", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	defer os.RemoveAll(tmp)

	if err := t.storage.Checkpoint(ctx, tmp); err != nil {
		t.logger.Error("Checkpoint failed", zap.String("path", path), zap.Error(err))
		return err
	}
	if err := t.writeIndexMeta(tmp); err != nil {
		return errors.IOError("failed to write index metadata", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.IOError("failed to remove previous checkpoint", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.IOError("failed to move checkpoint into place", err)
	}

	t.logger.Info("Checkpoint created",
		zap.String("path", path),
		zap.Uint64("records", t.GetRecordCnt()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// RestoreSnapshot replaces the data directory under the table root with its
// snapshot directory. The table must not be open.
func RestoreSnapshot(rootPath string) error {
	data := filepath.Join(rootPath, dataDirName)
	snapshot := filepath.Join(rootPath, snapDirName)
	if _, err := os.Stat(snapshot); err != nil {
		return errors.IOError("no snapshot to restore", err)
	}
	if err := os.RemoveAll(data); err != nil {
		return errors.IOError("failed to remove data directory", err)
	}
	if err := os.Rename(snapshot, data); err != nil {
		return errors.IOError("failed to restore snapshot", err)
	}
	return nil
}

// RootPath is the {tid}_{pid} directory holding data and snapshot
func (t *DiskTable) RootPath() string {
	return t.rootPath
}
