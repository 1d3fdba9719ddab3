package diskmanager

import (
	"sync/atomic"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDisk reports a fixed total size and a settable free size
type fakeDisk struct {
	total     uint64
	available atomic.Uint64
}

func (f *fakeDisk) stat(string) (uint64, uint64, error) {
	return f.total, f.available.Load(), nil
}

func newTestManager(t *testing.T, disk *fakeDisk) *DiskManager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = 0
	dm, err := newDiskManager(cfg, zap.NewNop(), disk.stat)
	require.NoError(t, err)
	return dm
}

func TestDiskManager_CheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		request   uint64
		wantErr   bool
		detail    string
	}{
		{name: "plenty of space", available: 500, request: 10},
		{name: "throttled small write passes", available: 80, request: 5},
		{name: "throttled large write rejected", available: 80, request: 50, wantErr: true, detail: "throttled"},
		{name: "circuit broken", available: 20, request: 1, wantErr: true, detail: "circuit_broken"},
		{name: "write larger than free space", available: 500, request: 600, wantErr: true, detail: "requested_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := &fakeDisk{total: 1000}
			disk.available.Store(tt.available)
			dm := newTestManager(t, disk)

			err := dm.CheckBeforeWrite(tt.request)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeDiskFull))
			var se *errors.StorageError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, se.Details, tt.detail)
		})
	}
}

func TestDiskManager_Recovers(t *testing.T) {
	disk := &fakeDisk{total: 1000}
	disk.available.Store(10)
	dm := newTestManager(t, disk)

	assert.True(t, dm.GetDiskUsage().IsCircuitBroken)
	assert.Error(t, dm.CheckBeforeWrite(1))

	disk.available.Store(900)
	require.NoError(t, dm.ForceCheck())
	usage := dm.GetDiskUsage()
	assert.False(t, usage.IsCircuitBroken)
	assert.False(t, usage.IsThrottled)
	assert.InDelta(t, 10.0, usage.UsagePercent, 0.001)
	assert.NoError(t, dm.CheckBeforeWrite(1))
}

func TestNewDiskManager_RequiresPath(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, nil)
	assert.Error(t, err)
}
