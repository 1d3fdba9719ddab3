package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFakeDisk(t *testing.T, available *atomic.Uint64) *diskmanager.DiskManager {
	t.Helper()
	cfg := diskmanager.DefaultConfig(t.TempDir())
	cfg.CheckInterval = 0
	cfg.Statfs = func(string) (uint64, uint64, error) {
		return 100, available.Load(), nil
	}
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestHealthChecker_DiskStates(t *testing.T) {
	var available atomic.Uint64
	available.Store(50)
	dm := newFakeDisk(t, &available)

	var flips []bool
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", Disks: []*diskmanager.DiskManager{dm}}, zap.NewNop())
	h.OnReadinessChange(func(ready bool) { flips = append(flips, ready) })

	h.RunChecks()
	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
	assert.Contains(t, h.GetChecks(), "root_accessible:"+dm.Path())

	available.Store(8)
	h.RunChecks()
	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)

	available.Store(2)
	h.RunChecks()
	assert.False(t, h.IsReady())
	assert.True(t, h.IsLive())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)

	available.Store(60)
	h.RunChecks()
	assert.True(t, h.IsReady())
	assert.Equal(t, []bool{false, true}, flips)
}

func TestHealthChecker_Status(t *testing.T) {
	var available atomic.Uint64
	available.Store(70)
	h := NewHealthChecker(&HealthCheckConfig{
		NodeID: "node-1",
		Disks:  []*diskmanager.DiskManager{newFakeDisk(t, &available)},
		Tables: func() []model.PartitionStatus {
			return []model.PartitionStatus{{Name: "t1", Tid: 1, Pid: 1, RecordCnt: 10, IdxCnt: 2}}
		},
		GcAverage: func() float64 { return 12.5 },
	}, zap.NewNop())
	h.RunChecks()

	status := h.GetStatus()
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, 1, status.Metrics.OpenTables)
	assert.Equal(t, 12.5, status.Metrics.GcAvgMillis)
	assert.InDelta(t, 30.0, status.Metrics.DiskUsage, 0.01)
	require.Len(t, status.Partitions, 1)
	assert.Equal(t, uint64(10), status.Partitions[0].RecordCnt)
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetReadiness(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])

	h.SetLiveness(false)
	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"node_id":"node-1"`)
}
