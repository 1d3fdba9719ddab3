package service

import (
	"encoding/json"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGossipService_StateExchange(t *testing.T) {
	local := newGossipState(&GossipConfig{}, "node-a", zap.NewNop())
	remote := newGossipState(&GossipConfig{}, "node-b", zap.NewNop())

	remote.UpdateHealthStatus(model.HealthMetrics{OpenTables: 1}, []model.PartitionStatus{
		{Name: "t1", Tid: 1, Pid: 0, RecordCnt: 10, RecordPkCnt: 2, IdxCnt: 2},
	})
	local.MergeRemoteState(remote.LocalState(false), true)

	peers := local.Peers()
	require.Contains(t, peers, "node-b")
	assert.Equal(t, model.NodeStatusHealthy, peers["node-b"].Status)
	require.Len(t, peers["node-b"].Partitions, 1)
	assert.Equal(t, uint64(10), peers["node-b"].Partitions[0].RecordCnt)

	// our own state echoed back is ignored
	local.NotifyMsg(local.LocalState(false))
	assert.NotContains(t, local.Peers(), "node-a")

	// stale state does not replace newer state
	stale := peers["node-b"]
	stale.Timestamp--
	stale.Partitions = nil
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	local.NotifyMsg(data)
	assert.Len(t, local.Peers()["node-b"].Partitions, 1)

	local.NotifyMsg([]byte("garbage"))
	assert.Len(t, local.Peers(), 1)
}

func TestGossipService_StatusFromMetrics(t *testing.T) {
	gs := newGossipState(&GossipConfig{}, "n", zap.NewNop())

	tests := []struct {
		name    string
		metrics model.HealthMetrics
		want    model.NodeStatus
	}{
		{name: "healthy", metrics: model.HealthMetrics{DiskUsage: 10, OpenTables: 3}, want: model.NodeStatusHealthy},
		{name: "disk pressure", metrics: model.HealthMetrics{DiskUsage: 95}, want: model.NodeStatusDegraded},
		{name: "every table failing gc", metrics: model.HealthMetrics{OpenTables: 2, GcFailures: 2}, want: model.NodeStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs.UpdateHealthStatus(tt.metrics, nil)
			assert.Equal(t, tt.want, gs.Status().Status)
		})
	}

	meta := gs.NodeMeta(512)
	assert.NotEmpty(t, meta)
	assert.Nil(t, gs.NodeMeta(4))
	assert.Equal(t, 1, gs.Members())
}
