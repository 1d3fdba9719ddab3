package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetrics_RecordPut(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	m.RecordPut("orders", time.Millisecond, 128, nil)
	m.RecordPut("orders", time.Millisecond, 64, nil)
	m.RecordPut("orders", time.Millisecond, 64, errors.New("disk full"))

	assert.Equal(t, 2.0, counterValue(t, m.PutRequestsTotal.WithLabelValues("orders", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.PutRequestsTotal.WithLabelValues("orders", "failed")))
}

func TestMetrics_RecordGcPass(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	m.RecordGcPass("orders", "sched", 10*time.Millisecond, 7, 1, nil)
	m.RecordGcPass("orders", "head", 10*time.Millisecond, 3, 0, nil)

	assert.Equal(t, 10.0, counterValue(t, m.GcRecordsTrimmed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, counterValue(t, m.GcPinnedDeferred.WithLabelValues("orders")))
	assert.Equal(t, 1.0, counterValue(t, m.GcPassesTotal.WithLabelValues("orders", "head", "success")))
}

func TestMetrics_UpdateAndRemoveTable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.UpdateTable("orders", TableSample{Records: 5, Pks: 2, RecordBytes: 100, IndexRecords: 10})
	assert.Equal(t, 5.0, gaugeValue(t, m.TableRecords.WithLabelValues("orders")))
	assert.Equal(t, 10.0, gaugeValue(t, m.TableIndexRecords.WithLabelValues("orders")))

	m.RemoveTable("orders")
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "pairdb_disktable_records", f.GetName())
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPut("t", time.Millisecond, 1, nil)
		m.RecordGet("t", true)
		m.RecordDelete("t")
		m.RecordGcPass("t", "sched", time.Millisecond, 1, 0, nil)
		m.RecordCompactionJob("t", time.Millisecond, 1, 1, nil)
		m.RecordCheckpoint("t", time.Millisecond, nil)
		m.UpdateTable("t", TableSample{})
		m.RemoveTable("t")
		m.UpdateGcAverage(1)
		m.SetOpenTables(1)
		m.UpdateGossipStats(1, 1)
		m.UpdateDiskStats(1, 1)
	})
}
