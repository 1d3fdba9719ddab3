package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/table"
	"github.com/devrev/pairdb/disktable/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTable struct {
	name     string
	gc       atomic.Int32
	gcHead   atomic.Int32
	compact  atomic.Int32
	publish  atomic.Int32
	gcDelay  time.Duration
	gcResult error
}

func (f *fakeTable) Name() string { return f.name }

func (f *fakeTable) SchedGc(ctx context.Context) error {
	f.gc.Add(1)
	if f.gcDelay > 0 {
		select {
		case <-time.After(f.gcDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.gcResult
}

func (f *fakeTable) GcHead(context.Context) error {
	f.gcHead.Add(1)
	return nil
}

func (f *fakeTable) CompactDB(context.Context) error {
	f.compact.Add(1)
	return nil
}

func (f *fakeTable) PublishMetrics() {
	f.publish.Add(1)
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	pool, err := workerpool.NewWorkerPool(&workerpool.Config{Name: "maintenance", MaxWorkers: 4, QueueSize: 16, Logger: zap.NewNop()})
	require.NoError(t, err)
	m := metrics.NewMetrics("node-1", prometheus.NewRegistry())
	s := New(cfg, pool, m, zap.NewNop())
	t.Cleanup(func() {
		s.Stop()
		_ = pool.Stop(time.Second)
	})
	return s
}

func TestScheduler_RunsPeriodicJobs(t *testing.T) {
	s := newTestScheduler(t, Config{
		GcInterval:         20 * time.Millisecond,
		CompactionInterval: 30 * time.Millisecond,
		MetricsInterval:    20 * time.Millisecond,
		Tick:               5 * time.Millisecond,
		WheelSize:          20,
	})
	s.Start()

	tbl := &fakeTable{name: "t1"}
	require.NoError(t, s.Register(tbl))

	assert.Eventually(t, func() bool {
		return tbl.gc.Load() >= 2 && tbl.compact.Load() >= 1 && tbl.publish.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), tbl.gcHead.Load())
	assert.GreaterOrEqual(t, s.GcAverage(), float64(0))
}

func TestScheduler_RegisterTwice(t *testing.T) {
	s := newTestScheduler(t, Config{GcInterval: time.Hour})
	tbl := &fakeTable{name: "t1"}
	require.NoError(t, s.Register(tbl))
	assert.Error(t, s.Register(tbl))
	assert.Equal(t, []string{"t1"}, s.Tables())
}

func TestScheduler_TriggerSkipsBusyJob(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.Start()
	tbl := &fakeTable{name: "t1", gcDelay: 200 * time.Millisecond}
	require.NoError(t, s.Register(tbl))

	require.NoError(t, s.Trigger("t1", JobGc))
	assert.Eventually(t, func() bool { return tbl.gc.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, s.Trigger("t1", JobGc))

	// other jobs of the same table are not blocked
	require.NoError(t, s.Trigger("t1", JobGcHead))
	assert.Eventually(t, func() bool { return tbl.gcHead.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return s.Trigger("t1", JobGc) == nil }, 2*time.Second, 20*time.Millisecond)
	assert.Error(t, s.Trigger("missing", JobGc))
}

func TestScheduler_UnregisterStopsTimers(t *testing.T) {
	s := newTestScheduler(t, Config{GcInterval: 10 * time.Millisecond, Tick: 5 * time.Millisecond, WheelSize: 20})
	s.Start()
	tbl := &fakeTable{name: "t1"}
	require.NoError(t, s.Register(tbl))
	assert.Eventually(t, func() bool { return tbl.gc.Load() >= 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Unregister("t1"))
	assert.False(t, s.Unregister("t1"))
	time.Sleep(30 * time.Millisecond)
	settled := tbl.gc.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, tbl.gc.Load())
}

func TestScheduler_StopRejectsWork(t *testing.T) {
	s := newTestScheduler(t, Config{GcInterval: time.Hour})
	s.Start()
	require.NoError(t, s.Register(&fakeTable{name: "t1"}))
	s.Stop()
	s.Stop()

	assert.Empty(t, s.Tables())
	assert.Error(t, s.Register(&fakeTable{name: "t2"}))
	assert.Error(t, s.Trigger("t1", JobGc))
}

func TestScheduler_DrivesDiskTable(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.Start()

	tbl, err := table.NewSimpleDiskTable("t1", 1, 1, map[string]uint32{"idx0": 0}, 1, model.TTLLatest,
		model.StorageModeHDD, t.TempDir(), table.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tbl.Init(ctx))
	defer tbl.Close()

	for ts := uint64(1); ts <= 4; ts++ {
		require.NoError(t, tbl.Put(ctx, "pk", ts, []byte("value")))
	}
	require.NoError(t, s.Register(tbl))
	require.NoError(t, s.Trigger(tbl.Name(), JobGc))

	assert.Eventually(t, func() bool { return tbl.GetRecordCnt() == 1 }, 2*time.Second, 10*time.Millisecond)
}
