package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "disktable"
)

// Metrics holds all Prometheus metrics for the disk table node.
// Every Record/Update method is safe to call on a nil *Metrics.
type Metrics struct {
	// Write/Read operation metrics
	PutRequestsTotal *prometheus.CounterVec
	PutDuration      prometheus.Histogram
	PutBytes         prometheus.Histogram
	GetRequestsTotal *prometheus.CounterVec
	DeletesTotal     *prometheus.CounterVec

	// GC metrics
	GcPassesTotal       *prometheus.CounterVec
	GcPassDuration      prometheus.Histogram
	GcRecordsTrimmed    *prometheus.CounterVec
	GcPinnedDeferred    *prometheus.CounterVec
	GcAvgDurationMillis prometheus.Gauge

	// Compaction metrics
	CompactionJobsTotal       *prometheus.CounterVec
	CompactionJobDuration     prometheus.Histogram
	CompactionEntriesFiltered *prometheus.CounterVec
	CompactionBytesWritten    prometheus.Counter

	// Checkpoint metrics
	CheckpointsTotal   *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram

	// Table metrics
	TableRecords      *prometheus.GaugeVec
	TablePks          *prometheus.GaugeVec
	TableRecordBytes  *prometheus.GaugeVec
	TableIndexRecords *prometheus.GaugeVec
	MemTableSizeBytes *prometheus.GaugeVec
	SSTableCount      *prometheus.GaugeVec
	CacheHitRatio     *prometheus.GaugeVec
	OpenTables        prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		PutRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "put_requests_total",
			Help:        "Total number of put requests",
			ConstLabels: labels,
		}, []string{"table", "status"}),
		PutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "put_duration_seconds",
			Help:        "Put request duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		PutBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "put_bytes",
			Help:        "Value size of put requests in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(16, 4, 10),
		}),
		GetRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "get_requests_total",
			Help:        "Total number of point lookups by result",
			ConstLabels: labels,
		}, []string{"table", "result"}),
		DeletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "deletes_total",
			Help:        "Total number of primary key deletes",
			ConstLabels: labels,
		}, []string{"table"}),

		GcPassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_passes_total",
			Help:        "Total number of GC passes by kind and status",
			ConstLabels: labels,
		}, []string{"table", "kind", "status"}),
		GcPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_pass_duration_seconds",
			Help:        "GC pass duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		GcRecordsTrimmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_records_trimmed_total",
			Help:        "Total number of expired records removed by GC",
			ConstLabels: labels,
		}, []string{"table"}),
		GcPinnedDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_pinned_deferred_total",
			Help:        "Total number of buckets skipped by GC because an iterator pinned them",
			ConstLabels: labels,
		}, []string{"table"}),
		GcAvgDurationMillis: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_avg_duration_ms",
			Help:        "Moving average of scheduled maintenance duration in milliseconds",
			ConstLabels: labels,
		}),

		CompactionJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "compaction_jobs_total",
			Help:        "Total number of compaction jobs",
			ConstLabels: labels,
		}, []string{"table", "status"}),
		CompactionJobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "compaction_job_duration_seconds",
			Help:        "Compaction job duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		CompactionEntriesFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "compaction_entries_filtered_total",
			Help:        "Total number of entries dropped by the compaction filter",
			ConstLabels: labels,
		}, []string{"table"}),
		CompactionBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "compaction_bytes_written_total",
			Help:        "Total bytes written by compaction",
			ConstLabels: labels,
		}),

		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "checkpoints_total",
			Help:        "Total number of checkpoints",
			ConstLabels: labels,
		}, []string{"table", "status"}),
		CheckpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "checkpoint_duration_seconds",
			Help:        "Checkpoint duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		TableRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "records",
			Help:        "Live logical records per table",
			ConstLabels: labels,
		}, []string{"table"}),
		TablePks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "primary_keys",
			Help:        "Distinct primary keys per table",
			ConstLabels: labels,
		}, []string{"table"}),
		TableRecordBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "record_bytes",
			Help:        "Live record bytes per table",
			ConstLabels: labels,
		}, []string{"table"}),
		TableIndexRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "index_records",
			Help:        "Live physical records across all indexes per table",
			ConstLabels: labels,
		}, []string{"table"}),
		MemTableSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "memtable_size_bytes",
			Help:        "Current memtable size in bytes",
			ConstLabels: labels,
		}, []string{"table"}),
		SSTableCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "sstables",
			Help:        "Number of live SSTables",
			ConstLabels: labels,
		}, []string{"table"}),
		CacheHitRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_hit_ratio",
			Help:        "Read cache hit ratio",
			ConstLabels: labels,
		}, []string{"table"}),
		OpenTables: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "open_tables",
			Help:        "Number of open tables",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_members_healthy",
			Help:        "Number of healthy gossip members",
			ConstLabels: labels,
		}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage of the data root",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// RecordPut records one put request
func (m *Metrics) RecordPut(table string, duration time.Duration, bytes int, err error) {
	if m == nil {
		return
	}
	m.PutRequestsTotal.WithLabelValues(table, status(err)).Inc()
	m.PutDuration.Observe(duration.Seconds())
	m.PutBytes.Observe(float64(bytes))
}

// RecordGet records one point lookup
func (m *Metrics) RecordGet(table string, found bool) {
	if m == nil {
		return
	}
	result := "miss"
	if found {
		result = "hit"
	}
	m.GetRequestsTotal.WithLabelValues(table, result).Inc()
}

func (m *Metrics) RecordDelete(table string) {
	if m == nil {
		return
	}
	m.DeletesTotal.WithLabelValues(table).Inc()
}

// RecordGcPass records one SchedGc or GcHead pass
func (m *Metrics) RecordGcPass(table, kind string, duration time.Duration, trimmed, deferred int, err error) {
	if m == nil {
		return
	}
	m.GcPassesTotal.WithLabelValues(table, kind, status(err)).Inc()
	m.GcPassDuration.Observe(duration.Seconds())
	m.GcRecordsTrimmed.WithLabelValues(table).Add(float64(trimmed))
	m.GcPinnedDeferred.WithLabelValues(table).Add(float64(deferred))
}

func (m *Metrics) UpdateGcAverage(millis float64) {
	if m == nil {
		return
	}
	m.GcAvgDurationMillis.Set(millis)
}

// RecordCompactionJob records one CompactDB run
func (m *Metrics) RecordCompactionJob(table string, duration time.Duration, filtered int, bytesWritten int64, err error) {
	if m == nil {
		return
	}
	m.CompactionJobsTotal.WithLabelValues(table, status(err)).Inc()
	m.CompactionJobDuration.Observe(duration.Seconds())
	m.CompactionEntriesFiltered.WithLabelValues(table).Add(float64(filtered))
	m.CompactionBytesWritten.Add(float64(bytesWritten))
}

func (m *Metrics) RecordCheckpoint(table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(table, status(err)).Inc()
	m.CheckpointDuration.Observe(duration.Seconds())
}

// TableSample is one table's gauges at a point in time
type TableSample struct {
	Records       uint64
	Pks           uint64
	RecordBytes   uint64
	IndexRecords  uint64
	MemTableBytes int64
	SSTables      int
	CacheHitRatio float64
}

// UpdateTable publishes the gauges of one table
func (m *Metrics) UpdateTable(table string, s TableSample) {
	if m == nil {
		return
	}
	m.TableRecords.WithLabelValues(table).Set(float64(s.Records))
	m.TablePks.WithLabelValues(table).Set(float64(s.Pks))
	m.TableRecordBytes.WithLabelValues(table).Set(float64(s.RecordBytes))
	m.TableIndexRecords.WithLabelValues(table).Set(float64(s.IndexRecords))
	m.MemTableSizeBytes.WithLabelValues(table).Set(float64(s.MemTableBytes))
	m.SSTableCount.WithLabelValues(table).Set(float64(s.SSTables))
	m.CacheHitRatio.WithLabelValues(table).Set(s.CacheHitRatio)
}

// RemoveTable drops the per-table series of a released table
func (m *Metrics) RemoveTable(table string) {
	if m == nil {
		return
	}
	for _, g := range []*prometheus.GaugeVec{
		m.TableRecords, m.TablePks, m.TableRecordBytes, m.TableIndexRecords,
		m.MemTableSizeBytes, m.SSTableCount, m.CacheHitRatio,
	} {
		g.DeleteLabelValues(table)
	}
}

func (m *Metrics) SetOpenTables(n int) {
	if m == nil {
		return
	}
	m.OpenTables.Set(float64(n))
}

func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}

func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
