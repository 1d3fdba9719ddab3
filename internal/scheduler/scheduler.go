package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/RussellLuo/timingwheel"
	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/util/workerpool"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Table is the maintenance surface the scheduler drives
type Table interface {
	Name() string
	SchedGc(ctx context.Context) error
	GcHead(ctx context.Context) error
	CompactDB(ctx context.Context) error
	PublishMetrics()
}

// Job is one kind of periodic maintenance
type Job string

const (
	JobGc      Job = "gc"
	JobGcHead  Job = "gc_head"
	JobCompact Job = "compact"
	JobMetrics Job = "metrics"
)

// Config holds the maintenance intervals. A zero interval disables the job.
type Config struct {
	GcInterval         time.Duration
	GcHeadInterval     time.Duration
	CompactionInterval time.Duration
	MetricsInterval    time.Duration

	// Tick and WheelSize shape the timing wheel
	Tick      time.Duration
	WheelSize int64

	// AverageWindow is the number of gc passes the reported average covers
	AverageWindow int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.WheelSize <= 0 {
		c.WheelSize = 64
	}
	if c.AverageWindow <= 0 {
		c.AverageWindow = 10
	}
	return c
}

func (c Config) interval(job Job) time.Duration {
	switch job {
	case JobGc:
		return c.GcInterval
	case JobGcHead:
		return c.GcHeadInterval
	case JobCompact:
		return c.CompactionInterval
	case JobMetrics:
		return c.MetricsInterval
	}
	return 0
}

var jobs = []Job{JobGc, JobGcHead, JobCompact, JobMetrics}

// every fires at a fixed interval on the timing wheel
type every struct {
	interval time.Duration
}

func (e *every) Next(prev time.Time) time.Time {
	return prev.Add(e.interval)
}

type registration struct {
	table  Table
	timers []*timingwheel.Timer
	busy   *xsync.MapOf[Job, *atomic.Bool]
}

// Scheduler runs periodic gc, compaction and metric publication for a set
// of tables. Timers live on one timing wheel; the work itself runs on the
// worker pool, at most one job of each kind per table at a time.
type Scheduler struct {
	cfg     Config
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger

	wheel  *timingwheel.TimingWheel
	tables *xsync.MapOf[string, *registration]

	avgMu sync.Mutex
	gcAvg *movingaverage.MovingAverage

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a scheduler. Start must be called before timers fire.
func New(cfg Config, pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		metrics: m,
		logger:  logger,
		wheel:   timingwheel.NewTimingWheel(cfg.Tick, cfg.WheelSize),
		tables:  xsync.NewMapOf[string, *registration](),
		gcAvg:   movingaverage.New(cfg.AverageWindow),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the timing wheel
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wheel.Start()
	s.logger.Info("Maintenance scheduler started",
		zap.Duration("gc_interval", s.cfg.GcInterval),
		zap.Duration("gc_head_interval", s.cfg.GcHeadInterval),
		zap.Duration("compaction_interval", s.cfg.CompactionInterval))
}

// Register schedules every enabled job for table
func (s *Scheduler) Register(table Table) error {
	if s.stopped.Load() {
		return fmt.Errorf("scheduler is stopped")
	}
	reg := &registration{table: table, busy: xsync.NewMapOf[Job, *atomic.Bool]()}
	if _, loaded := s.tables.LoadOrStore(table.Name(), reg); loaded {
		return fmt.Errorf("table %s is already scheduled", table.Name())
	}
	for _, job := range jobs {
		interval := s.cfg.interval(job)
		if interval <= 0 {
			continue
		}
		job := job
		reg.timers = append(reg.timers, s.wheel.ScheduleFunc(&every{interval: interval}, func() {
			// a timer stopped while firing may reschedule itself once
			if cur, ok := s.tables.Load(table.Name()); !ok || cur != reg {
				return
			}
			s.submit(reg, job)
		}))
	}
	s.logger.Debug("Table scheduled", zap.String("table", table.Name()), zap.Int("jobs", len(reg.timers)))
	return nil
}

// Unregister stops the timers of the named table. Jobs already running
// finish on their own.
func (s *Scheduler) Unregister(name string) bool {
	reg, ok := s.tables.LoadAndDelete(name)
	if !ok {
		return false
	}
	for _, timer := range reg.timers {
		timer.Stop()
	}
	return true
}

// Trigger submits one job for the named table now
func (s *Scheduler) Trigger(name string, job Job) error {
	reg, ok := s.tables.Load(name)
	if !ok {
		return fmt.Errorf("table %s is not scheduled", name)
	}
	if !s.submit(reg, job) {
		return fmt.Errorf("%s of table %s not submitted", job, name)
	}
	return nil
}

// submit hands job to the pool unless one is already queued or running
func (s *Scheduler) submit(reg *registration, job Job) bool {
	if s.stopped.Load() {
		return false
	}
	busy, _ := reg.busy.LoadOrCompute(job, func() *atomic.Bool { return &atomic.Bool{} })
	if !busy.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping job, previous run still active",
			zap.String("table", reg.table.Name()), zap.String("job", string(job)))
		return false
	}

	err := s.pool.Submit(workerpool.Task{
		ID:      fmt.Sprintf("%s/%s", reg.table.Name(), job),
		Context: s.ctx,
		Fn: func(ctx context.Context) error {
			defer busy.Store(false)
			return s.run(ctx, reg.table, job)
		},
	})
	if err != nil {
		busy.Store(false)
		s.logger.Warn("Failed to submit maintenance job",
			zap.String("table", reg.table.Name()),
			zap.String("job", string(job)),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, table Table, job Job) error {
	switch job {
	case JobGc:
		start := time.Now()
		err := table.SchedGc(ctx)
		s.observeGc(time.Since(start))
		return err
	case JobGcHead:
		return table.GcHead(ctx)
	case JobCompact:
		return table.CompactDB(ctx)
	case JobMetrics:
		table.PublishMetrics()
		return nil
	}
	return fmt.Errorf("unknown job %s", job)
}

func (s *Scheduler) observeGc(d time.Duration) {
	s.avgMu.Lock()
	s.gcAvg.Add(float64(d.Microseconds()) / 1000)
	avg := s.gcAvg.Avg()
	s.avgMu.Unlock()
	s.metrics.UpdateGcAverage(avg)
}

// GcAverage returns the moving average of recent gc passes in milliseconds
func (s *Scheduler) GcAverage() float64 {
	s.avgMu.Lock()
	defer s.avgMu.Unlock()
	return s.gcAvg.Avg()
}

// Tables returns the names of the scheduled tables
func (s *Scheduler) Tables() []string {
	var names []string
	s.tables.Range(func(name string, _ *registration) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Stop cancels every timer and the context of running jobs
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.tables.Range(func(name string, _ *registration) bool {
		s.Unregister(name)
		return true
	})
	if s.started.Load() {
		s.wheel.Stop()
	}
	s.cancel()
	s.logger.Info("Maintenance scheduler stopped")
}
