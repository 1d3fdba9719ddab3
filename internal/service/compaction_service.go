package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/sstable"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompactionFilter decides whether a live entry is dropped during
// compaction. Entries arrive in ascending key order.
type CompactionFilter interface {
	Filter(key, value []byte) (drop bool)
}

// CompactionFilterFunc adapts a function to CompactionFilter
type CompactionFilterFunc func(key, value []byte) bool

func (f CompactionFilterFunc) Filter(key, value []byte) bool {
	return f(key, value)
}

// CompactionService merges the live SSTables into one
type CompactionService struct {
	config           *CompactionConfig
	sstableService   *SSTableService
	logger           *zap.Logger
	mu               sync.Mutex
	bytesCompacted   uint64
	tablesCompacted  uint64
	compactionErrors uint64
	lastResult       atomic.Pointer[model.CompactionResult]
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	L0Trigger int
}

// NewCompactionService creates a new compaction service
func NewCompactionService(cfg *CompactionConfig, sstableSvc *SSTableService, logger *zap.Logger) *CompactionService {
	if cfg.L0Trigger <= 0 {
		cfg.L0Trigger = 4
	}
	return &CompactionService{
		config:         cfg,
		sstableService: sstableSvc,
		logger:         logger,
	}
}

// NeedsCompaction reports whether L0 reached its trigger
func (s *CompactionService) NeedsCompaction() bool {
	return len(s.sstableService.GetTablesForLevel(model.L0)) >= s.config.L0Trigger
}

// Compact merges every live table, keeping the newest version of each key.
// Tombstones are dropped, then filter (may be nil) sees each survivor.
func (s *CompactionService) Compact(ctx context.Context, filter CompactionFilter) (*model.CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.sstableService.Acquire()
	defer s.sstableService.Release(handles)

	job := &model.CompactionJob{
		JobID:       uuid.NewString(),
		Level:       model.L0,
		OutputLevel: model.L1,
		Filtered:    filter != nil,
		StartedAt:   time.Now(),
		Status:      model.CompactionStatusRunning,
	}
	result := &model.CompactionResult{JobID: job.JobID, InputTables: len(handles)}
	if len(handles) == 0 {
		job.Status = model.CompactionStatusCompleted
		return result, nil
	}

	var (
		expected int
		inputIDs = make([]string, len(handles))
		maxSeq   uint64
		inSize   int64
		sources  = make([]entryIterator, len(handles))
	)
	for i, h := range handles {
		job.InputTables = append(job.InputTables, h.meta)
		inputIDs[i] = h.meta.SSTableID
		expected += h.meta.EntryCount
		inSize += h.meta.Size
		if h.meta.MaxSeq > maxSeq {
			maxSeq = h.meta.MaxSeq
		}
		sources[i] = h.reader.Iterator(nil)
	}

	s.logger.Info("Starting compaction",
		zap.String("job_id", job.JobID),
		zap.Int("input_tables", len(handles)),
		zap.Bool("filtered", job.Filtered))

	merged := newMergeIterator(sources)
	defer merged.Close()

	meta, err := s.sstableService.WriteTable(job.OutputLevel, expected, func(w *sstable.SSTableWriter) error {
		for n := 0; merged.Valid(); merged.Next() {
			if n++; n%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			entry := merged.Entry()
			if entry.IsTombstone {
				result.TombstonesRemoved++
				continue
			}
			if filter != nil && filter.Filter(entry.Key, entry.Value) {
				result.EntriesFiltered++
				continue
			}
			if err := w.Write(entry); err != nil {
				return err
			}
			result.EntriesWritten++
		}
		return merged.Err()
	})
	if err != nil {
		return nil, s.fail(job, fmt.Errorf("failed to merge sstables: %w", err))
	}

	if meta != nil {
		meta.MaxSeq = maxSeq
		result.BytesWritten = meta.Size
	}
	if err := s.sstableService.Install(meta, inputIDs, 0); err != nil {
		return nil, s.fail(job, fmt.Errorf("failed to install compaction output: %w", err))
	}

	job.Status = model.CompactionStatusCompleted
	result.Duration = time.Since(job.StartedAt)
	atomic.AddUint64(&s.bytesCompacted, uint64(inSize))
	atomic.AddUint64(&s.tablesCompacted, uint64(len(handles)))
	s.lastResult.Store(result)

	s.logger.Info("Compaction completed",
		zap.String("job_id", job.JobID),
		zap.Int("input_tables", result.InputTables),
		zap.Int("entries_written", result.EntriesWritten),
		zap.Int("tombstones_removed", result.TombstonesRemoved),
		zap.Int("entries_filtered", result.EntriesFiltered),
		zap.Int64("bytes_written", result.BytesWritten),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *CompactionService) fail(job *model.CompactionJob, err error) error {
	job.Status = model.CompactionStatusFailed
	atomic.AddUint64(&s.compactionErrors, 1)
	s.logger.Error("Compaction failed", zap.String("job_id", job.JobID), zap.Error(err))
	return err
}

// LastResult returns the most recent successful compaction, or nil
func (s *CompactionService) LastResult() *model.CompactionResult {
	return s.lastResult.Load()
}

// Errors returns the number of failed compactions
func (s *CompactionService) Errors() uint64 {
	return atomic.LoadUint64(&s.compactionErrors)
}
