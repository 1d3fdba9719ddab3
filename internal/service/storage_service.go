package service

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/sstable"
	"github.com/devrev/pairdb/disktable/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageConfig configures one substrate instance rooted at DataDir
type StorageConfig struct {
	DataDir    string
	CommitLog  CommitLogConfig
	MemTable   MemTableConfig
	SSTable    SSTableConfig
	Cache      CacheConfig
	Compaction CompactionConfig
}

// Mutation is one write of a batch
type Mutation struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// StorageService is the ordered key-value substrate under a disk table:
// commit log, memtables, SSTables, read cache and compaction.
type StorageService struct {
	config            *StorageConfig
	commitLogService  *CommitLogService
	memTableService   *MemTableService
	sstableService    *SSTableService
	cacheService      *CacheService
	compactionService *CompactionService
	workerPool        *workerpool.WorkerPool
	ownsPool          bool
	logger            *zap.Logger

	writeMu         sync.Mutex
	flushMu         sync.Mutex
	compactMu       sync.Mutex
	seq             uint64
	writeGen        uint64
	pendingSegments []string
	flushPending    atomic.Bool
	compactPending  atomic.Bool
	closed          atomic.Bool
}

// OpenStorageService loads the manifest under cfg.DataDir, opens the live
// SSTables and replays the commit log. A nil pool gets a private one.
func OpenStorageService(ctx context.Context, cfg *StorageConfig, pool *workerpool.WorkerPool, logger *zap.Logger) (*StorageService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("data_dir", cfg.DataDir))

	sstableSvc, err := NewSSTableService(&cfg.SSTable, cfg.DataDir, logger)
	if err != nil {
		return nil, errors.IOError("failed to open sstables", err)
	}
	commitLogSvc, err := NewCommitLogService(&cfg.CommitLog, filepath.Join(cfg.DataDir, "wal"), logger)
	if err != nil {
		sstableSvc.Close()
		return nil, errors.CommitLogFailed("failed to open commit log", err)
	}
	cacheSvc, err := NewCacheService(&cfg.Cache, logger)
	if err != nil {
		commitLogSvc.Close()
		sstableSvc.Close()
		return nil, errors.InternalError("failed to create read cache", err)
	}

	s := &StorageService{
		config:            cfg,
		commitLogService:  commitLogSvc,
		memTableService:   NewMemTableService(&cfg.MemTable, logger),
		sstableService:    sstableSvc,
		cacheService:      cacheSvc,
		compactionService: NewCompactionService(&cfg.Compaction, sstableSvc, logger),
		workerPool:        pool,
		logger:            logger,
		seq:               sstableSvc.LastSeq(),
	}

	if s.workerPool == nil {
		s.workerPool, err = workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "storage-" + filepath.Base(cfg.DataDir),
			MaxWorkers: 1,
			QueueSize:  4,
			Logger:     logger,
		})
		if err != nil {
			commitLogSvc.Close()
			sstableSvc.Close()
			return nil, errors.InternalError("failed to create worker pool", err)
		}
		s.ownsPool = true
	}

	if err := s.recover(ctx); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

func (s *StorageService) recover(ctx context.Context) error {
	durable := s.sstableService.LastSeq()
	_, err := s.commitLogService.Replay(ctx, func(e *model.CommitLogEntry) error {
		if e.SequenceNumber <= durable {
			return nil
		}
		s.memTableService.Put(&model.MemTableEntry{
			Key:         e.Key,
			Value:       e.Value,
			Seq:         e.SequenceNumber,
			IsTombstone: e.OperationType == model.OperationTypeDelete,
		})
		if e.SequenceNumber > s.seq {
			s.seq = e.SequenceNumber
		}
		return nil
	})
	if err != nil {
		return errors.CommitLogFailed("failed to replay commit log", err)
	}
	return nil
}

// Put writes one key
func (s *StorageService) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, []Mutation{{Key: key, Value: value}})
}

// Delete writes a tombstone for key
func (s *StorageService) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, []Mutation{{Key: key, Tombstone: true}})
}

// Write logs a batch of mutations as one commit log line, then applies
// them in order. A batch that fails to log is not applied at all.
func (s *StorageService) Write(ctx context.Context, batch []Mutation) error {
	if s.closed.Load() {
		return errors.TableClosed(s.config.DataDir)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.CommitLogFailed("failed to append to commit log", err)
	}

	now := time.Now().UnixNano()
	entries := make([]*model.CommitLogEntry, len(batch))
	for i, m := range batch {
		op := model.OperationTypePut
		var value []byte
		if m.Tombstone {
			op = model.OperationTypeDelete
		} else {
			value = bytes.Clone(m.Value)
		}
		entries[i] = &model.CommitLogEntry{
			Key:           bytes.Clone(m.Key),
			Value:         value,
			OperationType: op,
			Timestamp:     now,
		}
	}

	// the memtable only sees the batch once the whole of it is logged
	s.writeMu.Lock()
	for i, e := range entries {
		e.SequenceNumber = s.seq + uint64(i) + 1
	}
	if err := s.commitLogService.Append(ctx, entries...); err != nil {
		s.writeMu.Unlock()
		s.logger.Error("Failed to write to commit log", zap.Int("mutations", len(entries)), zap.Error(err))
		return errors.CommitLogFailed("failed to append to commit log", err)
	}
	for _, e := range entries {
		s.memTableService.Put(&model.MemTableEntry{
			Key:         e.Key,
			Value:       e.Value,
			Seq:         e.SequenceNumber,
			IsTombstone: e.OperationType == model.OperationTypeDelete,
		})
	}
	s.seq += uint64(len(entries))
	s.writeMu.Unlock()

	s.invalidate(batch)
	s.maybeFlush(ctx)
	return nil
}

// Hide masks key in the memtable without logging. Used when compaction
// drops a record so concurrent readers stop seeing it.
func (s *StorageService) Hide(key []byte) {
	s.writeMu.Lock()
	s.seq++
	s.memTableService.Put(&model.MemTableEntry{
		Key:         bytes.Clone(key),
		Seq:         s.seq,
		IsTombstone: true,
	})
	s.writeMu.Unlock()

	s.invalidate([]Mutation{{Key: key}})
}

// Shadowed reports whether the memtables hold any version of key
func (s *StorageService) Shadowed(key []byte) bool {
	return s.memTableService.Contains(key)
}

func (s *StorageService) invalidate(batch []Mutation) {
	atomic.AddUint64(&s.writeGen, 1)
	for _, m := range batch {
		s.cacheService.Remove(m.Key)
	}
}

// Get returns the live value of key
func (s *StorageService) Get(key []byte) ([]byte, bool, error) {
	gen := atomic.LoadUint64(&s.writeGen)
	if value, found := s.cacheService.Get(key); found {
		return value, true, nil
	}

	if entry, found := s.memTableService.Get(key); found {
		if entry.IsTombstone {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	entry, err := s.sstableService.Get(key)
	if err != nil {
		s.logger.Error("SSTable read failed", zap.Binary("key", key), zap.Error(err))
		return nil, false, errors.SSTableFailed("sstable read failed", err)
	}
	if entry == nil || entry.IsTombstone {
		return nil, false, nil
	}
	if atomic.LoadUint64(&s.writeGen) == gen {
		s.cacheService.Put(key, entry.Value)
	}
	return entry.Value, true, nil
}

// NewIterator returns live entries with start <= key < end in ascending
// order over a consistent view. Nil bounds are open. Close releases the view.
func (s *StorageService) NewIterator(start, end []byte) *Iterator {
	// memtables before sstables, so a concurrent flush is seen at least once
	snaps := s.memTableService.Snapshots()
	handles := s.sstableService.Acquire()

	sources := make([]entryIterator, 0, len(snaps)+len(handles))
	for _, snap := range snaps {
		sources = append(sources, snap.Iterator(start))
	}
	for _, h := range handles {
		sources = append(sources, h.reader.Iterator(start))
	}

	it := &Iterator{
		merged:  newMergeIterator(sources),
		handles: handles,
		svc:     s.sstableService,
		end:     end,
	}
	it.settle()
	return it
}

// Scan calls fn for each live entry in [start, end) until fn returns false
func (s *StorageService) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	it := s.NewIterator(start, end)
	defer it.Close()

	for ; it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	if err := it.Err(); err != nil {
		return errors.SSTableFailed("scan failed", err)
	}
	return nil
}

// Iterator walks live substrate entries
type Iterator struct {
	merged  *mergeIterator
	handles []*tableHandle
	svc     *SSTableService
	end     []byte
	done    bool
}

// settle skips tombstones and stops at the end bound
func (it *Iterator) settle() {
	for it.merged.Valid() {
		e := it.merged.Entry()
		if it.end != nil && bytes.Compare(e.Key, it.end) >= 0 {
			it.done = true
			return
		}
		if !e.IsTombstone {
			return
		}
		it.merged.Next()
	}
}

func (it *Iterator) Valid() bool {
	return !it.done && it.merged.Valid()
}

func (it *Iterator) Key() []byte {
	return it.merged.Entry().Key
}

func (it *Iterator) Value() []byte {
	return it.merged.Entry().Value
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.merged.Next()
	it.settle()
}

func (it *Iterator) Err() error {
	return it.merged.Err()
}

// Close releases the pinned view. It is safe to call more than once.
func (it *Iterator) Close() {
	if it.handles == nil {
		return
	}
	it.merged.Close()
	it.svc.Release(it.handles)
	it.handles = nil
	it.done = true
}

// maybeFlush schedules an async flush once the memtable is full
func (s *StorageService) maybeFlush(ctx context.Context) {
	if !s.memTableService.ShouldFlush() || !s.flushPending.CompareAndSwap(false, true) {
		return
	}
	task := workerpool.Task{
		ID: "flush-" + uuid.NewString(),
		Fn: func(ctx context.Context) error {
			defer s.flushPending.Store(false)
			return s.Flush(ctx)
		},
		Context: context.WithoutCancel(ctx),
	}
	if !s.workerPool.TrySubmit(task) {
		s.flushPending.Store(false)
		s.logger.Warn("Failed to submit flush task, retrying on a later write")
	}
}

// Flush seals the memtable and writes it as an L0 SSTable
func (s *StorageService) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

func (s *StorageService) flushLocked(ctx context.Context) error {
	start := time.Now()

	s.writeMu.Lock()
	imm, fresh := s.memTableService.Seal()
	if fresh {
		sealed, err := s.commitLogService.Rotate()
		if err != nil {
			s.logger.Error("Failed to rotate commit log", zap.Error(err))
		} else {
			s.pendingSegments = sealed
		}
	}
	s.writeMu.Unlock()

	if imm == nil {
		return nil
	}

	snap := imm.Snapshot()
	meta, err := s.sstableService.WriteTable(model.L0, snap.Len(), func(w *sstable.SSTableWriter) error {
		it := snap.Iterator(nil)
		defer it.Close()
		for ; it.Valid(); it.Next() {
			if err := w.Write(it.Entry()); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	if err == nil {
		err = s.sstableService.Install(meta, nil, imm.MaxSeq())
	}
	if err != nil {
		s.logger.Error("Failed to flush memtable", zap.Error(err))
		return errors.SSTableFailed("failed to flush memtable", err)
	}

	s.memTableService.DropImmutable()
	s.commitLogService.RemoveSegments(s.pendingSegments)
	s.pendingSegments = nil

	s.logger.Info("Memtable flush completed",
		zap.Int("entries", snap.Len()),
		zap.Duration("duration", time.Since(start)))

	s.maybeCompact(ctx)
	return nil
}

// maybeCompact schedules a filterless compaction once L0 reaches its trigger
func (s *StorageService) maybeCompact(ctx context.Context) {
	if s.closed.Load() || !s.compactionService.NeedsCompaction() || !s.compactPending.CompareAndSwap(false, true) {
		return
	}
	task := workerpool.Task{
		ID: "compact-" + uuid.NewString(),
		Fn: func(ctx context.Context) error {
			defer s.compactPending.Store(false)
			_, err := s.compact(ctx, nil)
			return err
		},
		Context: context.WithoutCancel(ctx),
	}
	if !s.workerPool.TrySubmit(task) {
		s.compactPending.Store(false)
	}
}

// Compact flushes, then merges every SSTable through filter
func (s *StorageService) Compact(ctx context.Context, filter CompactionFilter) (*model.CompactionResult, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.compact(ctx, filter)
}

func (s *StorageService) compact(ctx context.Context, filter CompactionFilter) (*model.CompactionResult, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	if s.closed.Load() {
		return nil, errors.TableClosed(s.config.DataDir)
	}

	result, err := s.compactionService.Compact(ctx, filter)
	if err != nil {
		return nil, errors.SSTableFailed("compaction failed", err)
	}
	s.cacheService.Purge()
	return result, nil
}

// Checkpoint flushes and writes a self-contained copy of the live
// SSTables and manifest to dir
func (s *StorageService) Checkpoint(ctx context.Context, dir string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := s.sstableService.Checkpoint(dir); err != nil {
		return errors.IOError("failed to create checkpoint", err)
	}
	s.logger.Info("Checkpoint created", zap.String("dir", dir))
	return nil
}

// Stats summarises the substrate
func (s *StorageService) Stats() StorageStats {
	memBytes, memEntries := s.memTableService.Stats()
	stats := StorageStats{
		MemTableBytes:    memBytes,
		MemTableEntries:  memEntries,
		Cache:            s.cacheService.Stats(),
		LastCompaction:   s.compactionService.LastResult(),
		CompactionErrors: s.compactionService.Errors(),
	}
	for _, meta := range s.sstableService.Tables() {
		stats.SSTables++
		stats.SSTableBytes += meta.Size
	}
	return stats
}

// StorageStats is a point-in-time view of the substrate
type StorageStats struct {
	MemTableBytes    int64
	MemTableEntries  int
	SSTables         int
	SSTableBytes     int64
	Cache            CacheStats
	LastCompaction   *model.CompactionResult
	CompactionErrors uint64
}

// Close flushes the memtable and releases every resource
func (s *StorageService) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.compactMu.Lock()
	s.flushMu.Lock()
	err := s.flushLocked(context.Background())
	s.flushMu.Unlock()
	s.compactMu.Unlock()
	if err != nil {
		s.logger.Error("Failed to flush on close", zap.Error(err))
	}

	s.shutdown()
	return err
}

func (s *StorageService) shutdown() {
	if s.ownsPool {
		if err := s.workerPool.Stop(10 * time.Second); err != nil {
			s.logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
		}
	}
	if err := s.commitLogService.Close(); err != nil {
		s.logger.Warn("Failed to close commit log", zap.Error(err))
	}
	s.sstableService.Close()
}

// String identifies the substrate in logs
func (s *StorageService) String() string {
	return fmt.Sprintf("storage(%s)", s.config.DataDir)
}
