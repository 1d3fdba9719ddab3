package service

import (
	"sync"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/memtable"
	"go.uber.org/zap"
)

// MemTableService holds the active memtable and at most one sealed
// memtable waiting to be flushed
type MemTableService struct {
	config      *MemTableConfig
	memTable    *memtable.Table
	immutableMT *memtable.Table
	logger      *zap.Logger
	mu          sync.RWMutex
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	FlushThreshold int64
}

// NewMemTableService creates a new memtable service
func NewMemTableService(cfg *MemTableConfig, logger *zap.Logger) *MemTableService {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 64 * 1024 * 1024
	}
	return &MemTableService{
		config:   cfg,
		memTable: memtable.New(),
		logger:   logger,
	}
}

// Put inserts or replaces an entry in the active memtable
func (s *MemTableService) Put(entry *model.MemTableEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memTable.Put(entry)
}

// Get checks the active memtable, then the sealed one
func (s *MemTableService) Get(key []byte) (*model.MemTableEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entry, found := s.memTable.Get(key); found {
		return entry, true
	}
	if s.immutableMT != nil {
		if entry, found := s.immutableMT.Get(key); found {
			return entry, true
		}
	}
	return nil, false
}

// Contains reports whether either memtable holds a version of key
func (s *MemTableService) Contains(key []byte) bool {
	_, found := s.Get(key)
	return found
}

// ShouldFlush checks if the active memtable reached the flush threshold
func (s *MemTableService) ShouldFlush() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memTable.Size() >= s.config.FlushThreshold
}

// Seal makes the active memtable immutable and starts a new one. When a
// previous flush failed, the still pending immutable memtable is returned
// instead and fresh is false. It returns nil when there is nothing to flush.
func (s *MemTableService) Seal() (sealed *memtable.Table, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.immutableMT != nil {
		return s.immutableMT, false
	}
	if s.memTable.Len() == 0 {
		return nil, false
	}
	s.immutableMT = s.memTable
	s.memTable = memtable.New()
	return s.immutableMT, true
}

// DropImmutable forgets the sealed memtable after its flush is installed
func (s *MemTableService) DropImmutable() {
	s.mu.Lock()
	s.immutableMT = nil
	s.mu.Unlock()
}

// Snapshots returns frozen views, newest first
func (s *MemTableService) Snapshots() []*memtable.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := []*memtable.Snapshot{s.memTable.Snapshot()}
	if s.immutableMT != nil {
		snaps = append(snaps, s.immutableMT.Snapshot())
	}
	return snaps
}

// Stats returns the active memtable's size and entry count
func (s *MemTableService) Stats() (int64, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memTable.Size(), s.memTable.Len()
}
