package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/util"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "commitlog-"
	segmentSuffix = ".log"
)

// CommitLogService manages write-ahead logging for durability
type CommitLogService struct {
	config      *CommitLogConfig
	currentFile *os.File
	writer      *bufio.Writer
	currentPath string
	logger      *zap.Logger
	mu          sync.Mutex
	dataDir     string
	segmentID   uint64
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SyncWrites bool
	BufferSize int
}

// NewCommitLogService opens a fresh segment after any existing ones
func NewCommitLogService(cfg *CommitLogConfig, dataDir string, logger *zap.Logger) (*CommitLogService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}

	cls := &CommitLogService{
		config:  cfg,
		logger:  logger,
		dataDir: dataDir,
	}

	segments, err := cls.segments()
	if err != nil {
		return nil, err
	}
	if n := len(segments); n > 0 {
		cls.segmentID = segments[n-1].id
	}

	if err := cls.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open commit log segment: %w", err)
	}
	return cls, nil
}

type segment struct {
	id   uint64
	path string
}

// segments lists segment files in creation order
func (s *CommitLogService) segments() ([]segment, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}
	out := make([]segment, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			s.logger.Warn("Ignoring unrecognised commit log file", zap.String("path", f))
			continue
		}
		out = append(out, segment{id: id, path: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// Append writes entries as a single batch line. The checksum of each entry
// covers key, value and op.
func (s *CommitLogService) Append(ctx context.Context, entries ...*model.CommitLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entry := range entries {
		entry.Checksum = entryChecksum(entry)
	}

	data, err := json.Marshal(&model.CommitLogBatch{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return fmt.Errorf("commit log is closed")
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if s.config.SyncWrites {
		if err := s.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}
	return nil
}

func entryChecksum(entry *model.CommitLogEntry) uint32 {
	return util.ComputeChecksum(entry.Key, entry.Value, []byte(entry.OperationType))
}

// openNewSegment must be called with mu held
func (s *CommitLogService) openNewSegment() error {
	if s.currentFile != nil {
		if err := s.closeCurrent(); err != nil {
			return err
		}
	}

	s.segmentID++
	segmentPath := filepath.Join(s.dataDir, fmt.Sprintf("%s%020d%s", segmentPrefix, s.segmentID, segmentSuffix))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open commit log file: %w", err)
	}

	s.currentFile = file
	s.currentPath = segmentPath
	s.writer = bufio.NewWriterSize(file, s.config.BufferSize)

	s.logger.Debug("Opened new commit log segment", zap.String("path", segmentPath))
	return nil
}

func (s *CommitLogService) closeCurrent() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush commit log: %w", err)
	}
	if err := s.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync commit log: %w", err)
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

// Rotate seals the current segment and returns every sealed segment path.
// Callers delete them with RemoveSegments once their entries are durable elsewhere.
func (s *CommitLogService) Rotate() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openNewSegment(); err != nil {
		return nil, err
	}
	segments, err := s.segments()
	if err != nil {
		return nil, err
	}
	sealed := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.path != s.currentPath {
			sealed = append(sealed, seg.path)
		}
	}
	return sealed, nil
}

// RemoveSegments deletes sealed segments
func (s *CommitLogService) RemoveSegments(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove commit log segment", zap.String("path", p), zap.Error(err))
		}
	}
}

// Replay feeds every logged entry, oldest first, to fn. Corrupt lines are
// skipped with a warning.
func (s *CommitLogService) Replay(ctx context.Context, fn func(*model.CommitLogEntry) error) (int, error) {
	s.logger.Info("Starting commit log recovery", zap.String("dir", s.dataDir))

	segments, err := s.segments()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, seg := range segments {
		if seg.path == s.currentPath {
			continue
		}
		count, err := s.replayFile(ctx, seg.path, fn)
		recovered += count
		if err != nil {
			return recovered, fmt.Errorf("failed to replay %s: %w", seg.path, err)
		}
	}

	s.logger.Info("Commit log recovery completed", zap.Int("entries", recovered))
	return recovered, nil
}

func (s *CommitLogService) replayFile(ctx context.Context, filePath string, fn func(*model.CommitLogEntry) error) (int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	count := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		var batch model.CommitLogBatch
		if err := json.Unmarshal(scanner.Bytes(), &batch); err != nil {
			s.logger.Warn("Failed to unmarshal commit log batch", zap.String("file", filePath), zap.Error(err))
			continue
		}
		if !validBatch(&batch) {
			s.logger.Warn("Skipping commit log batch with bad checksum",
				zap.String("file", filePath),
				zap.Int("entries", len(batch.Entries)))
			continue
		}
		for _, entry := range batch.Entries {
			if err := fn(entry); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, scanner.Err()
}

func validBatch(batch *model.CommitLogBatch) bool {
	for _, entry := range batch.Entries {
		if entry == nil || entryChecksum(entry) != entry.Checksum {
			return false
		}
	}
	return true
}

// Close flushes and closes the current segment
func (s *CommitLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}
	return s.closeCurrent()
}
