package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/sstable"
	"go.uber.org/zap"
)

const (
	manifestName  = "MANIFEST"
	sstableSuffix = ".sst"
)

// SSTableService owns the live set of SSTables and its manifest
type SSTableService struct {
	config     *SSTableConfig
	dataDir    string
	logger     *zap.Logger
	mu         sync.RWMutex
	tables     []*tableHandle // newest first
	nextFileID uint64
	lastSeq    uint64
}

// SSTableConfig holds SSTable configuration
type SSTableConfig struct {
	BloomFilterFP float64
	Compression   sstable.Compression
}

type manifest struct {
	NextFileID uint64                   `json:"next_file_id"`
	LastSeq    uint64                   `json:"last_seq"`
	Tables     []*model.SSTableMetadata `json:"tables"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// tableHandle keeps a reader open while the live set or a scan references it
type tableHandle struct {
	meta     *model.SSTableMetadata
	reader   *sstable.SSTableReader
	refs     int32
	obsolete atomic.Bool
	logger   *zap.Logger
}

func (h *tableHandle) ref() {
	atomic.AddInt32(&h.refs, 1)
}

func (h *tableHandle) unref() {
	if atomic.AddInt32(&h.refs, -1) != 0 {
		return
	}
	if err := h.reader.Close(); err != nil {
		h.logger.Warn("Failed to close sstable", zap.String("sstable_id", h.meta.SSTableID), zap.Error(err))
	}
	if h.obsolete.Load() {
		removeTableFiles(h.meta)
	}
}

// NewSSTableService loads the manifest in dataDir and opens every live table
func NewSSTableService(cfg *SSTableConfig, dataDir string, logger *zap.Logger) (*SSTableService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sstable directory: %w", err)
	}
	if cfg.BloomFilterFP <= 0 {
		cfg.BloomFilterFP = 0.01
	}

	s := &SSTableService{
		config:     cfg,
		dataDir:    dataDir,
		logger:     logger,
		nextFileID: 1,
	}

	m, err := readManifest(dataDir)
	if err != nil {
		return nil, err
	}
	if m != nil {
		s.nextFileID = m.NextFileID
		s.lastSeq = m.LastSeq
		for _, meta := range m.Tables {
			s.setPaths(meta)
			h, err := s.open(meta)
			if err != nil {
				s.closeAll()
				return nil, fmt.Errorf("failed to open sstable %s: %w", meta.SSTableID, err)
			}
			s.tables = append(s.tables, h)
		}
		s.sortTables()
	}
	s.removeOrphans()

	s.logger.Info("Loaded sstables",
		zap.String("dir", dataDir),
		zap.Int("tables", len(s.tables)),
		zap.Uint64("last_seq", s.lastSeq))
	return s, nil
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// HasManifest reports whether dir holds a manifest
func HasManifest(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestName))
	return err == nil
}

func writeManifest(dir string, m *manifest) error {
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (s *SSTableService) setPaths(meta *model.SSTableMetadata) {
	meta.FilePath = filepath.Join(s.dataDir, meta.SSTableID+sstableSuffix)
	meta.IndexPath = meta.FilePath + ".idx"
	meta.BloomPath = meta.FilePath + ".bloom"
}

func (s *SSTableService) open(meta *model.SSTableMetadata) (*tableHandle, error) {
	reader, err := sstable.NewSSTableReader(meta.FilePath)
	if err != nil {
		return nil, err
	}
	return &tableHandle{meta: meta, reader: reader, refs: 1, logger: s.logger}, nil
}

// sortTables orders the live set newest first; must be called with mu held
func (s *SSTableService) sortTables() {
	sort.SliceStable(s.tables, func(i, j int) bool {
		a, b := s.tables[i].meta, s.tables[j].meta
		if a.MaxSeq != b.MaxSeq {
			return a.MaxSeq > b.MaxSeq
		}
		return a.SSTableID > b.SSTableID
	})
}

// removeOrphans deletes table files left behind by an interrupted flush or compaction
func (s *SSTableService) removeOrphans() {
	live := make(map[string]bool, len(s.tables))
	for _, h := range s.tables {
		live[h.meta.SSTableID] = true
	}
	files, err := filepath.Glob(filepath.Join(s.dataDir, "*"+sstableSuffix+"*"))
	if err != nil {
		return
	}
	for _, f := range files {
		base := filepath.Base(f)
		id := base[:strings.Index(base, sstableSuffix)]
		if !live[id] {
			s.logger.Info("Removing orphaned sstable file", zap.String("path", f))
			_ = os.Remove(f)
		}
	}
}

// WriteTable writes a new table through fill. It returns nil metadata when
// fill wrote nothing.
func (s *SSTableService) WriteTable(level model.SSTableLevel, expectedEntries int, fill func(*sstable.SSTableWriter) error) (*model.SSTableMetadata, error) {
	s.mu.Lock()
	id := fmt.Sprintf("%06d", s.nextFileID)
	s.nextFileID++
	s.mu.Unlock()

	meta := &model.SSTableMetadata{
		SSTableID:   id,
		Level:       int(level),
		Compression: s.config.Compression.String(),
		CreatedAt:   time.Now(),
	}
	s.setPaths(meta)

	writer, err := sstable.NewSSTableWriter(meta.FilePath, &sstable.SSTableConfig{
		BloomFilterFP:   s.config.BloomFilterFP,
		ExpectedEntries: expectedEntries,
		Compression:     s.config.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable writer: %w", err)
	}

	if err := fill(writer); err != nil {
		writer.Abort()
		return nil, err
	}
	if writer.Count() == 0 {
		writer.Abort()
		return nil, nil
	}
	if err := writer.Finalize(); err != nil {
		writer.Abort()
		return nil, fmt.Errorf("failed to finalize sstable: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close sstable: %w", err)
	}

	meta.Size = writer.Size()
	meta.EntryCount = writer.Count()
	meta.KeyRange = writer.KeyRange()
	meta.MaxSeq = writer.MaxSeq()
	return meta, nil
}

// Install atomically adds a table (may be nil) and retires the given ones,
// then persists the manifest
func (s *SSTableService) Install(added *model.SSTableMetadata, removed []string, lastSeq uint64) error {
	var h *tableHandle
	if added != nil {
		var err error
		if h, err = s.open(added); err != nil {
			return fmt.Errorf("failed to open new sstable %s: %w", added.SSTableID, err)
		}
	}

	s.mu.Lock()
	removeSet := make(map[string]bool, len(removed))
	for _, id := range removed {
		removeSet[id] = true
	}
	next := make([]*tableHandle, 0, len(s.tables)+1)
	var retired []*tableHandle
	for _, t := range s.tables {
		if removeSet[t.meta.SSTableID] {
			retired = append(retired, t)
			continue
		}
		next = append(next, t)
	}
	if h != nil {
		next = append(next, h)
	}
	prev := s.tables
	prevSeq := s.lastSeq
	s.tables = next
	if lastSeq > s.lastSeq {
		s.lastSeq = lastSeq
	}
	s.sortTables()

	if err := writeManifest(s.dataDir, s.manifestLocked()); err != nil {
		s.tables = prev
		s.lastSeq = prevSeq
		s.mu.Unlock()
		if h != nil {
			h.unref()
			removeTableFiles(added)
		}
		return err
	}
	s.mu.Unlock()

	for _, t := range retired {
		t.obsolete.Store(true)
		t.unref()
	}
	return nil
}

func (s *SSTableService) manifestLocked() *manifest {
	m := &manifest{NextFileID: s.nextFileID, LastSeq: s.lastSeq}
	for _, t := range s.tables {
		m.Tables = append(m.Tables, t.meta)
	}
	return m
}

// Acquire pins the current live set, newest first. Pair with Release.
func (s *SSTableService) Acquire() []*tableHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handles := make([]*tableHandle, len(s.tables))
	copy(handles, s.tables)
	for _, h := range handles {
		h.ref()
	}
	return handles
}

// Release unpins handles returned by Acquire
func (s *SSTableService) Release(handles []*tableHandle) {
	for _, h := range handles {
		h.unref()
	}
}

// Get returns the newest version of key held in any table
func (s *SSTableService) Get(key []byte) (*model.MemTableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tables {
		kr := t.meta.KeyRange
		if string(key) < string(kr.StartKey) || string(key) > string(kr.EndKey) {
			continue
		}
		entry, err := t.reader.Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read sstable %s: %w", t.meta.SSTableID, err)
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// Tables returns metadata of the live set, newest first
func (s *SSTableService) Tables() []*model.SSTableMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.SSTableMetadata, len(s.tables))
	for i, t := range s.tables {
		out[i] = t.meta
	}
	return out
}

// GetTablesForLevel returns the live tables at a level
func (s *SSTableService) GetTablesForLevel(level model.SSTableLevel) []*model.SSTableMetadata {
	var out []*model.SSTableMetadata
	for _, meta := range s.Tables() {
		if meta.Level == int(level) {
			out = append(out, meta)
		}
	}
	return out
}

// LastSeq returns the highest sequence number durable in the live set
func (s *SSTableService) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Checkpoint links every live table into dir and writes a manifest there
func (s *SSTableService) Checkpoint(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	s.mu.RLock()
	m := s.manifestLocked()
	handles := make([]*tableHandle, len(s.tables))
	copy(handles, s.tables)
	for _, h := range handles {
		h.ref()
	}
	s.mu.RUnlock()
	defer s.Release(handles)

	for _, h := range handles {
		for _, src := range []string{h.meta.FilePath, h.meta.IndexPath, h.meta.BloomPath} {
			dst := filepath.Join(dir, filepath.Base(src))
			if err := linkOrCopy(src, dst); err != nil {
				return fmt.Errorf("failed to checkpoint %s: %w", src, err)
			}
		}
	}
	return writeManifest(dir, m)
}

func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeTableFiles(meta *model.SSTableMetadata) {
	for _, p := range []string{meta.FilePath, meta.IndexPath, meta.BloomPath} {
		_ = os.Remove(p)
	}
}

func (s *SSTableService) closeAll() {
	for _, t := range s.tables {
		t.unref()
	}
	s.tables = nil
}

// Close drops the live set's references. Tables pinned by running scans
// close when released.
func (s *SSTableService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAll()
}
