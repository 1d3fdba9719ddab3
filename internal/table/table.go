package table

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/disktable/internal/codec"
	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	lockStripes   = 256
	indexMetaFile = "INDEXES"
	dataDirName   = "data"
	snapDirName   = "snapshot"
)

const (
	stateNew int32 = iota
	stateOpen
	stateClosed
)

// bucket tracks one (index, pk): iterator pins and whether it holds
// primary records
type bucket struct {
	pins    atomic.Int32
	primary atomic.Bool
}

// DiskTable is a multi-index, ttl governed table on top of the LSM
// substrate. Each record of index i with primary key pk and timestamp ts
// lives under codec.EncodeIndexKey(i, pk, ts).
type DiskTable struct {
	name      string
	tid       uint32
	pid       uint32
	meta      *model.TableMeta
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	rowCodec  *codec.RowCodec
	indexes   []*IndexDef
	byOrdinal map[uint32]*IndexDef
	byName    map[string]*IndexDef

	rootPath     string
	dataPath     string
	snapshotPath string

	storage *service.StorageService
	buckets *xsync.MapOf[string, *bucket]
	locks   [lockStripes]sync.Mutex

	// gcMu serializes SchedGc, GcHead, CompactDB and DeleteIndex
	gcMu    sync.Mutex
	deleted []*IndexDef

	state atomic.Int32
}

// NewDiskTable creates a table from its descriptor. The table lives under
// root/{tid}_{pid} where root is chosen by meta.StorageMode.
func NewDiskTable(meta *model.TableMeta, roots RootPaths, opts Options) (*DiskTable, error) {
	if err := meta.Validate(); err != nil {
		return nil, errors.InvalidArgument("invalid table descriptor", err)
	}
	root, err := roots.For(meta.StorageMode)
	if err != nil {
		return nil, errors.InvalidArgument("invalid storage mode", err)
	}

	ordinals := make([]uint32, len(meta.Indexes))
	for i := range meta.Indexes {
		ordinals[i] = uint32(i)
	}
	return newDiskTable(meta, ordinals, root, opts), nil
}

// NewSimpleDiskTable creates a schemaless table from an index name to
// ordinal mapping sharing one ttl. ttl is in minutes for absolute kinds
// and a record count for latest.
func NewSimpleDiskTable(name string, tid, pid uint32, mapping map[string]uint32, ttl uint64, ttlType model.TTLType,
	mode model.StorageMode, rootPath string, opts Options) (*DiskTable, error) {
	names := make([]string, 0, len(mapping))
	for n := range mapping {
		names = append(names, n)
	}
	sort.Slice(names, func(a, b int) bool { return mapping[names[a]] < mapping[names[b]] })

	meta := &model.TableMeta{Name: name, Tid: tid, Pid: pid, StorageMode: mode}
	ordinals := make([]uint32, 0, len(names))
	seen := make(map[uint32]string, len(names))
	for _, n := range names {
		ord := mapping[n]
		if prev, dup := seen[ord]; dup {
			return nil, errors.InvalidArgument(fmt.Sprintf("indexes %s and %s share ordinal %d", prev, n, ord), nil)
		}
		seen[ord] = n
		meta.Indexes = append(meta.Indexes, model.IndexDesc{Name: n, TTL: model.SimpleTTL(ttl, ttlType)})
		ordinals = append(ordinals, ord)
	}
	if err := meta.Validate(); err != nil {
		return nil, errors.InvalidArgument("invalid table descriptor", err)
	}
	return newDiskTable(meta, ordinals, rootPath, opts), nil
}

func newDiskTable(meta *model.TableMeta, ordinals []uint32, root string, opts Options) *DiskTable {
	opts = opts.withDefaults()
	t := &DiskTable{
		name:      meta.Name,
		tid:       meta.Tid,
		pid:       meta.Pid,
		meta:      meta,
		opts:      opts,
		metrics:   opts.Metrics,
		byOrdinal: make(map[uint32]*IndexDef, len(meta.Indexes)),
		byName:    make(map[string]*IndexDef, len(meta.Indexes)),
		rootPath:  filepath.Join(root, meta.PartitionDir()),
		buckets:   xsync.NewMapOf[string, *bucket](),
	}
	t.dataPath = filepath.Join(t.rootPath, dataDirName)
	t.snapshotPath = filepath.Join(t.rootPath, snapDirName)
	t.logger = opts.Logger.With(
		zap.String("table", meta.Name),
		zap.Uint32("tid", meta.Tid),
		zap.Uint32("pid", meta.Pid))
	if len(meta.Columns) > 0 {
		t.rowCodec = codec.NewRowCodec(meta.Columns)
	}

	for i, desc := range meta.Indexes {
		idx := newIndexDef(desc.Name, ordinals[i], desc.Columns, desc.TsColumn, desc.TTL.Policy())
		t.indexes = append(t.indexes, idx)
		t.byOrdinal[idx.ordinal] = idx
		t.byName[idx.name] = idx
	}
	sort.Slice(t.indexes, func(a, b int) bool { return t.indexes[a].ordinal < t.indexes[b].ordinal })
	return t
}

// Init creates a fresh table on disk
func (t *DiskTable) Init(ctx context.Context) error {
	if service.HasManifest(t.dataPath) {
		return errors.InvalidArgument(fmt.Sprintf("table data already exists at %s", t.dataPath), nil)
	}
	if err := os.MkdirAll(t.dataPath, 0755); err != nil {
		return errors.IOError("failed to create table directory", err)
	}
	if err := t.open(ctx); err != nil {
		return err
	}
	t.logger.Info("Table initialized", zap.String("path", t.dataPath), zap.Int("indexes", len(t.indexes)))
	return nil
}

// LoadTable opens the table from an existing data directory, replays its
// commit log and rebuilds the live counters
func (t *DiskTable) LoadTable(ctx context.Context) error {
	if _, err := os.Stat(t.dataPath); err != nil {
		return errors.IOError(fmt.Sprintf("no table data at %s", t.dataPath), err)
	}
	if err := t.loadIndexMeta(t.dataPath); err != nil {
		return errors.CorruptedData("failed to read index metadata", err)
	}
	if err := t.open(ctx); err != nil {
		return err
	}
	if err := t.rebuildCounters(ctx); err != nil {
		t.storage.Close()
		t.state.Store(stateClosed)
		return err
	}
	t.logger.Info("Table loaded",
		zap.String("path", t.dataPath),
		zap.Uint64("records", t.GetRecordCnt()),
		zap.Uint64("pks", t.GetRecordPkCnt()))
	return nil
}

func (t *DiskTable) open(ctx context.Context) error {
	if !t.state.CompareAndSwap(stateNew, stateOpen) {
		return errors.InvalidArgument(fmt.Sprintf("table %s is already opened", t.name), nil)
	}
	cfg := t.opts.Storage
	cfg.DataDir = t.dataPath
	storage, err := service.OpenStorageService(ctx, &cfg, t.opts.Pool, t.logger)
	if err != nil {
		t.state.Store(stateNew)
		return err
	}
	t.storage = storage
	return nil
}

// rebuildCounters scans every active index in parallel
func (t *DiskTable) rebuildCounters(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, idx := range t.indexes {
		if !idx.IsActive() {
			t.deleted = append(t.deleted, idx)
			continue
		}
		idx := idx
		g.Go(func() error {
			return t.rebuildIndex(ctx, idx)
		})
	}
	return g.Wait()
}

func (t *DiskTable) rebuildIndex(ctx context.Context, idx *IndexDef) error {
	idx.resetCounters()
	prefix := codec.IndexPrefix(idx.ordinal)
	it := t.storage.NewIterator(prefix, codec.PrefixEnd(prefix))
	defer it.Close()

	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, pk, _, err := codec.DecodeIndexKey(it.Key())
		if err != nil {
			t.logger.Warn("Skipping undecodable key", zap.String("index", idx.name), zap.Error(err))
			continue
		}
		primary, payload, err := decodeValue(it.Value())
		if err != nil {
			t.logger.Warn("Skipping undecodable value", zap.String("index", idx.name), zap.Error(err))
			continue
		}
		idx.track(primary, recordSize(pk, payload), 1)
		if primary {
			b, _ := t.buckets.LoadOrCompute(bucketKey(idx.ordinal, pk), newBucket)
			if b.primary.CompareAndSwap(false, true) {
				idx.pkCnt.Add(1)
			}
		}
	}
	if err := it.Err(); err != nil {
		return errors.IOError(fmt.Sprintf("failed to scan index %s", idx.name), err)
	}
	return nil
}

// Close flushes the table and releases the substrate
func (t *DiskTable) Close() error {
	if !t.state.CompareAndSwap(stateOpen, stateClosed) {
		return nil
	}
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	if err := t.writeIndexMeta(t.dataPath); err != nil {
		t.logger.Warn("Failed to persist index metadata", zap.Error(err))
	}
	if err := t.storage.Close(); err != nil {
		return err
	}
	t.logger.Info("Table closed")
	return nil
}

// Release drops every bucket, closes the table and returns the number of
// primary keys it held
func (t *DiskTable) Release() (uint64, error) {
	pks := t.GetRecordPkCnt()
	t.buckets.Clear()
	for _, idx := range t.indexes {
		idx.pkCnt.Store(0)
	}
	t.metrics.RemoveTable(t.name)
	return pks, t.Close()
}

func (t *DiskTable) checkOpen() error {
	if t.state.Load() != stateOpen {
		return errors.TableClosed(t.name)
	}
	return nil
}

func (t *DiskTable) Name() string {
	return t.name
}

func (t *DiskTable) Tid() uint32 {
	return t.tid
}

func (t *DiskTable) Pid() uint32 {
	return t.pid
}

// Meta returns the descriptor the table was built from
func (t *DiskTable) Meta() *model.TableMeta {
	return t.meta
}

func (t *DiskTable) DataPath() string {
	return t.dataPath
}

// SnapshotPath is the default checkpoint target
func (t *DiskTable) SnapshotPath() string {
	return t.snapshotPath
}

// GetIndex returns the active index with the given ordinal, or nil
func (t *DiskTable) GetIndex(ordinal uint32) *IndexDef {
	idx := t.byOrdinal[ordinal]
	if idx == nil || !idx.IsActive() {
		return nil
	}
	return idx
}

// GetIndexByName returns the active index with the given name, or nil
func (t *DiskTable) GetIndexByName(name string) *IndexDef {
	idx := t.byName[name]
	if idx == nil || !idx.IsActive() {
		return nil
	}
	return idx
}

// GetAllIndex returns the active indexes ordered by ordinal
func (t *DiskTable) GetAllIndex() []*IndexDef {
	active := make([]*IndexDef, 0, len(t.indexes))
	for _, idx := range t.indexes {
		if idx.IsActive() {
			active = append(active, idx)
		}
	}
	return active
}

// defaultIndex is the active index with the lowest ordinal
func (t *DiskTable) defaultIndex() *IndexDef {
	for _, idx := range t.indexes {
		if idx.IsActive() {
			return idx
		}
	}
	return nil
}

func (t *DiskTable) GetIdxCnt() int {
	return len(t.GetAllIndex())
}

func (t *DiskTable) sum(field func(*IndexDef) *atomic.Int64) uint64 {
	var total int64
	for _, idx := range t.indexes {
		if idx.IsActive() {
			total += field(idx).Load()
		}
	}
	return clamp(total)
}

// GetRecordCnt is the number of live logical rows, counted through their
// primary records. Rows whose primary index was deleted are no longer
// counted here, even while other indexes still serve them; GetRecordIdxCnt
// keeps counting those records.
func (t *DiskTable) GetRecordCnt() uint64 {
	return t.sum(func(i *IndexDef) *atomic.Int64 { return &i.recordCnt })
}

// GetRecordIdxCnt is the number of live physical records over all indexes
func (t *DiskTable) GetRecordIdxCnt() uint64 {
	return t.sum(func(i *IndexDef) *atomic.Int64 { return &i.idxCnt })
}

// GetRecordPkCnt is the number of primary keys holding primary records
func (t *DiskTable) GetRecordPkCnt() uint64 {
	return t.sum(func(i *IndexDef) *atomic.Int64 { return &i.pkCnt })
}

func (t *DiskTable) GetRecordByteSize() uint64 {
	return t.sum(func(i *IndexDef) *atomic.Int64 { return &i.recordBytes })
}

func (t *DiskTable) GetRecordIdxByteSize() uint64 {
	return t.sum(func(i *IndexDef) *atomic.Int64 { return &i.idxBytes })
}

// Stats is a point-in-time view of a table
type Stats struct {
	model.PartitionStatus
	RecordIdxCnt      uint64
	RecordIdxByteSize uint64
	Storage           service.StorageStats
}

// Stats snapshots the counters and the substrate state
func (t *DiskTable) Stats() Stats {
	s := Stats{
		PartitionStatus: model.PartitionStatus{
			Name:           t.name,
			Tid:            t.tid,
			Pid:            t.pid,
			RecordCnt:      t.GetRecordCnt(),
			RecordPkCnt:    t.GetRecordPkCnt(),
			RecordByteSize: t.GetRecordByteSize(),
			IdxCnt:         t.GetIdxCnt(),
		},
		RecordIdxCnt:      t.GetRecordIdxCnt(),
		RecordIdxByteSize: t.GetRecordIdxByteSize(),
	}
	if t.state.Load() == stateOpen {
		s.Storage = t.storage.Stats()
	}
	return s
}

// PublishMetrics pushes the table gauges
func (t *DiskTable) PublishMetrics() {
	s := t.Stats()
	t.metrics.UpdateTable(t.name, metrics.TableSample{
		Records:       s.RecordCnt,
		Pks:           s.RecordPkCnt,
		RecordBytes:   s.RecordByteSize,
		IndexRecords:  s.RecordIdxCnt,
		MemTableBytes: s.Storage.MemTableBytes,
		SSTables:      s.Storage.SSTables,
		CacheHitRatio: s.Storage.Cache.HitRatio,
	})
}

func (t *DiskTable) String() string {
	return fmt.Sprintf("table(%s, %d_%d)", t.name, t.tid, t.pid)
}

func newBucket() *bucket {
	return &bucket{}
}

func bucketKey(ordinal uint32, pk string) string {
	return string(codec.BucketPrefix(ordinal, pk))
}

func (t *DiskTable) stripe(key string) int {
	return int(xxhash.Sum64String(key) % lockStripes)
}

// lockBuckets locks the stripes of keys in ascending order and returns the
// matching unlock
func (t *DiskTable) lockBuckets(keys ...string) func() {
	stripes := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		s := t.stripe(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		stripes = append(stripes, s)
	}
	sort.Ints(stripes)
	for _, s := range stripes {
		t.locks[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			t.locks[stripes[i]].Unlock()
		}
	}
}

// dropBucketIfIdle forgets a bucket that is neither pinned nor primary.
// Caller holds the bucket's stripe.
func (t *DiskTable) dropBucketIfIdle(key string) {
	t.buckets.Compute(key, func(old *bucket, loaded bool) (*bucket, bool) {
		return old, !loaded || (old.pins.Load() == 0 && !old.primary.Load())
	})
}

func (t *DiskTable) writeIndexMeta(dir string) error {
	states := make([]indexState, 0, len(t.indexes))
	for _, idx := range t.indexes {
		policy := idx.GetTTL()
		if pending, ok := idx.PendingTTL(); ok {
			policy = pending
		}
		states = append(states, indexState{
			Name:    idx.name,
			Ordinal: idx.ordinal,
			Active:  idx.IsActive(),
			TTL:     policy,
		})
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index metadata: %w", err)
	}
	tmp := filepath.Join(dir, indexMetaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, indexMetaFile))
}

// loadIndexMeta applies persisted activity flags and policies. Indexes
// unknown to the descriptor are ignored.
func (t *DiskTable) loadIndexMeta(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, indexMetaFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var states []indexState
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	for _, s := range states {
		idx := t.byOrdinal[s.Ordinal]
		if idx == nil || idx.name != s.Name {
			t.logger.Warn("Ignoring persisted state of undeclared index",
				zap.String("index", s.Name), zap.Uint32("ordinal", s.Ordinal))
			continue
		}
		idx.active.Store(s.Active)
		policy := s.TTL
		idx.ttl.Store(&policy)
	}
	return nil
}
