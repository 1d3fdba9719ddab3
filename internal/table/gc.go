package table

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/pairdb/disktable/internal/codec"
	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"go.uber.org/zap"
)

const (
	gcKindSched = "sched"
	gcKindHead  = "head"
)

// gcResult accumulates the outcome of one pass
type gcResult struct {
	trimmed  int
	deferred int
}

// SchedGc applies staged ttl changes, then trims expired records of every
// active index and part of the residue of deleted indexes. Buckets pinned
// by an iterator are left for a later pass.
func (t *DiskTable) SchedGc(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	start := time.Now()
	for _, idx := range t.indexes {
		if idx.IsActive() && idx.promote() {
			t.logger.Info("Applied staged ttl", zap.String("index", idx.name), zap.Stringer("ttl", idx.GetTTL()))
		}
	}

	now := t.opts.nowMs()
	var (
		res      gcResult
		firstErr error
	)
	for _, idx := range t.indexes {
		if !idx.IsActive() {
			continue
		}
		policy := idx.GetTTL()
		if !policy.NeedGc() {
			continue
		}
		if err := t.gcIndex(ctx, idx, policy, now, &res); err != nil {
			t.logger.Error("GC of index failed", zap.String("index", idx.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := t.gcDeletedIndexes(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	duration := time.Since(start)
	t.metrics.RecordGcPass(t.name, gcKindSched, duration, res.trimmed, res.deferred, firstErr)
	t.logger.Info("GC pass completed",
		zap.Int("trimmed", res.trimmed),
		zap.Int("deferred", res.deferred),
		zap.Uint64("records", t.GetRecordCnt()),
		zap.Duration("duration", duration))
	return firstErr
}

// GcHead trims by rank alone, for indexes whose policy expires a record
// once its rank exceeds lat_ttl
func (t *DiskTable) GcHead(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	start := time.Now()
	var (
		res      gcResult
		firstErr error
	)
	for _, idx := range t.indexes {
		if !idx.IsActive() {
			continue
		}
		policy := idx.GetTTL()
		if policy.LatTTL == 0 || (policy.Type != model.TTLLatest && policy.Type != model.TTLAbsOrLat) {
			continue
		}
		rankOnly := model.NewTTLPolicy(model.TTLLatest, 0, policy.LatTTL)
		if err := t.gcIndex(ctx, idx, rankOnly, 0, &res); err != nil {
			t.logger.Error("GC head of index failed", zap.String("index", idx.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	duration := time.Since(start)
	t.metrics.RecordGcPass(t.name, gcKindHead, duration, res.trimmed, res.deferred, firstErr)
	t.logger.Debug("GC head completed", zap.Int("trimmed", res.trimmed), zap.Duration("duration", duration))
	return firstErr
}

// gcIndex walks one index and trims expired records bucket by bucket
func (t *DiskTable) gcIndex(ctx context.Context, idx *IndexDef, policy model.TTLPolicy, now int64, res *gcResult) error {
	prefix := codec.IndexPrefix(idx.ordinal)
	it := t.storage.NewIterator(prefix, codec.PrefixEnd(prefix))
	defer it.Close()

	var (
		pk       string
		inBucket bool
		rank     uint64
		expired  [][]byte
	)
	flush := func() error {
		if len(expired) == 0 {
			return nil
		}
		err := t.trimBucket(ctx, idx, pk, expired, res)
		expired = expired[:0]
		return err
	}

	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, key, ts, err := codec.DecodeIndexKey(it.Key())
		if err != nil {
			t.logger.Warn("Skipping undecodable key", zap.String("index", idx.name), zap.Error(err))
			continue
		}
		if !inBucket || key != pk {
			if err := flush(); err != nil {
				return err
			}
			pk, inBucket, rank = key, true, 0
		}
		rank++
		if policy.Expired(t.age(ts, now), rank) {
			expired = append(expired, bytes.Clone(it.Key()))
			if len(expired) >= t.opts.GcBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return it.Err()
}

// trimBucket deletes the given records of (idx, pk) that still exist
func (t *DiskTable) trimBucket(ctx context.Context, idx *IndexDef, pk string, keys [][]byte, res *gcResult) error {
	key := bucketKey(idx.ordinal, pk)
	unlock := t.lockBuckets(key)
	defer unlock()
	// pins are taken under the same stripe
	if t.pinned(key) {
		res.deferred++
		return nil
	}

	batch := make([]service.Mutation, 0, len(keys))
	primary := make([]bool, 0, len(keys))
	sizes := make([]int64, 0, len(keys))
	for _, k := range keys {
		v, found, err := t.storage.Get(k)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		p, payload, err := decodeValue(v)
		if err != nil {
			t.logger.Warn("Trimming undecodable record", zap.String("pk", pk), zap.Error(err))
		}
		batch = append(batch, service.Mutation{Key: k, Tombstone: true})
		primary = append(primary, p)
		sizes = append(sizes, recordSize(pk, payload))
	}
	if len(batch) == 0 {
		return nil
	}
	if err := t.storage.Write(ctx, batch); err != nil {
		return err
	}
	for i := range batch {
		idx.track(primary[i], sizes[i], -1)
	}
	res.trimmed += len(batch)
	return nil
}

// gcDeletedIndexes removes up to DeletedIndexBatch entries of each deleted
// index and forgets an index once nothing of it is left
func (t *DiskTable) gcDeletedIndexes(ctx context.Context) error {
	remaining := t.deleted[:0]
	var firstErr error
	for _, idx := range t.deleted {
		prefix := codec.IndexPrefix(idx.ordinal)
		it := t.storage.NewIterator(prefix, codec.PrefixEnd(prefix))
		var batch []service.Mutation
		for ; it.Valid() && len(batch) < t.opts.DeletedIndexBatch; it.Next() {
			batch = append(batch, service.Mutation{Key: bytes.Clone(it.Key()), Tombstone: true})
		}
		it.Close()
		if err := it.Err(); err != nil {
			firstErr = err
			remaining = append(remaining, idx)
			continue
		}

		if len(batch) == 0 {
			t.forgetBuckets(idx.ordinal)
			t.logger.Info("Deleted index reclaimed", zap.String("index", idx.name))
			continue
		}
		if err := t.storage.Write(ctx, batch); err != nil {
			t.logger.Error("Failed to reclaim deleted index", zap.String("index", idx.name), zap.Error(err))
			firstErr = err
		}
		remaining = append(remaining, idx)
	}
	t.deleted = remaining
	return firstErr
}

func (t *DiskTable) forgetBuckets(ordinal uint32) {
	prefix := string(codec.IndexPrefix(ordinal))
	t.buckets.Range(func(key string, _ *bucket) bool {
		if strings.HasPrefix(key, prefix) {
			t.buckets.Delete(key)
		}
		return true
	})
}

// CompactDB compacts the substrate, dropping expired records and the
// residue of deleted indexes on the way
func (t *DiskTable) CompactDB(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	start := time.Now()
	filter := &expiryFilter{table: t, now: t.opts.nowMs()}
	result, err := t.storage.Compact(ctx, filter)
	duration := time.Since(start)
	if err != nil {
		t.metrics.RecordCompactionJob(t.name, duration, 0, 0, err)
		t.logger.Error("Compaction failed", zap.Error(err))
		return err
	}

	t.metrics.RecordCompactionJob(t.name, duration, result.EntriesFiltered, result.BytesWritten, nil)
	t.logger.Info("Compaction completed",
		zap.String("job_id", result.JobID),
		zap.Int("expired", filter.expired),
		zap.Int("shadowed", filter.shadowed),
		zap.Int("residual", filter.residual),
		zap.Int("entries_written", result.EntriesWritten),
		zap.Duration("duration", duration))
	return nil
}

// expiryFilter decides, per compacted entry, whether the record expired.
// Entries arrive in ascending key order, so a bucket's records arrive
// together, newest first.
type expiryFilter struct {
	table *DiskTable
	now   int64

	bucket   string
	inBucket bool
	rank     uint64

	expired  int
	shadowed int
	residual int
}

func (f *expiryFilter) Filter(key, value []byte) bool {
	t := f.table
	ordinal, pk, ts, err := codec.DecodeIndexKey(key)
	if err != nil {
		t.logger.Warn("Keeping undecodable key during compaction", zap.Error(err))
		return false
	}
	idx := t.byOrdinal[ordinal]
	if idx == nil || !idx.IsActive() {
		f.residual++
		return true
	}

	bk := bucketKey(ordinal, pk)
	if !f.inBucket || bk != f.bucket {
		f.bucket, f.inBucket, f.rank = bk, true, 0
	}

	// a newer version or a tombstone sits in the memtable; the copy being
	// compacted is dead either way
	if t.storage.Shadowed(key) {
		if _, live, _ := t.storage.Get(key); live {
			f.rank++
		}
		f.shadowed++
		return true
	}

	f.rank++
	policy := idx.GetTTL()
	if !policy.NeedGc() || !policy.Expired(t.age(ts, f.now), f.rank) {
		return false
	}

	unlock := t.lockBuckets(bk)
	defer unlock()
	if t.pinned(bk) {
		return false
	}
	if t.storage.Shadowed(key) {
		f.shadowed++
		return true
	}
	primary, payload, err := decodeValue(value)
	if err != nil {
		return false
	}
	t.storage.Hide(key)
	idx.track(primary, recordSize(pk, payload), -1)
	f.expired++
	return true
}

// SetTTL stages policy for the named index, or for every active index when
// name is empty. The next SchedGc applies it.
func (t *DiskTable) SetTTL(policy model.TTLPolicy, name string) error {
	if name == "" {
		for _, idx := range t.GetAllIndex() {
			idx.stage(policy)
		}
		t.logger.Info("Staged ttl for all indexes", zap.Stringer("ttl", policy))
		return nil
	}
	idx := t.GetIndexByName(name)
	if idx == nil {
		return errors.IndexNotFound(name)
	}
	idx.stage(policy)
	t.logger.Info("Staged ttl", zap.String("index", name), zap.Stringer("ttl", policy))
	return nil
}

// DeleteIndex deactivates the named index. Its records stop being
// readable and counted at once and are reclaimed by later GC passes.
func (t *DiskTable) DeleteIndex(name string) error {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	idx := t.GetIndexByName(name)
	if idx == nil {
		return errors.IndexNotFound(name)
	}
	if t.GetIdxCnt() == 1 {
		return errors.InvalidArgument(fmt.Sprintf("cannot delete %s, the last index of table %s", name, t.name), nil)
	}
	idx.active.Store(false)
	t.deleted = append(t.deleted, idx)

	if t.state.Load() == stateOpen {
		if err := t.writeIndexMeta(t.dataPath); err != nil {
			t.logger.Warn("Failed to persist index metadata", zap.Error(err))
		}
	}
	t.logger.Info("Index deleted", zap.String("index", name), zap.Uint32("ordinal", idx.ordinal))
	return nil
}
