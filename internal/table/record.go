package table

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/devrev/pairdb/disktable/internal/codec"
	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/devrev/pairdb/disktable/internal/validation"
	"go.uber.org/zap"
)

const (
	flagPrimary byte = 1 << 0

	// tsBytes is the timestamp share of a record's size
	tsBytes = 8
)

// encodeValue prefixes the payload with the record flags
func encodeValue(primary bool, payload []byte) []byte {
	v := make([]byte, 1+len(payload))
	if primary {
		v[0] = flagPrimary
	}
	copy(v[1:], payload)
	return v
}

func decodeValue(v []byte) (bool, []byte, error) {
	if len(v) == 0 {
		return false, nil, fmt.Errorf("stored value has no flags")
	}
	return v[0]&flagPrimary != 0, v[1:], nil
}

func recordSize(pk string, payload []byte) int64 {
	return int64(len(pk) + tsBytes + len(payload))
}

// record is one physical write of a logical row
type record struct {
	index   *IndexDef
	pk      string
	ts      uint64
	primary bool
}

// Put writes value under pk in the default index
func (t *DiskTable) Put(ctx context.Context, pk string, ts uint64, value []byte) error {
	idx := t.defaultIndex()
	if idx == nil {
		return errors.IndexNotFound("default")
	}
	return t.PutDimensions(ctx, ts, value, []model.Dimension{{Index: idx.ordinal, Key: pk}})
}

// PutDimensions writes one record per dimension. The dimension with the
// lowest ordinal carries the row's primary record.
func (t *DiskTable) PutDimensions(ctx context.Context, ts uint64, value []byte, dims []model.Dimension) error {
	if err := t.opts.Validator.ValidatePut(value, dims); err != nil {
		return err
	}
	recs := make([]record, 0, len(dims))
	seen := make(map[model.Dimension]struct{}, len(dims))
	primary := -1
	for _, d := range dims {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		idx := t.GetIndex(d.Index)
		if idx == nil {
			return errors.IndexNotFound(d.Index)
		}
		if primary < 0 || idx.ordinal < recs[primary].index.ordinal {
			primary = len(recs)
		}
		recs = append(recs, record{index: idx, pk: d.Key, ts: ts})
	}
	recs[primary].primary = true
	return t.write(ctx, recs, value)
}

// PutRow derives the dimensions and timestamps of an encoded row from the
// index declarations. Indexes whose ts column is null are skipped; indexes
// without a ts column use the current time.
func (t *DiskTable) PutRow(ctx context.Context, value []byte) error {
	if t.rowCodec == nil {
		return errors.InvalidArgument(fmt.Sprintf("table %s has no schema", t.name), nil)
	}
	if err := t.opts.Validator.ValidateValue(value); err != nil {
		return err
	}
	row, err := t.rowCodec.Decode(value)
	if err != nil {
		return errors.InvalidArgument("failed to decode row", err)
	}

	now := uint64(t.opts.nowMs())
	var recs []record
	for _, idx := range t.GetAllIndex() {
		pk, err := t.rowCodec.IndexKey(row, idx.columns)
		if err != nil {
			return errors.InvalidArgument(fmt.Sprintf("index %s", idx.name), err)
		}
		if err := t.opts.Validator.ValidateKey(pk); err != nil {
			return err
		}
		ts := now
		if idx.tsColumn != "" {
			v, ok, err := t.rowCodec.Timestamp(row, idx.tsColumn)
			if err != nil {
				return errors.InvalidArgument(fmt.Sprintf("index %s", idx.name), err)
			}
			if !ok {
				t.logger.Debug("Skipping index with null ts column", zap.String("index", idx.name))
				continue
			}
			ts = v
		}
		recs = append(recs, record{index: idx, pk: pk, ts: ts, primary: len(recs) == 0})
	}
	if len(recs) == 0 {
		return errors.InvalidArgument("row binds no index", nil)
	}
	return t.write(ctx, recs, value)
}

// write applies recs as one substrate batch under their bucket locks
func (t *DiskTable) write(ctx context.Context, recs []record, value []byte) (err error) {
	if err := t.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		t.metrics.RecordPut(t.name, time.Since(start), len(value), err)
	}()

	if t.opts.DiskManager != nil {
		dims := make([]model.Dimension, len(recs))
		for i, r := range recs {
			dims[i] = model.Dimension{Index: r.index.ordinal, Key: r.pk}
		}
		if err := t.opts.DiskManager.CheckBeforeWrite(validation.EstimateWriteSize(value, dims)); err != nil {
			return err
		}
	}

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = bucketKey(r.index.ordinal, r.pk)
	}
	unlock := t.lockBuckets(keys...)
	defer unlock()

	type previous struct {
		found   bool
		primary bool
		size    int64
	}
	prev := make([]previous, len(recs))
	batch := make([]service.Mutation, len(recs))
	for i, r := range recs {
		key := codec.EncodeIndexKey(r.index.ordinal, r.pk, r.ts)
		old, found, err := t.storage.Get(key)
		if err != nil {
			return err
		}
		if found {
			if p, payload, err := decodeValue(old); err == nil {
				prev[i] = previous{found: true, primary: p, size: recordSize(r.pk, payload)}
			}
		}
		batch[i] = service.Mutation{Key: key, Value: encodeValue(r.primary, value)}
	}
	if err := t.storage.Write(ctx, batch); err != nil {
		return err
	}

	for i, r := range recs {
		if prev[i].found {
			r.index.track(prev[i].primary, prev[i].size, -1)
		}
		r.index.track(r.primary, recordSize(r.pk, value), 1)
		if r.primary {
			b, _ := t.buckets.LoadOrCompute(keys[i], newBucket)
			if b.primary.CompareAndSwap(false, true) {
				r.index.pkCnt.Add(1)
			}
		}
	}
	return nil
}

// Get returns the value stored under exactly (pk, ts) in index idx.
// Missing and expired records both report found == false.
func (t *DiskTable) Get(idx uint32, pk string, ts uint64) ([]byte, bool, error) {
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}
	index := t.GetIndex(idx)
	if index == nil {
		return nil, false, errors.IndexNotFound(idx)
	}

	v, found, err := t.storage.Get(codec.EncodeIndexKey(idx, pk, ts))
	if err != nil {
		return nil, false, err
	}
	if !found {
		t.metrics.RecordGet(t.name, false)
		return nil, false, nil
	}
	_, payload, err := decodeValue(v)
	if err != nil {
		return nil, false, errors.CorruptedData("failed to decode record", err)
	}
	expired, err := t.isExpired(index, index.GetTTL(), pk, ts, t.opts.nowMs())
	if err != nil {
		return nil, false, err
	}
	t.metrics.RecordGet(t.name, !expired)
	if expired {
		return nil, false, nil
	}
	return payload, true, nil
}

// Delete removes every record of pk from index idx
func (t *DiskTable) Delete(ctx context.Context, idx uint32, pk string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	index := t.GetIndex(idx)
	if index == nil {
		return false, errors.IndexNotFound(idx)
	}

	key := bucketKey(idx, pk)
	unlock := t.lockBuckets(key)
	defer unlock()

	var (
		batch    []service.Mutation
		primary  []bool
		sizes    []int64
		prefix   = codec.BucketPrefix(idx, pk)
		iterator = t.storage.NewIterator(prefix, codec.PrefixEnd(prefix))
	)
	for ; iterator.Valid(); iterator.Next() {
		p, payload, err := decodeValue(iterator.Value())
		if err != nil {
			t.logger.Warn("Deleting undecodable record", zap.String("pk", pk), zap.Error(err))
			continue
		}
		batch = append(batch, service.Mutation{Key: append([]byte(nil), iterator.Key()...), Tombstone: true})
		primary = append(primary, p)
		sizes = append(sizes, recordSize(pk, payload))
	}
	iterator.Close()
	if err := iterator.Err(); err != nil {
		return false, err
	}

	if len(batch) > 0 {
		if err := t.storage.Write(ctx, batch); err != nil {
			return false, err
		}
		for i := range batch {
			index.track(primary[i], sizes[i], -1)
		}
	}

	hadPrimary := false
	if b, ok := t.buckets.Load(key); ok && b.primary.CompareAndSwap(true, false) {
		index.pkCnt.Add(-1)
		hadPrimary = true
	}
	t.dropBucketIfIdle(key)

	t.metrics.RecordDelete(t.name)
	return len(batch) > 0 || hadPrimary, nil
}

// age is the record age in milliseconds after the gc safety offset
func (t *DiskTable) age(ts uint64, now int64) int64 {
	if ts > math.MaxInt64 {
		return math.MinInt64
	}
	return now - int64(ts) - t.opts.GCSafeOffset.Milliseconds()
}

// isExpired evaluates policy for the record (pk, ts) of index. The rank is
// the number of stored records of pk newer than ts, plus one.
func (t *DiskTable) isExpired(index *IndexDef, policy model.TTLPolicy, pk string, ts uint64, now int64) (bool, error) {
	if !policy.NeedGc() {
		return false, nil
	}
	rank := uint64(1)
	if policy.UsesRank() {
		newer, err := t.countRange(codec.BucketPrefix(index.ordinal, pk), codec.EncodeIndexKey(index.ordinal, pk, ts))
		if err != nil {
			return false, err
		}
		rank += newer
	}
	return policy.Expired(t.age(ts, now), rank), nil
}

// countRange counts live entries in [start, end)
func (t *DiskTable) countRange(start, end []byte) (uint64, error) {
	it := t.storage.NewIterator(start, end)
	defer it.Close()

	var n uint64
	for ; it.Valid(); it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		return 0, errors.IOError("failed to count records", err)
	}
	return n, nil
}

// IsExpire reports whether a replicated write is expired in every index it
// binds. Indexes with a ts column take the timestamp from the encoded row.
func (t *DiskTable) IsExpire(entry *model.LogEntry) bool {
	if t.checkOpen() != nil {
		return false
	}
	dims := entry.Dimensions
	if len(dims) == 0 {
		idx := t.defaultIndex()
		if idx == nil {
			return false
		}
		dims = []model.Dimension{{Index: idx.ordinal, Key: entry.PK}}
	}

	var row codec.Row
	if t.rowCodec != nil {
		if decoded, err := t.rowCodec.Decode(entry.Value); err == nil {
			row = decoded
		}
	}

	now := t.opts.nowMs()
	for _, d := range dims {
		index := t.GetIndex(d.Index)
		if index == nil {
			continue
		}
		ts := entry.TS
		if index.tsColumn != "" && row != nil {
			if v, ok, err := t.rowCodec.Timestamp(row, index.tsColumn); err == nil && ok {
				ts = v
			}
		}
		expired, err := t.isExpired(index, index.GetTTL(), d.Key, ts, now)
		if err != nil {
			t.logger.Warn("Failed to evaluate expiry", zap.String("pk", d.Key), zap.Error(err))
			return false
		}
		if !expired {
			return false
		}
	}
	return true
}

// GetExpireTime returns the absolute timestamp before which records are
// expired by age under policy, or 0 when age never expires records
func (t *DiskTable) GetExpireTime(policy model.TTLPolicy) uint64 {
	if !policy.UsesAge() {
		return 0
	}
	base := t.opts.nowMs() - t.opts.GCSafeOffset.Milliseconds()
	abs := policy.AbsMillis()
	if base <= abs {
		return 0
	}
	return uint64(base - abs)
}
