package table

import (
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/disktable/internal/codec"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/service"
	"go.uber.org/zap"
)

// pin keeps one bucket from being trimmed by GC
type pin struct {
	table    *DiskTable
	key      string
	bucket   *bucket
	released atomic.Bool
}

func (p *pin) release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	unlock := p.table.lockBuckets(p.key)
	p.bucket.pins.Add(-1)
	p.table.dropBucketIfIdle(p.key)
	unlock()
}

// Ticket collects the pins of the iterators created with it
type Ticket struct {
	mu   sync.Mutex
	pins []*pin
}

func NewTicket() *Ticket {
	return &Ticket{}
}

func (t *Ticket) add(p *pin) {
	t.mu.Lock()
	t.pins = append(t.pins, p)
	t.mu.Unlock()
}

// Pinned returns the number of buckets still pinned through the ticket
func (t *Ticket) Pinned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pins {
		if !p.released.Load() {
			n++
		}
	}
	return n
}

// Release unpins everything pinned through the ticket
func (t *Ticket) Release() {
	t.mu.Lock()
	pins := t.pins
	t.pins = nil
	t.mu.Unlock()
	for _, p := range pins {
		p.release()
	}
}

func (t *DiskTable) pinBucket(ordinal uint32, pk string) *pin {
	key := bucketKey(ordinal, pk)
	unlock := t.lockBuckets(key)
	b, _ := t.buckets.LoadOrCompute(key, newBucket)
	b.pins.Add(1)
	unlock()
	return &pin{table: t, key: key, bucket: b}
}

func (t *DiskTable) pinned(key string) bool {
	b, ok := t.buckets.Load(key)
	return ok && b.pins.Load() > 0
}

// Iterator walks the records of one primary key, newest first, skipping
// expired records. It must be positioned with SeekToFirst or Seek.
type Iterator struct {
	table  *DiskTable
	index  *IndexDef
	pk     string
	prefix []byte
	end    []byte
	pin    *pin

	it     *service.Iterator
	policy model.TTLPolicy
	now    int64
	rank   uint64

	valid bool
	ts    uint64
	value []byte
	err   error
}

// NewIterator returns an iterator over pk in index idx, or nil when the
// index is not declared. The bucket stays pinned until Close; ticket, when
// not nil, is also able to release the pin.
func (t *DiskTable) NewIterator(idx uint32, pk string, ticket *Ticket) *Iterator {
	if t.checkOpen() != nil {
		return nil
	}
	index := t.GetIndex(idx)
	if index == nil {
		return nil
	}
	p := t.pinBucket(idx, pk)
	if ticket != nil {
		ticket.add(p)
	}
	prefix := codec.BucketPrefix(idx, pk)
	return &Iterator{
		table:  t,
		index:  index,
		pk:     pk,
		prefix: prefix,
		end:    codec.PrefixEnd(prefix),
		pin:    p,
	}
}

// SeekToFirst positions at the newest live record
func (it *Iterator) SeekToFirst() {
	it.reset(it.prefix, 0)
}

// Seek positions at the newest live record with timestamp <= ts
func (it *Iterator) Seek(ts uint64) {
	start := codec.SeekKey(it.index.ordinal, it.pk, ts)
	var newer uint64
	it.policy = it.index.GetTTL()
	if it.policy.UsesRank() {
		n, err := it.table.countRange(it.prefix, start)
		if err != nil {
			it.closeSource()
			it.valid = false
			it.err = err
			return
		}
		newer = n
	}
	it.reset(start, newer)
}

func (it *Iterator) reset(start []byte, skipped uint64) {
	it.closeSource()
	it.err = nil
	it.policy = it.index.GetTTL()
	it.now = it.table.opts.nowMs()
	it.rank = skipped
	it.it = it.table.storage.NewIterator(start, it.end)
	it.load()
}

// load surfaces the record under the source cursor. Expiry is monotonic
// along a bucket, so the first expired record ends the iteration.
func (it *Iterator) load() {
	it.valid = false
	if !it.it.Valid() {
		it.err = it.it.Err()
		return
	}
	_, _, ts, err := codec.DecodeIndexKey(it.it.Key())
	if err != nil {
		it.err = err
		return
	}
	it.rank++
	if it.policy.NeedGc() && it.policy.Expired(it.table.age(ts, it.now), it.rank) {
		return
	}
	_, payload, err := decodeValue(it.it.Value())
	if err != nil {
		it.err = err
		return
	}
	it.ts = ts
	it.value = payload
	it.valid = true
}

func (it *Iterator) Valid() bool {
	return it.valid
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.it.Next()
	it.load()
}

func (it *Iterator) GetPK() string {
	return it.pk
}

// GetKey returns the timestamp of the current record
func (it *Iterator) GetKey() uint64 {
	return it.ts
}

func (it *Iterator) GetValue() []byte {
	return it.value
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) closeSource() {
	if it.it != nil {
		it.it.Close()
		it.it = nil
	}
}

// Close releases the substrate view and the bucket pin
func (it *Iterator) Close() {
	it.closeSource()
	it.valid = false
	it.pin.release()
}

// TraverseIterator walks a whole index: primary keys ordered by
// (length, bytes), each key's records contiguous and newest first. At most
// the traverse budget of physical entries is examined between seeks.
type TraverseIterator struct {
	table  *DiskTable
	index  *IndexDef
	end    []byte
	budget uint64

	it     *service.Iterator
	policy model.TTLPolicy
	now    int64
	count  uint64

	bucketPK  string
	inBucket  bool
	rank      uint64
	cursorPK  string
	cursorTS  uint64
	hasCursor bool

	valid bool
	pk    string
	ts    uint64
	value []byte
	err   error
}

// NewTraverseIterator returns an iterator over index idx, or nil when the
// index is not declared
func (t *DiskTable) NewTraverseIterator(idx uint32) *TraverseIterator {
	if t.checkOpen() != nil {
		return nil
	}
	index := t.GetIndex(idx)
	if index == nil {
		return nil
	}
	return &TraverseIterator{
		table:  t,
		index:  index,
		end:    codec.PrefixEnd(codec.IndexPrefix(idx)),
		budget: t.opts.TraverseBudget,
	}
}

func (it *TraverseIterator) SeekToFirst() {
	it.inBucket = false
	it.reset(codec.IndexPrefix(it.index.ordinal), 0)
}

// Seek positions at the first live record strictly after (pk, ts)
func (it *TraverseIterator) Seek(pk string, ts uint64) {
	cut := codec.EncodeIndexKey(it.index.ordinal, pk, ts)
	start := codec.After(cut)
	it.policy = it.index.GetTTL()

	var seen uint64
	if it.policy.UsesRank() {
		n, err := it.table.countRange(codec.BucketPrefix(it.index.ordinal, pk), start)
		if err != nil {
			it.closeSource()
			it.valid = false
			it.err = err
			return
		}
		seen = n
	}
	it.bucketPK = pk
	it.inBucket = true
	it.reset(start, seen)
}

func (it *TraverseIterator) reset(start []byte, rank uint64) {
	it.closeSource()
	it.err = nil
	it.count = 0
	it.rank = rank
	it.hasCursor = false
	it.policy = it.index.GetTTL()
	it.now = it.table.opts.nowMs()
	it.it = it.table.storage.NewIterator(start, it.end)
	it.advance()
}

// advance examines entries until a live one surfaces or the budget is spent
func (it *TraverseIterator) advance() {
	it.valid = false
	for {
		if it.budget > 0 && it.count >= it.budget {
			return
		}
		if !it.it.Valid() {
			it.err = it.it.Err()
			return
		}
		it.count++
		_, pk, ts, err := codec.DecodeIndexKey(it.it.Key())
		if err != nil {
			it.table.logger.Warn("Skipping undecodable key", zap.String("index", it.index.name), zap.Error(err))
			it.it.Next()
			continue
		}
		it.cursorPK, it.cursorTS, it.hasCursor = pk, ts, true
		if !it.inBucket || pk != it.bucketPK {
			it.bucketPK = pk
			it.inBucket = true
			it.rank = 0
		}
		it.rank++
		if it.policy.NeedGc() && it.policy.Expired(it.table.age(ts, it.now), it.rank) {
			it.it.Next()
			continue
		}
		_, payload, err := decodeValue(it.it.Value())
		if err != nil {
			it.err = err
			return
		}
		it.pk, it.ts, it.value = pk, ts, payload
		it.valid = true
		return
	}
}

func (it *TraverseIterator) Valid() bool {
	return it.valid
}

func (it *TraverseIterator) Next() {
	if !it.valid {
		return
	}
	it.it.Next()
	it.advance()
}

func (it *TraverseIterator) GetPK() string {
	return it.pk
}

// GetKey returns the timestamp of the current record
func (it *TraverseIterator) GetKey() uint64 {
	return it.ts
}

func (it *TraverseIterator) GetValue() []byte {
	return it.value
}

// GetCount returns the physical entries examined since the last seek,
// expired ones included
func (it *TraverseIterator) GetCount() uint64 {
	return it.count
}

// Cursor returns the last examined (pk, ts). Seeking to it resumes a scan
// whose budget ran out, even if no live record was surfaced.
func (it *TraverseIterator) Cursor() (string, uint64, bool) {
	return it.cursorPK, it.cursorTS, it.hasCursor
}

func (it *TraverseIterator) Err() error {
	return it.err
}

func (it *TraverseIterator) closeSource() {
	if it.it != nil {
		it.it.Close()
		it.it = nil
	}
}

func (it *TraverseIterator) Close() {
	it.closeSource()
	it.valid = false
}
